package op

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode categorizes why an operation was rejected or failed.
type ErrorCode string

const (
	// CodeInvalidOperation covers unknown names, version mismatches and
	// malformed records.
	CodeInvalidOperation ErrorCode = "INVALID_OPERATION"

	// CodeInvalidTimestamp indicates a timestamp beyond the future fudge window.
	CodeInvalidTimestamp ErrorCode = "INVALID_TIMESTAMP"

	// CodeInvalidSignature indicates a signature that does not verify.
	CodeInvalidSignature ErrorCode = "INVALID_SIGNATURE"

	// CodeInvalidContext indicates a context that does not exist or is
	// missing key material.
	CodeInvalidContext ErrorCode = "INVALID_CONTEXT"

	// CodeInvalidHash indicates the declared key differs from the hash of
	// the canonical message.
	CodeInvalidHash ErrorCode = "INVALID_HASH"

	// CodeRateLimited indicates every sender bucket is over its limit.
	CodeRateLimited ErrorCode = "RATE_LIMITED"

	// CodeOperationTooLarge indicates the reserialized record exceeds the
	// maximum size.
	CodeOperationTooLarge ErrorCode = "OPERATION_TOO_LARGE"

	// CodeUnlinkedContextID indicates a Sponsor context identifier that is
	// not linked to any identity.
	CodeUnlinkedContextID ErrorCode = "UNLINKED_CONTEXT_ID"

	// CodeDuplicate indicates the content key was already recorded.
	CodeDuplicate ErrorCode = "DUPLICATE"

	// CodeUnavailable indicates a store round-trip failed or timed out.
	// Callers may retry.
	CodeUnavailable ErrorCode = "UNAVAILABLE"
)

// Error is the structured rejection returned by every stage of operation
// evaluation. Use errors.As, CodeOf or IsCode to inspect it.
type Error struct {
	Code    ErrorCode
	Message string

	// Key is the content key of the affected operation, when known.
	Key string

	// Details carries small diagnostic values (buckets, limits, fields).
	Details map[string]string

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Key != "" {
		fmt.Fprintf(&b, " (key=%s)", e.Key)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds an Error with a formatted message.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an Error that wraps cause.
func WrapError(code ErrorCode, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: cause}
}

// NewHashError reports a declared key that does not match the computed one.
func NewHashError(declared, computed string) *Error {
	return &Error{
		Code:    CodeInvalidHash,
		Message: "declared key does not match message hash",
		Key:     declared,
		Details: map[string]string{"computed": computed},
	}
}

// NewTimestampError reports a timestamp beyond the accepted future bound.
func NewTimestampError(timestamp, limit int64) *Error {
	return &Error{
		Code:    CodeInvalidTimestamp,
		Message: fmt.Sprintf("timestamp %d is in the future (limit %d)", timestamp, limit),
		Details: map[string]string{
			"timestamp": fmt.Sprintf("%d", timestamp),
			"limit":     fmt.Sprintf("%d", limit),
		},
	}
}

// NewRateLimitedError reports that every sender bucket is exhausted.
func NewRateLimitedError(buckets []string, limit int) *Error {
	return &Error{
		Code:    CodeRateLimited,
		Message: "too many operations",
		Details: map[string]string{
			"buckets": strings.Join(buckets, ","),
			"limit":   fmt.Sprintf("%d", limit),
		},
	}
}

// WithKey returns a copy of err tagged with the operation key, if err is an
// *Error without one. Other errors are returned unchanged.
func WithKey(err error, key string) error {
	var e *Error
	if !errors.As(err, &e) || e.Key != "" {
		return err
	}
	c := *e
	c.Key = key
	return &c
}

// CodeOf extracts the ErrorCode from err, or "" when err carries none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps a code to the status a submission boundary should answer
// with.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case CodeInvalidOperation, CodeInvalidTimestamp, CodeInvalidHash:
		return http.StatusBadRequest
	case CodeInvalidSignature:
		return http.StatusForbidden
	case CodeInvalidContext, CodeUnlinkedContextID:
		return http.StatusNotFound
	case CodeDuplicate:
		return http.StatusConflict
	case CodeOperationTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
