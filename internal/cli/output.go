package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/trustgraph/trustops/internal/op"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // The operation was rejected or failed
	ExitCommandError = 2 // Command error (bad input file, unreadable config, store not reachable)
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status  string    `json:"status"`             // "ok" or "error"
	Data    any       `json:"data,omitempty"`     // success payload
	Error   *CLIError `json:"error,omitempty"`    // error details
	TraceID string    `json:"trace_id,omitempty"` // trace of the handler run
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string            `json:"code"`              // op.ErrorCode, or "CommandError"
	Status  int               `json:"status,omitempty"`  // HTTP-style status of the code
	Message string            `json:"message"`           // human-readable message
	Key     string            `json:"key,omitempty"`     // content key of the affected operation
	Details map[string]string `json:"details,omitempty"` // additional context
}

// codeCommandError labels failures that carry no operation error code.
const codeCommandError = "CommandError"

// Success outputs a successful result. Text output uses the writeText
// callback; JSON output encodes data.
func (f *OutputFormatter) Success(data any, traceID string, writeText func(w io.Writer)) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status:  "ok",
			Data:    data,
			TraceID: traceID,
		})
	}
	writeText(f.Writer)
	return nil
}

// Error outputs err in the configured format.
func (f *OutputFormatter) Error(err error) error {
	e := describeError(err)
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error:  e,
		})
	}

	if e.Key != "" {
		fmt.Fprintf(f.Writer, "Error [%s] %s: %s\n", e.Code, e.Key, e.Message)
	} else {
		fmt.Fprintf(f.Writer, "Error [%s]: %s\n", e.Code, e.Message)
	}
	for _, k := range slices.Sorted(maps.Keys(e.Details)) {
		fmt.Fprintf(f.Writer, "  %s: %s\n", k, e.Details[k])
	}
	return nil
}

func describeError(err error) *CLIError {
	var opErr *op.Error
	if !errors.As(err, &opErr) {
		return &CLIError{Code: codeCommandError, Message: err.Error()}
	}
	msg := opErr.Message
	if opErr.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, opErr.Err)
	}
	return &CLIError{
		Code:    string(opErr.Code),
		Status:  op.HTTPStatus(opErr.Code),
		Message: msg,
		Key:     opErr.Key,
		Details: opErr.Details,
	}
}

// reportOperationError writes err and returns the ExitError the command
// should fail with.
func reportOperationError(f *OutputFormatter, message string, err error) error {
	if writeErr := f.Error(err); writeErr != nil {
		return WrapExitError(ExitCommandError, "writing output", writeErr)
	}
	if op.CodeOf(err) == "" || op.IsCode(err, op.CodeUnavailable) {
		return WrapExitError(ExitCommandError, message, err)
	}
	return WrapExitError(ExitFailure, message, err)
}
