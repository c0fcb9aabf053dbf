package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustgraph/trustops/internal/op"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	err := formatter.Success(map[string]string{"key": "abc"}, "trace-1", func(io.Writer) {
		t.Fatal("text callback used for JSON output")
	})
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "trace-1", resp.TraceID)
	assert.Equal(t, map[string]any{"key": "abc"}, resp.Data)
}

func TestOutputFormatter_TextSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	err := formatter.Success(nil, "", func(w io.Writer) {
		io.WriteString(w, "applied abc\n")
	})
	require.NoError(t, err)
	assert.Equal(t, "applied abc\n", buf.String())
}

func TestOutputFormatter_JSONOperationError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	opErr := op.WithKey(op.NewRateLimitedError([]string{"shared"}, 60), "key-1")
	require.NoError(t, formatter.Error(opErr))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(op.CodeRateLimited), resp.Error.Code)
	assert.Equal(t, 429, resp.Error.Status)
	assert.Equal(t, "key-1", resp.Error.Key)
	assert.NotEmpty(t, resp.Error.Details)
}

func TestOutputFormatter_TextErrors(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Error(op.NewError(op.CodeInvalidHash, "hash mismatch")))
	require.NoError(t, formatter.Error(errors.New("disk full")))

	assert.Contains(t, buf.String(), "Error [INVALID_HASH]: hash mismatch")
	assert.Contains(t, buf.String(), "Error [CommandError]: disk full")
}

func TestReportOperationError_ExitCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"rejection", op.NewError(op.CodeInvalidSignature, "bad"), ExitFailure},
		{"transient", op.NewError(op.CodeUnavailable, "store down"), ExitCommandError},
		{"plain", errors.New("boom"), ExitCommandError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			formatter := &OutputFormatter{Format: "text", Writer: io.Discard}
			err := reportOperationError(formatter, "failed", tt.err)
			assert.Equal(t, tt.want, GetExitCode(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "x")))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
}
