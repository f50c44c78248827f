package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kbase/internal/model"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	err := formatter.Success(map[string]int{"items": 3}, func(w io.Writer) {
		t.Fatal("text renderer used for json output")
	})
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, map[string]any{"items": float64(3)}, resp.Data)
}

func TestOutputFormatter_TextSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Success("plain", nil))
	require.NoError(t, formatter.Success(nil, func(w io.Writer) { fmt.Fprintln(w, "rendered") }))
	assert.Equal(t, "plain\nrendered\n", buf.String())
}

func TestOutputFormatter_Error(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	details := []model.FieldError{{Field: "title", Message: "must not be empty"}}
	require.NoError(t, formatter.Error("VALIDATION", "invalid item", details))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "VALIDATION", resp.Error.Code)
	assert.NotNil(t, resp.Error.Details)

	buf.Reset()
	text := &OutputFormatter{Format: "text", Writer: buf, Verbose: true}
	require.NoError(t, text.Error("NOT_FOUND", "item not found", details))
	assert.Contains(t, buf.String(), "Error [NOT_FOUND]: item not found")
	assert.Contains(t, buf.String(), "Details:")
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		wantLog bool
	}{
		{"verbose_enabled", true, true},
		{"verbose_disabled", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := &bytes.Buffer{}
			diag := &bytes.Buffer{}
			formatter := &OutputFormatter{Format: "json", Writer: out, ErrWriter: diag, Verbose: tt.verbose}

			formatter.VerboseLog("Importing %s", "backup.json")

			assert.Empty(t, out.String())
			if tt.wantLog {
				assert.Contains(t, diag.String(), "Importing backup.json")
			} else {
				assert.Empty(t, diag.String())
			}
		})
	}
}

func TestExitCodes(t *testing.T) {
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "boom")))

	assert.Equal(t, ExitFailure, WrapModelError("x", model.NewValidationError("bad")).Code)
	assert.Equal(t, ExitFailure, WrapModelError("x", model.NewNotFoundError("item", "1")).Code)
	assert.Equal(t, ExitFailure, WrapModelError("x", model.NewConflictError("item", "1", "kind is immutable")).Code)
	assert.Equal(t, ExitCommandError, WrapModelError("x", model.NewStorageError("disk", errors.New("io"))).Code)

	wrapped := fmt.Errorf("context: %w", WrapExitError(ExitCommandError, "open", errors.New("denied")))
	assert.Equal(t, ExitCommandError, GetExitCode(wrapped))
	assert.Equal(t, "context: open: denied", wrapped.Error())
}
