// Package model defines the narrow complete/stream contract to the model
// provider and its Anthropic implementation.
package model

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/quillshell/quill/internal/conversation"
	"github.com/quillshell/quill/internal/tool"
)

// ToolCall is a complete tool directive emitted by the model. Arguments are
// buffered across the stream and only surfaced once the call is complete;
// partial argument JSON never leaves this package.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Chunk is one element of the streamed response. Exactly one field is set.
type Chunk struct {
	TextDelta string
	ToolCall  *ToolCall
	EndOfTurn bool
	Err       error
}

// Provider is the model collaborator: given the visible transcript and the
// tool catalog, it yields a lazy stream of chunks until EndOfTurn. A stream
// is not restartable; a retry re-sends the full transcript.
type Provider interface {
	CompleteStream(ctx context.Context, transcript []conversation.Turn, catalog []*tool.Definition) (<-chan Chunk, error)
}

// IsTransient reports whether a provider error is worth one automatic retry:
// rate limits, 5xx responses, and network blips. Everything else (auth,
// malformed request) fails the run immediately.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())

	for _, marker := range []string{
		"rate_limit", "429", "too many requests",
		"500", "502", "503", "504",
		"internal server error", "bad gateway", "service unavailable", "gateway timeout",
		"timeout", "deadline exceeded",
		"connection reset", "connection refused", "no such host",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
