package model

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/quillshell/quill/internal/conversation"
	"github.com/quillshell/quill/internal/tool"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"nil", nil, false},
		{"rate limit", errors.New("429 Too Many Requests"), true},
		{"rate limit marker", errors.New("rate_limit_error: slow down"), true},
		{"server error", errors.New("502 Bad Gateway"), true},
		{"overloaded", errors.New("503 Service Unavailable"), true},
		{"timeout", errors.New("request timeout"), true},
		{"connection reset", errors.New("read tcp: connection reset by peer"), true},
		{"auth failure", errors.New("401 invalid x-api-key"), false},
		{"bad request", errors.New("400 invalid request body"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.transient {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.transient)
			}
		})
	}
}

func TestConvertTranscriptGroupsToolBlocks(t *testing.T) {
	turns := []conversation.Turn{
		{Kind: conversation.KindUserMessage, Text: "list the files"},
		{Kind: conversation.KindAssistantMessage, Text: "Checking.", Finished: true},
		{Kind: conversation.KindToolCall, CallID: "c1", Name: "terminal_exec", Arguments: json.RawMessage(`{"command":"ls"}`)},
		{Kind: conversation.KindToolCall, CallID: "c2", Name: "file_read", Arguments: json.RawMessage(`{"path":"go.mod"}`)},
		{Kind: conversation.KindToolResult, CallID: "c1", Status: conversation.StatusOK, Payload: "main.go"},
		{Kind: conversation.KindToolResult, CallID: "c2", Status: conversation.StatusError, ErrorDetail: "no such file"},
		{Kind: conversation.KindAssistantMessage, Text: "There is one file.", Finished: true},
	}

	messages, err := convertTranscript(turns)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}

	// user, assistant(text + 2 tool_use), user(2 tool_result), assistant
	wantRoles := []string{"user", "assistant", "user", "assistant"}
	if len(messages) != len(wantRoles) {
		t.Fatalf("expected %d messages, got %d", len(wantRoles), len(messages))
	}
	for i, role := range wantRoles {
		if string(messages[i].Role) != role {
			t.Errorf("message %d: expected role %s, got %s", i, role, messages[i].Role)
		}
	}
	if n := len(messages[1].Content); n != 3 {
		t.Errorf("assistant message should carry text plus two tool_use blocks, got %d blocks", n)
	}
	if n := len(messages[2].Content); n != 2 {
		t.Errorf("results message should carry two tool_result blocks, got %d blocks", n)
	}
}

func TestConvertTranscriptRejectsBadArguments(t *testing.T) {
	turns := []conversation.Turn{
		{Kind: conversation.KindUserMessage, Text: "go"},
		{Kind: conversation.KindToolCall, CallID: "c1", Name: "x", Arguments: json.RawMessage(`{broken`)},
	}
	if _, err := convertTranscript(turns); err == nil {
		t.Error("expected error for malformed tool call arguments")
	}
}

func TestConvertCatalog(t *testing.T) {
	defs := []*tool.Definition{
		{
			Name:        "file_read",
			Description: "Read a file.",
			Schema: tool.ObjectSchema(map[string]any{
				"path": map[string]any{"type": "string"},
			}, []string{"path"}),
		},
		{Name: "bare"},
	}

	out, err := convertCatalog(defs)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(out))
	}
	for i, param := range out {
		if param.OfTool == nil {
			t.Fatalf("tool %d: expected OfTool to be set", i)
		}
	}
	if out[0].OfTool.Name != "file_read" {
		t.Errorf("expected name file_read, got %s", out[0].OfTool.Name)
	}
}
