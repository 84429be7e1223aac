// Package conversation holds the append-only turn log that every pane and
// every model call reads from.
package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Kind discriminates the turn variants.
type Kind int

const (
	KindUserMessage Kind = iota
	KindAssistantMessage
	KindToolCall
	KindToolResult
)

// String returns a human-readable kind name.
func (k Kind) String() string {
	names := [...]string{
		"user_message",
		"assistant_message",
		"tool_call",
		"tool_result",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return "unknown"
}

// Status classifies a tool result.
type Status string

const (
	StatusOK        Status = "ok"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Turn is one unit of the transcript. Only the fields for its Kind are set.
// Turns are immutable once appended, except for an assistant message that is
// still streaming: its Text grows until Finished is set.
type Turn struct {
	Kind      Kind
	Timestamp time.Time

	// KindUserMessage and KindAssistantMessage.
	Text     string
	Finished bool

	// KindToolCall.
	CallID    string
	Name      string
	Arguments json.RawMessage

	// KindToolResult. CallID references the matching tool call.
	Status      Status
	Payload     string
	ErrorDetail string
}

var (
	ErrNoOpenAssistant = errors.New("no open assistant message")
	ErrDuplicateResult = errors.New("duplicate tool result")
	ErrUnknownCall     = errors.New("unknown tool call")
)

// State is the single source of truth for the conversation. Appends are
// serialized behind one mutex so readers never observe a partial turn.
type State struct {
	mu      sync.Mutex
	turns   []Turn
	results map[string]bool // call IDs that have a result
	calls   map[string]int  // call ID -> turn index
	open    int             // index of the streaming assistant message, -1 if none
}

// New returns an empty conversation state.
func New() *State {
	return &State{
		results: make(map[string]bool),
		calls:   make(map[string]int),
		open:    -1,
	}
}

// AppendUserMessage appends a user turn.
func (s *State) AppendUserMessage(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, Turn{
		Kind:      KindUserMessage,
		Timestamp: time.Now(),
		Text:      text,
	})
}

// BeginAssistantMessage opens a streaming assistant message and returns its
// message id. At most one assistant message is open at a time.
func (s *State) BeginAssistantMessage() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, Turn{
		Kind:      KindAssistantMessage,
		Timestamp: time.Now(),
	})
	s.open = len(s.turns) - 1
	return s.open
}

// AppendAssistantDelta grows the open assistant message in place.
func (s *State) AppendAssistantDelta(id int, delta string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open != id || id < 0 || id >= len(s.turns) {
		return ErrNoOpenAssistant
	}
	s.turns[id].Text += delta
	return nil
}

// FinishAssistantMessage freezes the open assistant message. Further deltas
// for the same id are rejected.
func (s *State) FinishAssistantMessage(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open != id || id < 0 || id >= len(s.turns) {
		return ErrNoOpenAssistant
	}
	s.turns[id].Finished = true
	s.open = -1
	return nil
}

// AppendToolCall appends a tool call turn.
func (s *State) AppendToolCall(callID, name string, args json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, Turn{
		Kind:      KindToolCall,
		Timestamp: time.Now(),
		CallID:    callID,
		Name:      name,
		Arguments: append(json.RawMessage(nil), args...),
	})
	s.calls[callID] = len(s.turns) - 1
}

// AppendToolResult appends the result for a prior tool call. A call ID gets
// at most one result.
func (s *State) AppendToolResult(callID string, status Status, payload, errorDetail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[callID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCall, callID)
	}
	if s.results[callID] {
		return fmt.Errorf("%w: %s", ErrDuplicateResult, callID)
	}
	s.turns = append(s.turns, Turn{
		Kind:        KindToolResult,
		Timestamp:   time.Now(),
		CallID:      callID,
		Status:      status,
		Payload:     payload,
		ErrorDetail: errorDetail,
	})
	s.results[callID] = true
	return nil
}

// MarkCancelled resolves a pending tool call with an explicit cancelled
// result. Calls that already have a result are left alone.
func (s *State) MarkCancelled(callID string) {
	s.mu.Lock()
	already := s.results[callID]
	_, known := s.calls[callID]
	s.mu.Unlock()
	if already || !known {
		return
	}
	_ = s.AppendToolResult(callID, StatusCancelled, "", "cancelled before completion")
}

// UnresolvedCalls returns the IDs of tool calls without a result, in call
// order.
func (s *State) UnresolvedCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []string
	for _, t := range s.turns {
		if t.Kind == KindToolCall && !s.results[t.CallID] {
			pending = append(pending, t.CallID)
		}
	}
	return pending
}

// Snapshot returns a copy of the transcript. The copy is stable: a still
// streaming assistant message keeps growing in the state but not in the
// returned slice.
func (s *State) Snapshot() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Len returns the number of appended turns.
func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}
