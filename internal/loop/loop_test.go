package loop

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/quillshell/quill/internal/broker"
	"github.com/quillshell/quill/internal/conversation"
	"github.com/quillshell/quill/internal/executor"
	"github.com/quillshell/quill/internal/model"
	"github.com/quillshell/quill/internal/registry"
	"github.com/quillshell/quill/internal/tool"
)

// scriptedTurn is one canned model response. A non-nil err fails the
// CompleteStream call itself.
type scriptedTurn struct {
	chunks []model.Chunk
	err    error
}

type fakeProvider struct {
	mu    sync.Mutex
	turns []scriptedTurn
	calls int
}

func (p *fakeProvider) CompleteStream(ctx context.Context, transcript []conversation.Turn, catalog []*tool.Definition) (<-chan model.Chunk, error) {
	p.mu.Lock()
	idx := p.calls
	p.calls++
	p.mu.Unlock()

	if idx >= len(p.turns) {
		idx = len(p.turns) - 1
	}
	turn := p.turns[idx]
	if turn.err != nil {
		return nil, turn.err
	}

	ch := make(chan model.Chunk)
	go func() {
		defer close(ch)
		for _, c := range turn.chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func textTurn(text string) scriptedTurn {
	return scriptedTurn{chunks: []model.Chunk{
		{TextDelta: text},
		{EndOfTurn: true},
	}}
}

func toolTurn(calls ...model.ToolCall) scriptedTurn {
	chunks := make([]model.Chunk, 0, len(calls)+1)
	for i := range calls {
		chunks = append(chunks, model.Chunk{ToolCall: &calls[i]})
	}
	chunks = append(chunks, model.Chunk{EndOfTurn: true})
	return scriptedTurn{chunks: chunks}
}

type harness struct {
	loop *Loop
	conv *conversation.State
	sub  *broker.Subscription
}

func newHarness(t *testing.T, provider model.Provider, cfg Config, defs ...*tool.Definition) *harness {
	t.Helper()
	reg := registry.New(nil)
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			t.Fatalf("register %s: %v", def.Name, err)
		}
	}
	conv := conversation.New()
	conv.AppendUserMessage("do the thing")
	b := broker.New(0, nil)
	sub := b.Subscribe()
	t.Cleanup(sub.Close)
	exec := executor.New(reg, executor.Config{Timeout: 5 * time.Second}, nil)
	return &harness{
		loop: New(provider, reg, exec, conv, b, cfg, nil),
		conv: conv,
		sub:  sub,
	}
}

func (h *harness) drainEvents(t *testing.T) []broker.Event {
	t.Helper()
	var events []broker.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-h.sub.Events():
			events = append(events, ev)
			if ev.Type == broker.EventRunFinished || ev.Type == broker.EventRunFailed {
				return events
			}
		case <-timeout:
			t.Fatalf("no terminal event after %d events", len(events))
		}
	}
}

func sleepTool(name string, d time.Duration) *tool.Definition {
	return &tool.Definition{
		Name: name,
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			select {
			case <-time.After(d):
				return name + " done", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
	}
}

func TestRunFinishesWithoutTools(t *testing.T) {
	p := &fakeProvider{turns: []scriptedTurn{textTurn("All set.")}}
	h := newHarness(t, p, Config{})

	if err := h.loop.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if h.loop.State() != StateDone {
		t.Errorf("state: got %s, want Done", h.loop.State())
	}

	turns := h.conv.Snapshot()
	if len(turns) != 2 {
		t.Fatalf("expected user + assistant, got %d turns", len(turns))
	}
	if turns[1].Text != "All set." || !turns[1].Finished {
		t.Errorf("assistant turn: %+v", turns[1])
	}

	events := h.drainEvents(t)
	if events[len(events)-1].Type != broker.EventRunFinished {
		t.Errorf("expected terminal RunFinished, got %s", events[len(events)-1].Type)
	}
}

func TestResultsAppendedInEmissionOrder(t *testing.T) {
	p := &fakeProvider{turns: []scriptedTurn{
		toolTurn(
			model.ToolCall{ID: "slow-call", Name: "slow", Arguments: json.RawMessage(`{}`)},
			model.ToolCall{ID: "fast-call", Name: "fast", Arguments: json.RawMessage(`{}`)},
		),
		textTurn("Both finished."),
	}}
	h := newHarness(t, p, Config{},
		sleepTool("slow", 300*time.Millisecond),
		sleepTool("fast", 10*time.Millisecond),
	)

	if err := h.loop.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	var resultOrder []string
	for _, turn := range h.conv.Snapshot() {
		if turn.Kind == conversation.KindToolResult {
			resultOrder = append(resultOrder, turn.CallID)
		}
	}
	if len(resultOrder) != 2 || resultOrder[0] != "slow-call" || resultOrder[1] != "fast-call" {
		t.Errorf("results must follow emission order, got %v", resultOrder)
	}

	// The broker feed mirrors the transcript order.
	var eventOrder []string
	for _, ev := range h.drainEvents(t) {
		if ev.Type == broker.EventToolResultAppended {
			eventOrder = append(eventOrder, ev.CallID)
		}
	}
	if len(eventOrder) != 2 || eventOrder[0] != "slow-call" {
		t.Errorf("event order: got %v", eventOrder)
	}
}

func TestTranscriptShape(t *testing.T) {
	p := &fakeProvider{turns: []scriptedTurn{
		toolTurn(model.ToolCall{ID: "c1", Name: "fast", Arguments: json.RawMessage(`{}`)}),
		textTurn("Done."),
	}}
	h := newHarness(t, p, Config{}, sleepTool("fast", time.Millisecond))

	if err := h.loop.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	wantKinds := []conversation.Kind{
		conversation.KindUserMessage,
		conversation.KindToolCall,
		conversation.KindToolResult,
		conversation.KindAssistantMessage,
	}
	turns := h.conv.Snapshot()
	if len(turns) != len(wantKinds) {
		t.Fatalf("expected %d turns, got %d: %+v", len(wantKinds), len(turns), turns)
	}
	for i, k := range wantKinds {
		if turns[i].Kind != k {
			t.Errorf("turn %d: expected %s, got %s", i, k, turns[i].Kind)
		}
	}
	if !turns[3].Finished {
		t.Error("final assistant message must be finished")
	}
}

func TestIterationLimit(t *testing.T) {
	p := &fakeProvider{turns: []scriptedTurn{
		toolTurn(model.ToolCall{ID: "c", Name: "fast", Arguments: json.RawMessage(`{}`)}),
	}}
	h := newHarness(t, p, Config{MaxIterations: 3}, sleepTool("fast", time.Millisecond))

	// Every iteration reuses the scripted tool turn; IDs must differ.
	p.turns = []scriptedTurn{
		toolTurn(model.ToolCall{ID: "c1", Name: "fast"}),
		toolTurn(model.ToolCall{ID: "c2", Name: "fast"}),
		toolTurn(model.ToolCall{ID: "c3", Name: "fast"}),
	}

	err := h.loop.Run(context.Background())
	if !errors.Is(err, ErrIterationLimit) {
		t.Fatalf("expected ErrIterationLimit, got %v", err)
	}
	if h.loop.State() != StateFailed {
		t.Errorf("state: got %s, want Failed", h.loop.State())
	}
	if p.callCount() != 3 {
		t.Errorf("expected exactly 3 model turns, got %d", p.callCount())
	}

	events := h.drainEvents(t)
	if events[len(events)-1].Type != broker.EventRunFailed {
		t.Errorf("expected terminal RunFailed, got %s", events[len(events)-1].Type)
	}
}

func TestTransientErrorRetriedOnce(t *testing.T) {
	p := &fakeProvider{turns: []scriptedTurn{
		{err: errors.New("429 too many requests")},
		textTurn("Recovered."),
	}}
	h := newHarness(t, p, Config{})

	if err := h.loop.Run(context.Background()); err != nil {
		t.Fatalf("run should recover after one retry: %v", err)
	}
	if p.callCount() != 2 {
		t.Errorf("expected 2 stream attempts, got %d", p.callCount())
	}
}

func TestNonTransientErrorFailsImmediately(t *testing.T) {
	p := &fakeProvider{turns: []scriptedTurn{
		{err: errors.New("401 invalid api key")},
	}}
	h := newHarness(t, p, Config{})

	if err := h.loop.Run(context.Background()); err == nil {
		t.Fatal("expected run to fail")
	}
	if p.callCount() != 1 {
		t.Errorf("non-transient errors must not be retried, got %d attempts", p.callCount())
	}
	if h.loop.State() != StateFailed {
		t.Errorf("state: got %s, want Failed", h.loop.State())
	}
}

func TestSecondTransientFailureFailsRun(t *testing.T) {
	p := &fakeProvider{turns: []scriptedTurn{
		{err: errors.New("503 service unavailable")},
		{err: errors.New("503 service unavailable")},
	}}
	h := newHarness(t, p, Config{})

	if err := h.loop.Run(context.Background()); err == nil {
		t.Fatal("expected run to fail after the single retry")
	}
	if p.callCount() != 2 {
		t.Errorf("expected exactly 2 attempts, got %d", p.callCount())
	}
}

func TestCancellationResolvesPendingCalls(t *testing.T) {
	p := &fakeProvider{turns: []scriptedTurn{
		toolTurn(
			model.ToolCall{ID: "c1", Name: "hang"},
			model.ToolCall{ID: "c2", Name: "hang"},
		),
	}}
	hang := &tool.Definition{
		Name: "hang",
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
	h := newHarness(t, p, Config{}, hang)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	err := h.loop.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected Canceled, got %v", err)
	}

	if pending := h.conv.UnresolvedCalls(); len(pending) != 0 {
		t.Errorf("cancelled run left unresolved calls: %v", pending)
	}
	for _, turn := range h.conv.Snapshot() {
		if turn.Kind == conversation.KindToolResult && turn.Status != conversation.StatusCancelled {
			t.Errorf("result %s: expected cancelled status, got %s", turn.CallID, turn.Status)
		}
	}

	events := h.drainEvents(t)
	last := events[len(events)-1]
	if last.Type != broker.EventRunFinished || !last.Cancelled {
		t.Errorf("expected cancelled RunFinished, got %+v", last)
	}
}
