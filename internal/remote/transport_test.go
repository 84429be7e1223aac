package remote

import (
	"context"
	"testing"
	"time"
)

func pendingCount(p *pendingCalls) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func TestAwaitTimeoutDropsPendingEntry(t *testing.T) {
	p := newPendingCalls()
	id, ch, err := p.register()
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := await(context.Background(), p, id, ch, 10*time.Millisecond); err == nil {
		t.Fatal("expected timeout error")
	}
	if n := pendingCount(p); n != 0 {
		t.Errorf("timed-out call left %d pending entries", n)
	}

	// A response arriving after the drop must be discarded, not delivered.
	p.resolve(&rpcResponse{ID: id, Result: []byte(`{}`)})
	select {
	case <-ch:
		t.Error("late response delivered to a dropped call")
	default:
	}
}

func TestAwaitCancellationDropsPendingEntry(t *testing.T) {
	p := newPendingCalls()
	id, ch, err := p.register()
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := await(ctx, p, id, ch, time.Minute); err != context.Canceled {
		t.Fatalf("expected Canceled, got %v", err)
	}
	if n := pendingCount(p); n != 0 {
		t.Errorf("cancelled call left %d pending entries", n)
	}
}

func TestAwaitDeliversResponse(t *testing.T) {
	p := newPendingCalls()
	id, ch, err := p.register()
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	p.resolve(&rpcResponse{ID: id, Result: []byte(`{"ok":true}`)})
	result, err := await(context.Background(), p, id, ch, time.Second)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if string(result) != `{"ok":true}` {
		t.Errorf("result: got %s", result)
	}
	if n := pendingCount(p); n != 0 {
		t.Errorf("resolved call left %d pending entries", n)
	}
}
