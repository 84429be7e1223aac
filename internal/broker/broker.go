// Package broker fans out run events to the panes in publish order,
// decoupling the orchestration core from renderer speed.
package broker

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/quillshell/quill/internal/conversation"
)

// EventType enumerates the pane feed events.
type EventType int

const (
	EventUserMessage EventType = iota
	EventAssistantDelta
	EventToolCallStarted
	EventToolResultAppended
	EventRunFinished
	EventRunFailed
)

// String returns the event name used in logs.
func (t EventType) String() string {
	names := [...]string{
		"user_message",
		"assistant_delta",
		"tool_call_started",
		"tool_result_appended",
		"run_finished",
		"run_failed",
	}
	if int(t) < len(names) {
		return names[t]
	}
	return "unknown"
}

// Event is one pane feed element. Seq is monotonically increasing in the
// single global publish order.
type Event struct {
	Type EventType
	Seq  uint64

	// EventAssistantDelta: MessageID identifies the growing assistant
	// message, Delta the appended text. EventUserMessage reuses Delta.
	MessageID int
	Delta     string

	// Tool events.
	CallID   string
	ToolName string
	Status   conversation.Status
	Payload  string

	// EventRunFailed detail, or a cancellation note on EventRunFinished.
	Detail    string
	Cancelled bool
}

const defaultBufferSize = 256

// Broker delivers every published event to every current subscriber in
// publish order. A slow subscriber never blocks publication: its queue
// coalesces adjacent deltas of the same assistant message once full, and
// grows for events that may not be dropped.
type Broker struct {
	mu      sync.Mutex
	subs    map[int]*Subscription
	nextID  int
	seq     atomic.Uint64
	bufSize int
	logger  *zap.Logger
}

// New creates a broker. bufferSize caps a subscriber's queue before delta
// coalescing kicks in; zero selects the default.
func New(bufferSize int, logger *zap.Logger) *Broker {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		subs:    make(map[int]*Subscription),
		bufSize: bufferSize,
		logger:  logger,
	}
}

// Subscribe attaches a new pane feed.
func (b *Broker) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := &Subscription{
		broker: b,
		id:     b.nextID,
		ch:     make(chan Event),
		done:   make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	b.subs[s.id] = s
	go s.deliver()
	return s
}

// Publish stamps the event with the next global sequence number and enqueues
// it to every subscriber. It never blocks on a slow consumer.
func (b *Broker) Publish(ev Event) {
	ev.Seq = b.seq.Add(1)

	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.enqueue(ev, b.bufSize)
	}
}

func (b *Broker) remove(id int) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Subscription is one pane's live feed.
type Subscription struct {
	broker *Broker
	id     int
	ch     chan Event
	done   chan struct{}

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool
}

// Events returns the ordered feed. The channel closes after Close.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close detaches the subscription.
func (s *Subscription) Close() {
	s.broker.remove(s.id)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *Subscription) enqueue(ev Event, bufSize int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if len(s.queue) >= bufSize {
		// Queue is full: merge the oldest adjacent delta pair of the same
		// assistant message. Tool and terminal events are never dropped,
		// so the queue grows if nothing is coalescable.
		s.coalesceLocked()
	}
	s.queue = append(s.queue, ev)
	s.cond.Signal()
}

// coalesceLocked merges the oldest pair of adjacent AssistantDelta events
// that belong to the same message, preserving both order and text.
func (s *Subscription) coalesceLocked() {
	for i := 0; i+1 < len(s.queue); i++ {
		a, b := s.queue[i], s.queue[i+1]
		if a.Type == EventAssistantDelta && b.Type == EventAssistantDelta && a.MessageID == b.MessageID {
			merged := b
			merged.Delta = a.Delta + b.Delta
			s.queue[i+1] = merged
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// deliver drains the queue into the channel, blocking only this
// subscription's goroutine.
func (s *Subscription) deliver() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			close(s.ch)
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.ch <- ev:
		case <-s.done:
			close(s.ch)
			return
		}
	}
}
