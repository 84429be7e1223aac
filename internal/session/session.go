// Package session owns the lifetime of agent runs: one active run at a time,
// new input supersedes the old run, cancellation is always clean.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quillshell/quill/internal/broker"
	"github.com/quillshell/quill/internal/conversation"
	"github.com/quillshell/quill/internal/loop"
)

// RunHandle tracks one run from submission to completion.
type RunHandle struct {
	ID     string
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Done closes when the run has fully stopped.
func (h *RunHandle) Done() <-chan struct{} {
	return h.done
}

// Err returns the run's terminal error, nil until Done closes.
func (h *RunHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Controller serializes runs over one shared conversation. Submitting while a
// run is active cancels it and waits for it to settle before the new run
// starts, so the transcript never interleaves two runs.
type Controller struct {
	loop   *loop.Loop
	conv   *conversation.State
	broker *broker.Broker
	logger *zap.Logger

	// submitMu serializes the cancel, drain, append, start sequence end to
	// end. Submit runs on tea.Cmd goroutines, so two quick inputs submit
	// concurrently; without this both would observe the same active run.
	submitMu sync.Mutex

	mu      sync.Mutex
	current *RunHandle
}

// New creates a controller.
func New(l *loop.Loop, conv *conversation.State, b *broker.Broker, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		loop:   l,
		conv:   conv,
		broker: b,
		logger: logger,
	}
}

// Submit appends the user message and starts a run for it. Empty or
// whitespace-only input is ignored and returns nil. Any active run is
// cancelled and drained first.
func (c *Controller) Submit(ctx context.Context, text string) *RunHandle {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	c.mu.Lock()
	prev := c.current
	c.mu.Unlock()
	if prev != nil {
		prev.cancel()
		<-prev.done
	}

	c.conv.AppendUserMessage(text)
	c.broker.Publish(broker.Event{Type: broker.EventUserMessage, Delta: text})

	runCtx, cancel := context.WithCancel(ctx)
	handle := &RunHandle{
		ID:     uuid.NewString(),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	c.current = handle
	c.mu.Unlock()

	c.logger.Info("run started", zap.String("run_id", handle.ID))

	go func() {
		defer cancel()
		err := c.loop.Run(runCtx)

		handle.mu.Lock()
		handle.err = err
		handle.mu.Unlock()

		c.mu.Lock()
		if c.current == handle {
			c.current = nil
		}
		c.mu.Unlock()

		if err != nil && !isCancellation(err) {
			c.logger.Warn("run ended with error",
				zap.String("run_id", handle.ID),
				zap.Error(err))
		} else {
			c.logger.Info("run ended", zap.String("run_id", handle.ID))
		}
		close(handle.done)
	}()

	return handle
}

// CancelCurrent stops the active run, if any, without starting a new one. It
// returns once the run has settled.
func (c *Controller) CancelCurrent() {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	c.mu.Lock()
	handle := c.current
	c.mu.Unlock()
	if handle == nil {
		return
	}
	handle.cancel()
	<-handle.done
}

// Active reports whether a run is in flight.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}
