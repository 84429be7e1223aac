// Package executor runs single tool invocations to completion or
// cancellation and normalizes every outcome into a result envelope.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quillshell/quill/internal/conversation"
	"github.com/quillshell/quill/internal/registry"
	"github.com/quillshell/quill/internal/tool"
)

// Kind classifies a failed invocation for the error taxonomy.
type Kind string

const (
	KindNone         Kind = ""
	KindValidation   Kind = "validation"
	KindNotFound     Kind = "not_found"
	KindExecution    Kind = "execution"
	KindAccessDenied Kind = "access_denied"
	KindUnavailable  Kind = "unavailable"
	KindTimedOut     Kind = "timed_out"
	KindCancelled    Kind = "cancelled"
)

// Invocation is one runtime instance of a tool call.
type Invocation struct {
	ID        string
	Name      string
	Arguments json.RawMessage
	StartedAt time.Time
}

// NewInvocation creates an invocation with a fresh ID. Re-invoking a tool
// with the same arguments produces a distinct invocation; nothing is
// deduplicated.
func NewInvocation(name string, args json.RawMessage) Invocation {
	return Invocation{
		ID:        uuid.NewString(),
		Name:      name,
		Arguments: args,
		StartedAt: time.Now(),
	}
}

// Result is the uniform envelope every invocation resolves to.
type Result struct {
	CallID      string
	Status      conversation.Status
	Payload     string
	ErrorDetail string
	Kind        Kind
	Duration    time.Duration
}

// Config bounds a single execution.
type Config struct {
	// Timeout per invocation; zero means 60s.
	Timeout time.Duration
}

const defaultTimeout = 60 * time.Second

// Executor resolves tools through the registry and runs them. Execute never
// returns a Go error: all failures become error results the loop can append
// and the model can react to.
type Executor struct {
	registry *registry.Registry
	timeout  time.Duration
	logger   *zap.Logger
}

// New creates an executor.
func New(reg *registry.Registry, cfg Config, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Executor{
		registry: reg,
		timeout:  timeout,
		logger:   logger,
	}
}

// Execute runs one invocation: lookup, schema validation, handler with
// timeout and cancellation, panic containment. Side effects happen exactly
// once; a timed-out handler's late result is discarded, never re-run.
func (e *Executor) Execute(ctx context.Context, inv Invocation) Result {
	start := time.Now()

	if err := ctx.Err(); err != nil {
		return e.failure(inv, start, err)
	}

	def, err := e.registry.Lookup(inv.Name)
	if err != nil {
		return Result{
			CallID:      inv.ID,
			Status:      conversation.StatusError,
			ErrorDetail: err.Error(),
			Kind:        KindNotFound,
			Duration:    time.Since(start),
		}
	}

	// Arguments failing the schema never reach the handler.
	if err := def.ValidateArguments(inv.Arguments); err != nil {
		return Result{
			CallID:      inv.ID,
			Status:      conversation.StatusError,
			ErrorDetail: err.Error(),
			Kind:        KindValidation,
			Duration:    time.Since(start),
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	payload, err := e.runHandler(runCtx, def, inv)
	elapsed := time.Since(start)

	if err != nil {
		res := e.failure(inv, start, err)
		e.logger.Warn("tool invocation failed",
			zap.String("tool", inv.Name),
			zap.String("call_id", inv.ID),
			zap.String("kind", string(res.Kind)),
			zap.Error(err))
		return res
	}

	e.logger.Debug("tool invocation completed",
		zap.String("tool", inv.Name),
		zap.String("call_id", inv.ID),
		zap.Duration("duration", elapsed))

	return Result{
		CallID:   inv.ID,
		Status:   conversation.StatusOK,
		Payload:  payload,
		Duration: elapsed,
	}
}

// runHandler runs the handler in its own goroutine so a stuck tool cannot
// wedge the executor past its deadline, and recovers panics into errors.
func (e *Executor) runHandler(ctx context.Context, def *tool.Definition, inv Invocation) (string, error) {
	type outcome struct {
		payload string
		err     error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				select {
				case done <- outcome{err: fmt.Errorf("tool panic: %v", r)}:
				default:
				}
			}
		}()
		payload, err := def.Handler(ctx, inv.Arguments)
		select {
		case done <- outcome{payload: payload, err: err}:
		default:
			// Deadline already fired; the result is discarded, not retried.
			e.logger.Warn("tool completed after deadline, result discarded",
				zap.String("tool", inv.Name),
				zap.String("call_id", inv.ID))
		}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case out := <-done:
		return out.payload, out.err
	}
}

func (e *Executor) failure(inv Invocation, start time.Time, err error) Result {
	kind := classify(err)
	status := conversation.StatusError
	detail := err.Error()
	if kind == KindCancelled {
		status = conversation.StatusCancelled
		detail = "cancelled before completion"
	}
	if kind == KindTimedOut {
		detail = fmt.Sprintf("tool execution timed out after %s", e.timeout)
	}
	return Result{
		CallID:      inv.ID,
		Status:      status,
		ErrorDetail: detail,
		Kind:        kind,
		Duration:    time.Since(start),
	}
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimedOut
	case errors.Is(err, tool.ErrAccessDenied):
		return KindAccessDenied
	case errors.Is(err, tool.ErrUnavailable):
		return KindUnavailable
	default:
		return KindExecution
	}
}
