// Package loop implements the agent orchestration core: a state machine that
// drives model turns and tool dispatch until the model yields a final
// assistant message.
package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quillshell/quill/internal/broker"
	"github.com/quillshell/quill/internal/conversation"
	"github.com/quillshell/quill/internal/executor"
	"github.com/quillshell/quill/internal/model"
	"github.com/quillshell/quill/internal/registry"
)

// State is the loop's position in the run.
type State int

const (
	StateIdle State = iota
	StateModelTurn
	StateDispatching
	StateDone
	StateFailed
)

// String returns a human-readable state name.
func (s State) String() string {
	names := [...]string{
		"Idle",
		"ModelTurn",
		"Dispatching",
		"Done",
		"Failed",
	}
	if int(s) < len(names) {
		return names[s]
	}
	return "Unknown"
}

// ErrIterationLimit ends a run that keeps requesting tools past the
// configured cycle bound.
var ErrIterationLimit = errors.New("iteration limit exceeded")

// Config bounds one run.
type Config struct {
	// MaxIterations caps ModelTurn/Dispatching cycles; zero means 10.
	MaxIterations int

	// Concurrency caps tool calls in flight per dispatch batch; zero means 4.
	Concurrency int
}

const (
	defaultMaxIterations = 10
	defaultConcurrency   = 4
)

// Loop runs one user input to completion. It owns no goroutines beyond the
// run; cancellation propagates through the context into the model stream and
// every in-flight invocation.
type Loop struct {
	provider model.Provider
	registry *registry.Registry
	executor *executor.Executor
	conv     *conversation.State
	broker   *broker.Broker
	cfg      Config
	logger   *zap.Logger

	mu    sync.Mutex
	state State
}

// New wires a loop over shared components.
func New(provider model.Provider, reg *registry.Registry, exec *executor.Executor, conv *conversation.State, b *broker.Broker, cfg Config, logger *zap.Logger) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		provider: provider,
		registry: reg,
		executor: exec,
		conv:     conv,
		broker:   b,
		cfg:      cfg,
		logger:   logger,
		state:    StateIdle,
	}
}

// State returns the current loop state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Run executes the ModelTurn/Dispatching cycle until the model finishes with
// no tool calls, the run is cancelled, a model error survives its one retry,
// or the iteration bound trips. Whatever the outcome, the transcript is left
// replayable: every appended tool call carries a result or a cancelled mark.
func (l *Loop) Run(ctx context.Context) error {
	for iteration := 0; iteration < l.cfg.MaxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return l.finishCancelled(err)
		}

		l.setState(StateModelTurn)
		calls, err := l.modelTurn(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return l.finishCancelled(err)
			}
			return l.fail(fmt.Errorf("model turn %d: %w", iteration, err))
		}

		if len(calls) == 0 {
			l.setState(StateDone)
			l.broker.Publish(broker.Event{Type: broker.EventRunFinished})
			return nil
		}

		l.setState(StateDispatching)
		l.dispatch(ctx, calls)
		if err := ctx.Err(); err != nil {
			return l.finishCancelled(err)
		}
	}

	err := fmt.Errorf("%w: %d cycles", ErrIterationLimit, l.cfg.MaxIterations)
	return l.fail(err)
}

func (l *Loop) fail(err error) error {
	l.setState(StateFailed)
	l.logger.Error("run failed", zap.Error(err))
	l.broker.Publish(broker.Event{Type: broker.EventRunFailed, Detail: err.Error()})
	return err
}

// finishCancelled resolves anything still pending and reports the run as
// cancelled. Side effects of already-finished tools stay applied.
func (l *Loop) finishCancelled(err error) error {
	for _, callID := range l.conv.UnresolvedCalls() {
		l.conv.MarkCancelled(callID)
		l.broker.Publish(broker.Event{
			Type:   broker.EventToolResultAppended,
			CallID: callID,
			Status: conversation.StatusCancelled,
		})
	}
	l.setState(StateDone)
	l.broker.Publish(broker.Event{Type: broker.EventRunFinished, Cancelled: true})
	return err
}

// modelTurn streams one model response. Transient provider errors get
// exactly one automatic retry with the full transcript re-sent.
func (l *Loop) modelTurn(ctx context.Context) ([]model.ToolCall, error) {
	calls, err := l.consumeStream(ctx)
	if err != nil && ctx.Err() == nil && model.IsTransient(err) {
		l.logger.Warn("transient model error, retrying once", zap.Error(err))
		calls, err = l.consumeStream(ctx)
	}
	return calls, err
}

func (l *Loop) consumeStream(ctx context.Context) ([]model.ToolCall, error) {
	chunks, err := l.provider.CompleteStream(ctx, l.conv.Snapshot(), l.registry.List())
	if err != nil {
		return nil, err
	}

	msgID := -1
	finishMessage := func() {
		if msgID >= 0 {
			_ = l.conv.FinishAssistantMessage(msgID)
			msgID = -1
		}
	}

	var calls []model.ToolCall
	for chunk := range chunks {
		switch {
		case chunk.Err != nil:
			finishMessage()
			return nil, chunk.Err

		case chunk.TextDelta != "":
			if msgID < 0 {
				msgID = l.conv.BeginAssistantMessage()
			}
			if err := l.conv.AppendAssistantDelta(msgID, chunk.TextDelta); err != nil {
				return nil, err
			}
			l.broker.Publish(broker.Event{
				Type:      broker.EventAssistantDelta,
				MessageID: msgID,
				Delta:     chunk.TextDelta,
			})

		case chunk.ToolCall != nil:
			calls = append(calls, *chunk.ToolCall)

		case chunk.EndOfTurn:
			finishMessage()
			return calls, nil
		}
	}

	finishMessage()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, errors.New("model stream ended without end of turn")
}

// dispatch runs one batch of tool calls. Calls execute concurrently under a
// semaphore, but results are appended in the order the model emitted the
// calls, whatever their completion order, so the transcript stays
// reproducible.
func (l *Loop) dispatch(ctx context.Context, calls []model.ToolCall) {
	for _, call := range calls {
		l.conv.AppendToolCall(call.ID, call.Name, call.Arguments)
		l.broker.Publish(broker.Event{
			Type:     broker.EventToolCallStarted,
			CallID:   call.ID,
			ToolName: call.Name,
		})
	}

	sem := make(chan struct{}, l.cfg.Concurrency)
	results := make([]chan executor.Result, len(calls))
	for i := range calls {
		results[i] = make(chan executor.Result, 1)
	}

	for i, call := range calls {
		go func(i int, call model.ToolCall) {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[i] <- executor.Result{
					CallID:      call.ID,
					Status:      conversation.StatusCancelled,
					ErrorDetail: "cancelled before completion",
					Kind:        executor.KindCancelled,
				}
				return
			}
			inv := executor.Invocation{
				ID:        call.ID,
				Name:      call.Name,
				Arguments: call.Arguments,
				StartedAt: time.Now(),
			}
			results[i] <- l.executor.Execute(ctx, inv)
		}(i, call)
	}

	for i, call := range calls {
		res := <-results[i]
		if err := l.conv.AppendToolResult(call.ID, res.Status, res.Payload, res.ErrorDetail); err != nil {
			l.logger.Error("append tool result",
				zap.String("call_id", call.ID),
				zap.Error(err))
			continue
		}
		l.broker.Publish(broker.Event{
			Type:     broker.EventToolResultAppended,
			CallID:   call.ID,
			ToolName: call.Name,
			Status:   res.Status,
			Payload:  res.Payload,
			Detail:   res.ErrorDetail,
		})
	}
}
