package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nimbusllm/gateway/internal/domain/chat"
	apperrors "github.com/nimbusllm/gateway/pkg/errors"
)

// DefaultMaxHistory bounds the execution history ring.
const DefaultMaxHistory = 1000

// Handler executes one function call. Arguments arrive as the raw JSON
// the model produced; the returned value is JSON handed back to the
// model as the tool result.
type Handler func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// HistoryEntry records one executed call, successful or not.
type HistoryEntry struct {
	ToolCallID   string          `json:"tool_call_id"`
	FunctionName string          `json:"function_name"`
	Arguments    json.RawMessage `json:"arguments"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Outcome pairs a tool call with its result or failure.
type Outcome struct {
	Call   chat.ToolCall
	Result json.RawMessage
	Err    error
}

// Executor dispatches tool calls to registered handlers and keeps a
// bounded history of executions.
type Executor struct {
	registry *Registry
	logger   *zap.Logger

	mu         sync.Mutex
	handlers   map[string]Handler
	history    []HistoryEntry
	maxHistory int
}

func NewExecutor(registry *Registry, logger *zap.Logger) *Executor {
	return &Executor{
		registry:   registry,
		logger:     logger.With(zap.String("component", "tool_executor")),
		handlers:   make(map[string]Handler),
		maxHistory: DefaultMaxHistory,
	}
}

// RegisterHandler binds a handler to an already-registered function.
func (e *Executor) RegisterHandler(name string, h Handler) error {
	if !e.registry.Contains(name) {
		return apperrors.NewBadRequestf("function not found: %s", name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[name] = h
	return nil
}

func (e *Executor) HasHandler(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.handlers[name]
	return ok
}

func (e *Executor) Registry() *Registry { return e.registry }

// Execute runs one tool call and records it. Unknown functions and
// missing handlers are recorded as failed entries before returning.
func (e *Executor) Execute(ctx context.Context, call chat.ToolCall) (json.RawMessage, error) {
	name := call.Function.Name
	entry := HistoryEntry{
		ToolCallID:   call.ID,
		FunctionName: name,
		Arguments:    json.RawMessage(call.Function.Arguments),
		Timestamp:    time.Now(),
	}

	if !e.registry.Contains(name) {
		err := apperrors.NewBadRequestf("function not found: %s", name)
		entry.Error = err.Error()
		e.record(entry)
		return nil, err
	}

	e.mu.Lock()
	handler, ok := e.handlers[name]
	e.mu.Unlock()
	if !ok {
		err := apperrors.NewInternal(fmt.Sprintf("no handler registered for function: %s", name))
		entry.Error = err.Error()
		e.record(entry)
		return nil, err
	}

	start := time.Now()
	result, err := runHandler(ctx, handler, entry.Arguments)
	if err != nil {
		entry.Error = err.Error()
		e.record(entry)
		e.logger.Warn("tool execution failed",
			zap.String("function", name),
			zap.String("call_id", call.ID),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return nil, err
	}

	entry.Result = result
	e.record(entry)
	e.logger.Debug("tool executed",
		zap.String("function", name),
		zap.String("call_id", call.ID),
		zap.Duration("duration", time.Since(start)))
	return result, nil
}

// ExecuteAll runs the calls sequentially in call order.
func (e *Executor) ExecuteAll(ctx context.Context, calls []chat.ToolCall) []Outcome {
	outcomes := make([]Outcome, 0, len(calls))
	for _, call := range calls {
		result, err := e.Execute(ctx, call)
		outcomes = append(outcomes, Outcome{Call: call, Result: result, Err: err})
	}
	return outcomes
}

// History returns a copy of the recorded entries, oldest first.
func (e *Executor) History() []HistoryEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]HistoryEntry, len(e.history))
	copy(out, e.history)
	return out
}

func (e *Executor) ClearHistory() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = nil
}

// SetMaxHistory resizes the ring, trimming oldest entries immediately.
func (e *Executor) SetMaxHistory(n int) {
	if n < 0 {
		n = 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maxHistory = n
	e.trimLocked()
}

func (e *Executor) record(entry HistoryEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, entry)
	e.trimLocked()
}

func (e *Executor) trimLocked() {
	if excess := len(e.history) - e.maxHistory; excess > 0 {
		e.history = append(e.history[:0:0], e.history[excess:]...)
	}
}

// runHandler converts a panicking handler into an internal error so one
// bad tool cannot take the request down.
func runHandler(ctx context.Context, h Handler, args json.RawMessage) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = apperrors.NewInternal(fmt.Sprintf("tool handler panicked: %v", r))
		}
	}()
	return h(ctx, args)
}
