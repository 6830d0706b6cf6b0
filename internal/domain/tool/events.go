package tool

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/nimbusllm/gateway/internal/domain/chat"
)

// Stream event types emitted around tool calls.
const (
	EventStart  = "tool_call_start"
	EventDelta  = "tool_call_delta"
	EventEnd    = "tool_call_end"
	EventResult = "tool_call_result"
	EventError  = "tool_call_error"
)

// Event is one tool lifecycle notification on a stream. Fields beyond
// Type and ToolCallID are populated per event type.
type Event struct {
	Type         string          `json:"type"`
	ToolCallID   string          `json:"tool_call_id"`
	FunctionName string          `json:"function_name,omitempty"`
	Arguments    string          `json:"arguments,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
}

func StartEvent(id, name string) Event {
	return Event{Type: EventStart, ToolCallID: id, FunctionName: name}
}

func DeltaEvent(id, name, arguments string) Event {
	return Event{Type: EventDelta, ToolCallID: id, FunctionName: name, Arguments: arguments}
}

func EndEvent(id, name string) Event {
	return Event{Type: EventEnd, ToolCallID: id, FunctionName: name}
}

func ResultEvent(id, name string, result json.RawMessage) Event {
	return Event{Type: EventResult, ToolCallID: id, FunctionName: name, Result: result}
}

func ErrorEvent(id, name string, err error) Event {
	return Event{Type: EventError, ToolCallID: id, FunctionName: name, Error: err.Error()}
}

// ExecuteStreaming runs one call and returns the event sequence the
// stream relays: start, result or error, end.
func ExecuteStreaming(ctx context.Context, e *Executor, call chat.ToolCall) []Event {
	id, name := call.ID, call.Function.Name
	events := []Event{StartEvent(id, name)}
	result, err := e.Execute(ctx, call)
	if err != nil {
		events = append(events, ErrorEvent(id, name, err))
	} else {
		events = append(events, ResultEvent(id, name, result))
	}
	return append(events, EndEvent(id, name))
}

// DeltaTracker re-packages upstream tool-call delta fragments into
// start/delta events, keyed by choice fragment index. Identity arrives
// on the first fragment of an index; later fragments carry only
// argument text.
type DeltaTracker struct {
	calls map[int]callIdentity
}

type callIdentity struct {
	id   string
	name string
}

func NewDeltaTracker() *DeltaTracker {
	return &DeltaTracker{calls: make(map[int]callIdentity)}
}

// Feed consumes the tool-call fragments of one chunk and returns the
// events they translate to.
func (t *DeltaTracker) Feed(fragments []chat.ToolCallDelta) []Event {
	var events []Event
	for _, frag := range fragments {
		identity, seen := t.calls[frag.Index]
		if !seen {
			identity = callIdentity{id: frag.ID}
			if frag.Function != nil {
				identity.name = frag.Function.Name
			}
			t.calls[frag.Index] = identity
			events = append(events, StartEvent(identity.id, identity.name))
		}
		if frag.Function != nil && frag.Function.Arguments != "" {
			events = append(events, DeltaEvent(identity.id, identity.name, frag.Function.Arguments))
		}
	}
	return events
}

// Close emits end events for every started call, in fragment-index order.
func (t *DeltaTracker) Close() []Event {
	indexes := make([]int, 0, len(t.calls))
	for idx := range t.calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	events := make([]Event, 0, len(indexes))
	for _, idx := range indexes {
		identity := t.calls[idx]
		events = append(events, EndEvent(identity.id, identity.name))
	}
	return events
}
