package tool

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nimbusllm/gateway/internal/domain/chat"
)

// NewCallID mints a tool-call id in the wire-familiar short form.
func NewCallID() string {
	return "call_" + uuid.NewString()[:8]
}

// NewMessageID mints a completion id for locally built responses.
func NewMessageID() string {
	return "chatcmpl-" + uuid.NewString()[:8]
}

// ResultMessage builds the tool-role turn that feeds one call's result
// back to the model. Failures are encoded so the model sees what broke.
func ResultMessage(outcome Outcome) chat.Message {
	var content string
	if outcome.Err != nil {
		content = fmt.Sprintf(`{"error":%q}`, outcome.Err.Error())
	} else {
		content = string(outcome.Result)
	}
	return chat.Message{
		Role:       chat.RoleTool,
		Content:    chat.Text(content),
		Name:       outcome.Call.Function.Name,
		ToolCallID: outcome.Call.ID,
	}
}

// ResultMessages renders outcomes in call order.
func ResultMessages(outcomes []Outcome) []chat.Message {
	messages := make([]chat.Message, 0, len(outcomes))
	for _, outcome := range outcomes {
		messages = append(messages, ResultMessage(outcome))
	}
	return messages
}

// AssistantCallMessage reconstructs the assistant turn that requested
// the calls, for appending to the conversation before the tool turns.
func AssistantCallMessage(content string, calls []chat.ToolCall) chat.Message {
	return chat.Message{
		Role:      chat.RoleAssistant,
		Content:   chat.Text(content),
		ToolCalls: calls,
	}
}

// CallResponse wraps pending tool calls in a completion envelope with
// finish_reason tool_calls.
func CallResponse(model, content string, calls []chat.ToolCall, usage *chat.Usage) *chat.ChatResponse {
	return &chat.ChatResponse{
		ID:      NewMessageID(),
		Object:  chat.ObjectCompletion,
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []chat.Choice{{
			Index: 0,
			Message: chat.Message{
				Role:      chat.RoleAssistant,
				Content:   chat.Text(content),
				ToolCalls: calls,
			},
			FinishReason: chat.FinishToolCalls,
		}},
		Usage: usage,
	}
}

// ResultResponse renders executed calls as a flat assistant reply with
// finish_reason stop.
func ResultResponse(model string, outcomes []Outcome, usage *chat.Usage) *chat.ChatResponse {
	return &chat.ChatResponse{
		ID:      NewMessageID(),
		Object:  chat.ObjectCompletion,
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []chat.Choice{{
			Index: 0,
			Message: chat.Message{
				Role:    chat.RoleAssistant,
				Content: chat.Text(FormatOutcomes(outcomes)),
			},
			FinishReason: chat.FinishStop,
		}},
		Usage: usage,
	}
}

// ErrorResponse wraps a tool failure in a completion envelope with
// finish_reason error.
func ErrorResponse(model string, err error) *chat.ChatResponse {
	return &chat.ChatResponse{
		ID:      NewMessageID(),
		Object:  chat.ObjectCompletion,
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []chat.Choice{{
			Index: 0,
			Message: chat.Message{
				Role:    chat.RoleAssistant,
				Content: chat.Text(fmt.Sprintf("Tool call failed: %v", err)),
			},
			FinishReason: chat.FinishError,
		}},
		Usage: &chat.Usage{},
	}
}

// FormatOutcomes renders executed calls as a readable block.
func FormatOutcomes(outcomes []Outcome) string {
	var b strings.Builder
	b.WriteString("Tool execution results:\n\n")
	for _, outcome := range outcomes {
		fmt.Fprintf(&b, "Tool Call ID: %s\n", outcome.Call.ID)
		if outcome.Err != nil {
			b.WriteString("Status: Error\n")
			fmt.Fprintf(&b, "Error: %v\n\n", outcome.Err)
			continue
		}
		b.WriteString("Status: Success\n")
		fmt.Fprintf(&b, "Result: %s\n\n", prettyJSON(outcome.Result))
	}
	return b.String()
}

func prettyJSON(raw json.RawMessage) string {
	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return "Invalid JSON"
	}
	pretty, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return "Invalid JSON"
	}
	return string(pretty)
}
