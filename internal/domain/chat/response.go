package chat

import (
	"encoding/json"
	"fmt"
	"time"
)

// Object discriminators on outgoing envelopes.
const (
	ObjectCompletion = "chat.completion"
	ObjectChunk      = "chat.completion.chunk"
)

// ChatResponse is the OpenAI-shaped non-streaming reply.
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice is one completion alternative.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage reports token accounting for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChunkResponse is one streaming envelope. Same id and model across all
// chunks of a response; the final chunk sets finish_reason.
type ChunkResponse struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

// ChunkChoice carries the incremental delta for one choice index.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Delta is the incremental payload: role on the first chunk only, then
// content fragments and/or tool-call fragments.
type Delta struct {
	Role      string          `json:"role,omitempty"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []ToolCallDelta `json:"tool_calls,omitempty"`
}

// ToolCallDelta is a fragment of a streamed tool call. The id and name
// arrive on the first fragment; arguments accumulate across fragments.
type ToolCallDelta struct {
	Index    int                `json:"index"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function *FunctionCallDelta `json:"function,omitempty"`
}

// FunctionCallDelta carries partial name/argument text.
type FunctionCallDelta struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// NewResponseID builds the synthesized-envelope id from the creation time
// and request fingerprint.
func NewResponseID(created int64, fp uint64) string {
	return fmt.Sprintf("chatcmpl-%d-%x", created, fp)
}

// SynthesizeResponse wraps flat backend text in a completion envelope.
// Usage is estimated at four characters per token, floor division.
func SynthesizeResponse(req *ChatRequest, model, text string) *ChatResponse {
	created := time.Now().Unix()
	return &ChatResponse{
		ID:      NewResponseID(created, Fingerprint(req)),
		Object:  ObjectCompletion,
		Created: created,
		Model:   model,
		Choices: []Choice{{
			Index:        0,
			Message:      Message{Role: RoleAssistant, Content: Text(text)},
			FinishReason: FinishStop,
		}},
		Usage: &Usage{
			PromptTokens:     req.ContentChars() / 4,
			CompletionTokens: len(text) / 4,
			TotalTokens:      req.ContentChars()/4 + len(text)/4,
		},
	}
}

// DecodeResponse parses an upstream completion body.
func DecodeResponse(body []byte) (*ChatResponse, error) {
	var resp ChatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FirstToolCalls returns the tool calls of the first choice, if any.
func (r *ChatResponse) FirstToolCalls() []ToolCall {
	if len(r.Choices) == 0 {
		return nil
	}
	return r.Choices[0].Message.ToolCalls
}

// FirstContent returns the first choice's flat text content.
func (r *ChatResponse) FirstContent() string {
	if len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content.TextContent()
}
