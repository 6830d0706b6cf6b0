package chat

import (
	"encoding/json"
	"errors"
	"strings"
)

// Roles accepted on incoming messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Finish reasons carried on choices and stream terminal chunks.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishToolCalls     = "tool_calls"
	FinishContentFilter = "content_filter"
	FinishError         = "error"
)

// ChatRequest is the canonical internal request. Both front-end dialects
// (OpenAI chat completions and Anthropic messages) decode or translate
// into this shape before anything downstream sees them.
type ChatRequest struct {
	Model            string             `json:"model,omitempty"`
	Messages         []Message          `json:"messages"`
	Temperature      *float64           `json:"temperature,omitempty"`
	TopP             *float64           `json:"top_p,omitempty"`
	FrequencyPenalty *float64           `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64           `json:"presence_penalty,omitempty"`
	MaxTokens        *int               `json:"max_tokens,omitempty"`
	N                *int               `json:"n,omitempty"`
	Seed             *int64             `json:"seed,omitempty"`
	Stop             StopList           `json:"stop,omitzero"`
	Stream           bool               `json:"stream,omitempty"`
	Tools            []Tool             `json:"tools,omitempty"`
	ToolChoice       *ToolChoice        `json:"tool_choice,omitempty"`
	User             string             `json:"user,omitempty"`
	LogitBias        map[string]float64 `json:"logit_bias,omitempty"`

	// TopK has no OpenAI analog. The Anthropic front end carries it
	// through as a sampling hint; adapters that cannot express it drop it.
	TopK *int `json:"top_k,omitempty"`
}

// Message is one conversation turn.
type Message struct {
	Role       string     `json:"role"`
	Content    Content    `json:"content,omitzero"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// Content is the string-or-block-array union used by the wire format.
// Exactly one of Text/Blocks is populated after a successful decode.
type Content struct {
	Text   *string
	Blocks []ContentBlock
}

// TextContent returns the flat-text view: the bare string when the wire
// form was a string, or the text blocks joined with newlines otherwise.
func (c Content) TextContent() string {
	if c.Text != nil {
		return *c.Text
	}
	if len(c.Blocks) == 0 {
		return ""
	}
	parts := make([]string, 0, len(c.Blocks))
	for _, b := range c.Blocks {
		if b.Type == BlockText {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// IsZero reports whether the content was absent, so the field is omitted
// on re-encode (assistant tool-call turns often carry no content).
func (c Content) IsZero() bool {
	return c.Text == nil && len(c.Blocks) == 0
}

func (c Content) MarshalJSON() ([]byte, error) {
	if len(c.Blocks) > 0 {
		return json.Marshal(c.Blocks)
	}
	if c.Text != nil {
		return json.Marshal(*c.Text)
	}
	return []byte("null"), nil
}

func (c *Content) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		c.Text = &str
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err == nil {
		c.Blocks = blocks
		return nil
	}
	return errors.New("content must be a string or an array of content blocks")
}

// Text wraps a plain string as message content.
func Text(s string) Content {
	return Content{Text: &s}
}

// Content block types recognized on input.
const (
	BlockText     = "text"
	BlockImage    = "image"
	BlockImageURL = "image_url"
)

// ContentBlock is one element of the array content form.
type ContentBlock struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageRef `json:"image_url,omitempty"`
}

// ImageRef carries either a fetchable URL or inline base64 data.
type ImageRef struct {
	URL       string `json:"url,omitempty"`
	B64       string `json:"b64_json,omitempty"`
	MediaType string `json:"media_type,omitempty"`
}

// StopList accepts the OpenAI union of a single stop string or an array.
type StopList []string

func (s StopList) IsZero() bool { return len(s) == 0 }

func (s StopList) MarshalJSON() ([]byte, error) {
	return json.Marshal([]string(s))
}

func (s *StopList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = StopList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err == nil {
		*s = StopList(many)
		return nil
	}
	return errors.New("stop must be a string or an array of strings")
}

// Tool declares one callable function.
type Tool struct {
	Type     string             `json:"type"`
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition describes a function's name and JSON-Schema parameters.
type FunctionDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// ToolCall is the model's request to invoke a declared function.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall holds the target name and JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolChoice modes.
type ToolChoiceMode string

const (
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceFunction ToolChoiceMode = "function"
)

// ToolChoice is the string-or-object union: "none" | "auto" | "required"
// or {"type":"function","function":{"name":...}}.
type ToolChoice struct {
	Mode         ToolChoiceMode
	FunctionName string
}

func (tc ToolChoice) MarshalJSON() ([]byte, error) {
	if tc.Mode == ToolChoiceFunction {
		return json.Marshal(map[string]interface{}{
			"type":     "function",
			"function": map[string]string{"name": tc.FunctionName},
		})
	}
	return json.Marshal(string(tc.Mode))
}

func (tc *ToolChoice) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		switch ToolChoiceMode(str) {
		case ToolChoiceNone, ToolChoiceAuto, ToolChoiceRequired:
			tc.Mode = ToolChoiceMode(str)
			return nil
		}
		return errors.New("tool_choice must be none, auto, required, or a function object")
	}
	var obj struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return errors.New("tool_choice must be none, auto, required, or a function object")
	}
	if obj.Type != "function" || obj.Function.Name == "" {
		return errors.New("tool_choice object must name a function")
	}
	tc.Mode = ToolChoiceFunction
	tc.FunctionName = obj.Function.Name
	return nil
}

// ContentChars sums the flat-text content length across all messages.
// Rate limiting and usage synthesis both derive token estimates from it.
func (r *ChatRequest) ContentChars() int {
	total := 0
	for _, m := range r.Messages {
		total += len(m.Content.TextContent())
	}
	return total
}

// ResolveModel returns the request model, falling back to the adapter
// default when the field is empty or the literal "auto".
func (r *ChatRequest) ResolveModel(fallback string) string {
	if r.Model == "" || r.Model == "auto" {
		return fallback
	}
	return r.Model
}

// Clone returns a deep-enough copy for mutation during the tool loop:
// the message slice is copied so appends do not alias the original.
func (r *ChatRequest) Clone() *ChatRequest {
	dup := *r
	dup.Messages = make([]Message, len(r.Messages))
	copy(dup.Messages, r.Messages)
	if r.Stop != nil {
		dup.Stop = make(StopList, len(r.Stop))
		copy(dup.Stop, r.Stop)
	}
	if r.Tools != nil {
		dup.Tools = make([]Tool, len(r.Tools))
		copy(dup.Tools, r.Tools)
	}
	return &dup
}
