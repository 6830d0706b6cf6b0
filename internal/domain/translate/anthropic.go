package translate

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/nimbusllm/gateway/internal/domain/chat"
	apperrors "github.com/nimbusllm/gateway/pkg/errors"
)

// MessagesRequest is the Anthropic Messages body accepted on /v1/messages.
// max_tokens is required by that dialect and carried through as-is.
type MessagesRequest struct {
	Model         string       `json:"model"`
	Messages      []MessageIn  `json:"messages"`
	MaxTokens     int          `json:"max_tokens"`
	System        BlockContent `json:"system,omitzero"`
	Temperature   *float64     `json:"temperature,omitempty"`
	TopP          *float64     `json:"top_p,omitempty"`
	TopK          *int         `json:"top_k,omitempty"`
	Stream        bool         `json:"stream,omitempty"`
	StopSequences []string     `json:"stop_sequences,omitempty"`
	Metadata      *Metadata    `json:"metadata,omitempty"`
}

// Metadata carries request attribution.
type Metadata struct {
	UserID string `json:"user_id,omitempty"`
}

// MessageIn is one Anthropic conversation turn.
type MessageIn struct {
	Role    string       `json:"role"`
	Content BlockContent `json:"content"`
}

// BlockContent is the string-or-block-array union used by both the
// system field and message content.
type BlockContent struct {
	Text   *string
	Blocks []Block
}

// Block is one Anthropic content element. Image sources are inline
// base64; flat-text backends drop them.
type Block struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *ImageSource `json:"source,omitempty"`
}

// ImageSource is the Anthropic inline image payload.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// Flatten returns the bare string, or the text blocks joined with
// newlines. Non-text blocks are dropped.
func (c BlockContent) Flatten() string {
	if c.Text != nil {
		return *c.Text
	}
	parts := make([]string, 0, len(c.Blocks))
	for _, b := range c.Blocks {
		if b.Type == "text" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func (c BlockContent) IsZero() bool {
	return c.Text == nil && len(c.Blocks) == 0
}

func (c BlockContent) MarshalJSON() ([]byte, error) {
	if len(c.Blocks) > 0 {
		return json.Marshal(c.Blocks)
	}
	if c.Text != nil {
		return json.Marshal(*c.Text)
	}
	return []byte("null"), nil
}

func (c *BlockContent) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		c.Text = &str
		return nil
	}
	var blocks []Block
	if err := json.Unmarshal(data, &blocks); err == nil {
		c.Blocks = blocks
		return nil
	}
	return errors.New("content must be a string or an array of content blocks")
}

// ToChatRequest translates the Anthropic request into the canonical
// completion shape: the system prompt becomes a leading system message,
// stop_sequences map to stop, and metadata.user_id to user. top_k rides
// along as a sampling hint for adapters that understand it.
func (r *MessagesRequest) ToChatRequest() *chat.ChatRequest {
	messages := make([]chat.Message, 0, len(r.Messages)+1)
	if system := r.System.Flatten(); system != "" {
		messages = append(messages, chat.Message{Role: chat.RoleSystem, Content: chat.Text(system)})
	}
	for _, m := range r.Messages {
		messages = append(messages, chat.Message{Role: m.Role, Content: chat.Text(m.Content.Flatten())})
	}

	req := &chat.ChatRequest{
		Model:       r.Model,
		Messages:    messages,
		Temperature: r.Temperature,
		TopP:        r.TopP,
		TopK:        r.TopK,
		Stream:      r.Stream,
		Stop:        chat.StopList(r.StopSequences),
	}
	if r.MaxTokens > 0 {
		maxTokens := r.MaxTokens
		req.MaxTokens = &maxTokens
	}
	if r.Metadata != nil {
		req.User = r.Metadata.UserID
	}
	return req
}

// MessagesResponse is the Anthropic-shaped reply.
type MessagesResponse struct {
	ID           string  `json:"id"`
	Type         string  `json:"type"`
	Role         string  `json:"role"`
	Content      []Block `json:"content"`
	Model        string  `json:"model"`
	StopReason   *string `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
	Usage        Usage   `json:"usage"`
}

// Usage is Anthropic token accounting.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// FromChatResponse maps the first choice of a completion into a
// Messages response. The finish_reason passes through as stop_reason.
func FromChatResponse(resp *chat.ChatResponse) (*MessagesResponse, error) {
	if len(resp.Choices) == 0 {
		return nil, apperrors.NewInternal("no choices in completion response")
	}
	choice := resp.Choices[0]

	var usage Usage
	if resp.Usage != nil {
		usage = Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}

	stopReason := choice.FinishReason
	return &MessagesResponse{
		ID:         resp.ID,
		Type:       "message",
		Role:       chat.RoleAssistant,
		Content:    []Block{{Type: "text", Text: choice.Message.Content.TextContent()}},
		Model:      resp.Model,
		StopReason: &stopReason,
		Usage:      usage,
	}, nil
}
