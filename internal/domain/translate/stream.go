package translate

import (
	"github.com/nimbusllm/gateway/internal/domain/chat"
)

// Anthropic stream event types, in emission order.
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
)

// StreamEvent is one Anthropic SSE event. Fields beyond Type are
// populated per event type.
type StreamEvent struct {
	Type         string            `json:"type"`
	Index        *int              `json:"index,omitempty"`
	Message      *MessagesResponse `json:"message,omitempty"`
	ContentBlock *Block            `json:"content_block,omitempty"`
	Delta        *EventDelta       `json:"delta,omitempty"`
	Usage        *Usage            `json:"usage,omitempty"`
}

// EventDelta carries incremental text or the closing stop reason.
type EventDelta struct {
	Type       string  `json:"type,omitempty"`
	Text       string  `json:"text,omitempty"`
	StopReason *string `json:"stop_reason,omitempty"`
}

// EventStream remaps OpenAI chunks onto the Anthropic event sequence:
// message_start, content_block_start, one content_block_delta per
// content fragment, then content_block_stop, message_delta carrying the
// stop reason, and message_stop.
type EventStream struct {
	started    bool
	stopReason string
	usage      *Usage
}

func NewEventStream() *EventStream {
	return &EventStream{}
}

// Feed consumes one chunk and returns the events it produces in order.
// The first chunk opens the message and its single text block.
func (s *EventStream) Feed(chunk *chat.ChunkResponse) []StreamEvent {
	var events []StreamEvent
	if !s.started {
		s.started = true
		events = append(events,
			StreamEvent{
				Type: EventMessageStart,
				Message: &MessagesResponse{
					ID:      chunk.ID,
					Type:    "message",
					Role:    chat.RoleAssistant,
					Content: []Block{},
					Model:   chunk.Model,
				},
			},
			StreamEvent{
				Type:         EventContentBlockStart,
				Index:        intPtr(0),
				ContentBlock: &Block{Type: "text"},
			},
		)
	}

	for _, choice := range chunk.Choices {
		if choice.Index != 0 {
			continue
		}
		if choice.Delta.Content != "" {
			events = append(events, StreamEvent{
				Type:  EventContentBlockDelta,
				Index: intPtr(0),
				Delta: &EventDelta{Type: "text_delta", Text: choice.Delta.Content},
			})
		}
		if choice.FinishReason != nil {
			s.stopReason = *choice.FinishReason
		}
	}
	if chunk.Usage != nil {
		s.usage = &Usage{
			InputTokens:  chunk.Usage.PromptTokens,
			OutputTokens: chunk.Usage.CompletionTokens,
		}
	}
	return events
}

// Finish returns the closing events. Streams that never produced a
// finish_reason close with stop.
func (s *EventStream) Finish() []StreamEvent {
	stopReason := s.stopReason
	if stopReason == "" {
		stopReason = chat.FinishStop
	}

	var events []StreamEvent
	if s.started {
		events = append(events, StreamEvent{Type: EventContentBlockStop, Index: intPtr(0)})
	}
	events = append(events,
		StreamEvent{
			Type:  EventMessageDelta,
			Delta: &EventDelta{StopReason: &stopReason},
			Usage: s.usage,
		},
		StreamEvent{Type: EventMessageStop},
	)
	return events
}

func intPtr(i int) *int { return &i }
