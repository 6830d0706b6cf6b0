package translate

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/nimbusllm/gateway/internal/domain/chat"
)

func TestDecodeSystemUnion(t *testing.T) {
	var fromString MessagesRequest
	if err := json.Unmarshal([]byte(`{"model":"claude-3","max_tokens":100,"system":"You are terse.","messages":[]}`), &fromString); err != nil {
		t.Fatalf("decode string system: %v", err)
	}
	if fromString.System.Flatten() != "You are terse." {
		t.Fatalf("system = %q", fromString.System.Flatten())
	}

	var fromBlocks MessagesRequest
	body := `{"model":"claude-3","max_tokens":100,"messages":[],
		"system":[{"type":"text","text":"Rule one."},{"type":"text","text":"Rule two."}]}`
	if err := json.Unmarshal([]byte(body), &fromBlocks); err != nil {
		t.Fatalf("decode block system: %v", err)
	}
	if fromBlocks.System.Flatten() != "Rule one.\nRule two." {
		t.Fatalf("system = %q", fromBlocks.System.Flatten())
	}
}

func TestToChatRequest(t *testing.T) {
	temp := 0.5
	topK := 40
	req := &MessagesRequest{
		Model:     "claude-3-5-sonnet",
		MaxTokens: 256,
		System:    BlockContent{Text: strPtr("Be brief.")},
		Messages: []MessageIn{
			{Role: "user", Content: BlockContent{Text: strPtr("Hi")}},
			{Role: "assistant", Content: BlockContent{Blocks: []Block{
				{Type: "text", Text: "Hello"},
				{Type: "image", Source: &ImageSource{Type: "base64", MediaType: "image/png", Data: "aaaa"}},
				{Type: "text", Text: "there"},
			}}},
		},
		Temperature:   &temp,
		TopK:          &topK,
		Stream:        true,
		StopSequences: []string{"END"},
		Metadata:      &Metadata{UserID: "tenant-9"},
	}

	out := req.ToChatRequest()
	if len(out.Messages) != 3 {
		t.Fatalf("messages = %d, want system + 2", len(out.Messages))
	}
	if out.Messages[0].Role != chat.RoleSystem || out.Messages[0].Content.TextContent() != "Be brief." {
		t.Fatalf("system message = %+v", out.Messages[0])
	}
	if got := out.Messages[2].Content.TextContent(); got != "Hello\nthere" {
		t.Fatalf("block content = %q, image not dropped or join wrong", got)
	}
	if out.MaxTokens == nil || *out.MaxTokens != 256 {
		t.Fatalf("max_tokens = %v", out.MaxTokens)
	}
	if len(out.Stop) != 1 || out.Stop[0] != "END" {
		t.Fatalf("stop = %v", out.Stop)
	}
	if out.User != "tenant-9" {
		t.Fatalf("user = %q", out.User)
	}
	if out.TopK == nil || *out.TopK != 40 {
		t.Fatalf("top_k = %v", out.TopK)
	}
	if !out.Stream || out.Temperature == nil || *out.Temperature != 0.5 {
		t.Fatalf("sampling fields lost: stream=%v temp=%v", out.Stream, out.Temperature)
	}
}

func TestToChatRequestWithoutSystem(t *testing.T) {
	req := &MessagesRequest{
		Model:     "claude-3",
		MaxTokens: 10,
		Messages:  []MessageIn{{Role: "user", Content: BlockContent{Text: strPtr("Hi")}}},
	}
	out := req.ToChatRequest()
	if len(out.Messages) != 1 || out.Messages[0].Role != chat.RoleUser {
		t.Fatalf("messages = %+v", out.Messages)
	}
}

func TestFromChatResponse(t *testing.T) {
	resp := &chat.ChatResponse{
		ID:      "chatcmpl-42",
		Object:  chat.ObjectCompletion,
		Created: 1700000000,
		Model:   "llama-3",
		Choices: []chat.Choice{{
			Index:        0,
			Message:      chat.Message{Role: chat.RoleAssistant, Content: chat.Text("Answer.")},
			FinishReason: chat.FinishStop,
		}},
		Usage: &chat.Usage{PromptTokens: 12, CompletionTokens: 3, TotalTokens: 15},
	}

	out, err := FromChatResponse(resp)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if out.ID != "chatcmpl-42" || out.Type != "message" || out.Role != "assistant" {
		t.Fatalf("envelope = %+v", out)
	}
	if len(out.Content) != 1 || out.Content[0].Type != "text" || out.Content[0].Text != "Answer." {
		t.Fatalf("content = %+v", out.Content)
	}
	if out.StopReason == nil || *out.StopReason != "stop" {
		t.Fatalf("stop_reason = %v", out.StopReason)
	}
	if out.Usage.InputTokens != 12 || out.Usage.OutputTokens != 3 {
		t.Fatalf("usage = %+v", out.Usage)
	}

	raw, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"stop_sequence":null`) {
		t.Fatalf("stop_sequence not serialized as null: %s", raw)
	}
}

func TestFromChatResponseNoChoices(t *testing.T) {
	if _, err := FromChatResponse(&chat.ChatResponse{ID: "x"}); err == nil {
		t.Fatal("empty choices accepted")
	}
}

func strPtr(s string) *string { return &s }
