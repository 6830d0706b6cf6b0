package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nimbusllm/gateway/internal/domain/chat"
	apperrors "github.com/nimbusllm/gateway/pkg/errors"
)

// Session history bounds: once a session exceeds maxSessionHistory
// exchanges, the oldest drainSessionCount are dropped.
const (
	maxSessionHistory = 20
	drainSessionCount = 10
)

// inferenceEngine is a process-local stand-in for an embedded model.
// It answers from a small set of canned replies keyed off the prompt
// and keeps a bounded per-session exchange history.
type inferenceEngine struct {
	mu       sync.Mutex
	loaded   bool
	sessions map[string][]string
}

func newInferenceEngine() *inferenceEngine {
	return &inferenceEngine{sessions: make(map[string][]string)}
}

func (e *inferenceEngine) generate(prompt, session string) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.loaded = true
	history := append(e.sessions[session], prompt)

	reply := cannedReply(prompt, history)
	history = append(history, reply)
	if len(history) > maxSessionHistory {
		history = history[drainSessionCount:]
	}
	e.sessions[session] = history
	return reply
}

func cannedReply(prompt string, history []string) string {
	lower := strings.ToLower(prompt)
	switch {
	case strings.Contains(lower, "hello"):
		return "Hello! I'm a direct-mode LLM assistant. How can I help you today?"
	case strings.Contains(lower, "code") || strings.Contains(lower, "program"):
		return "I'd be happy to help you with coding! What programming language or concept would you like to explore?"
	case strings.Contains(lower, "explain"):
		return "I'll provide a clear explanation. Let me break this down for you in an understandable way."
	case len(history) > 1:
		return "Based on our conversation, I understand you're looking for more information. Let me continue helping you."
	default:
		return "I understand your request. Let me provide you with a helpful response based on what you've asked."
	}
}

// Direct answers in-process without HTTP, for embedded deployments
// and for exercising the full pipeline without a live backend.
type Direct struct {
	modelID string
	token   string
	engine  *inferenceEngine
	logger  *zap.Logger
}

func NewDirect(cfg Config, logger *zap.Logger) *Direct {
	return &Direct{
		modelID: cfg.ModelID,
		token:   cfg.Token,
		engine:  newInferenceEngine(),
		logger:  logger.With(zap.String("adapter", "direct")),
	}
}

var _ Adapter = (*Direct)(nil)

func (a *Direct) Name() string            { return "direct" }
func (a *Direct) BaseURL() string         { return "direct://" }
func (a *Direct) ModelID() string         { return a.modelID }
func (a *Direct) HasAuth() bool           { return a.token != "" }
func (a *Direct) SupportsStreaming() bool { return true }

func (a *Direct) ChatJSON(ctx context.Context, req *chat.ChatRequest) (*Result, error) {
	prompt := directPrompt(req.Messages)
	session := fmt.Sprintf("direct-%d", time.Now().UnixNano())
	completion := a.engine.generate(prompt, session)

	created := time.Now().Unix()
	promptWords := len(strings.Fields(prompt))
	completionWords := len(strings.Fields(completion))

	resp := &chat.ChatResponse{
		ID:      fmt.Sprintf("chatcmpl-direct-%d", created),
		Object:  chat.ObjectCompletion,
		Created: created,
		Model:   req.ResolveModel(a.modelID),
		Choices: []chat.Choice{{
			Index:        0,
			Message:      chat.Message{Role: chat.RoleAssistant, Content: chat.Text(strings.TrimSpace(completion))},
			FinishReason: chat.FinishStop,
		}},
		Usage: &chat.Usage{
			PromptTokens:     promptWords,
			CompletionTokens: completionWords,
			TotalTokens:      promptWords + completionWords,
		},
	}
	body, err := json.Marshal(resp)
	if err != nil {
		return nil, apperrors.NewSerializationWithCause("encode completion envelope", err)
	}
	return &Result{Status: 200, Body: body}, nil
}

// ChatStream returns the JSON body; the streaming layer synthesizes
// events from it.
func (a *Direct) ChatStream(ctx context.Context, req *chat.ChatRequest) (io.ReadCloser, error) {
	res, err := a.ChatJSON(ctx, req)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(res.Body)), nil
}

// directPrompt flattens messages into plain speaker labels. Unknown
// roles are dropped; the terminal label cues the next assistant turn.
func directPrompt(messages []chat.Message) string {
	var out strings.Builder
	for _, m := range messages {
		switch m.Role {
		case chat.RoleSystem:
			out.WriteString("System: ")
		case chat.RoleUser:
			out.WriteString("User: ")
		case chat.RoleAssistant:
			out.WriteString("Assistant: ")
		default:
			continue
		}
		out.WriteString(m.Content.TextContent())
		out.WriteString("\n")
	}
	out.WriteString("Assistant:")
	return out.String()
}
