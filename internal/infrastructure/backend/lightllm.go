package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/nimbusllm/gateway/internal/domain/chat"
	apperrors "github.com/nimbusllm/gateway/pkg/errors"
)

// Generation defaults applied when the request leaves a field unset.
const (
	defaultMaxTokens   = 256
	defaultTemperature = 1.0
	defaultTopP        = 1.0
)

// LightLLM talks to a LightLLM inference server. Bases without a /v1
// segment use the native /generate endpoint with a flattened prompt;
// bases with /v1 are treated as OpenAI-compatible.
type LightLLM struct {
	base    string
	modelID string
	token   string
	client  *http.Client
	logger  *zap.Logger
}

func NewLightLLM(cfg Config, client *http.Client, logger *zap.Logger) *LightLLM {
	return &LightLLM{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		modelID: cfg.ModelID,
		token:   cfg.Token,
		client:  client,
		logger:  logger.With(zap.String("adapter", "lightllm")),
	}
}

var _ Adapter = (*LightLLM)(nil)

func (a *LightLLM) Name() string            { return "lightllm" }
func (a *LightLLM) BaseURL() string         { return a.base }
func (a *LightLLM) ModelID() string         { return a.modelID }
func (a *LightLLM) HasAuth() bool           { return a.token != "" }
func (a *LightLLM) SupportsStreaming() bool { return true }

type generateRequest struct {
	Prompt           string  `json:"prompt"`
	MaxNewTokens     int     `json:"max_new_tokens"`
	Temperature      float64 `json:"temperature"`
	TopP             float64 `json:"top_p"`
	PresencePenalty  float64 `json:"presence_penalty"`
	FrequencyPenalty float64 `json:"frequency_penalty"`
}

type generateResponse struct {
	Text string `json:"text"`
}

// compatRequest is the reduced payload sent to OpenAI-compatible
// LightLLM endpoints.
type compatRequest struct {
	Model            string         `json:"model"`
	Messages         []chat.Message `json:"messages"`
	MaxTokens        int            `json:"max_tokens"`
	Temperature      float64        `json:"temperature"`
	TopP             float64        `json:"top_p"`
	PresencePenalty  float64        `json:"presence_penalty"`
	FrequencyPenalty float64        `json:"frequency_penalty"`
	Stream           bool           `json:"stream"`
}

func (a *LightLLM) ChatJSON(ctx context.Context, req *chat.ChatRequest) (*Result, error) {
	if strings.Contains(a.base, "/v1") {
		res, err := postJSON(ctx, a.client, a.compatURL(), a.compatPayload(req, false), bearerHeaders(a.token))
		if err != nil {
			return nil, err
		}
		return res, nil
	}

	prompt := buildPrompt(req.Messages, a.logger)
	payload := generateRequest{
		Prompt:           prompt,
		MaxNewTokens:     intOr(req.MaxTokens, defaultMaxTokens),
		Temperature:      floatOr(req.Temperature, defaultTemperature),
		TopP:             floatOr(req.TopP, defaultTopP),
		PresencePenalty:  floatOr(req.PresencePenalty, 0),
		FrequencyPenalty: floatOr(req.FrequencyPenalty, 0),
	}

	res, err := postJSON(ctx, a.client, a.base+"/generate", payload, bearerHeaders(a.token))
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return res, nil
	}

	var gen generateResponse
	if err := json.Unmarshal(res.Body, &gen); err != nil {
		return nil, apperrors.NewUpstreamWithCause("decode generate response", err)
	}
	envelope, err := json.Marshal(chat.SynthesizeResponse(req, req.ResolveModel(a.modelID), gen.Text))
	if err != nil {
		return nil, apperrors.NewSerializationWithCause("encode completion envelope", err)
	}
	return &Result{Status: http.StatusOK, Body: envelope}, nil
}

// ChatStream always uses the OpenAI-compatible shape; the native
// /generate endpoint has no event stream.
func (a *LightLLM) ChatStream(ctx context.Context, req *chat.ChatRequest) (io.ReadCloser, error) {
	return openStream(ctx, a.client, a.compatURL(), a.compatPayload(req, true), bearerHeaders(a.token))
}

func (a *LightLLM) compatURL() string {
	if strings.HasSuffix(a.base, "/v1") {
		return a.base + "/chat/completions"
	}
	return a.base + "/v1/chat/completions"
}

func (a *LightLLM) compatPayload(req *chat.ChatRequest, stream bool) compatRequest {
	return compatRequest{
		Model:            req.ResolveModel(a.modelID),
		Messages:         req.Messages,
		MaxTokens:        intOr(req.MaxTokens, defaultMaxTokens),
		Temperature:      floatOr(req.Temperature, defaultTemperature),
		TopP:             floatOr(req.TopP, defaultTopP),
		PresencePenalty:  floatOr(req.PresencePenalty, 0),
		FrequencyPenalty: floatOr(req.FrequencyPenalty, 0),
		Stream:           stream,
	}
}

// buildPrompt flattens messages into LightLLM role markers. Tool
// messages are dropped; unknown roles fall back to user. The final
// assistant marker keeps its trailing space as the generation cue.
func buildPrompt(messages []chat.Message, logger *zap.Logger) string {
	capacity := 25
	for _, m := range messages {
		capacity += len(m.Role) + len(m.Content.TextContent()) + 25
	}

	var out strings.Builder
	out.Grow(capacity)

	for _, m := range messages {
		role := m.Role
		switch role {
		case chat.RoleSystem, chat.RoleUser, chat.RoleAssistant:
		case chat.RoleTool:
			logger.Debug("skipping tool message in prompt", zap.String("tool_call_id", m.ToolCallID))
			continue
		default:
			role = chat.RoleUser
		}
		out.WriteString("<|")
		out.WriteString(role)
		out.WriteString("|>\n")
		out.WriteString(m.Content.TextContent())
		out.WriteString("\n")
	}
	out.WriteString("<|assistant|> ")
	return out.String()
}

func floatOr(p *float64, def float64) float64 {
	if p != nil {
		return *p
	}
	return def
}

func intOr(p *int, def int) int {
	if p != nil {
		return *p
	}
	return def
}
