package backend

import (
	"context"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/nimbusllm/gateway/internal/domain/chat"
)

const azureAPIVersion = "2023-12-01-preview"

// Passthrough forwards the canonical request body unchanged. The
// OpenAI, vLLM, Azure, and Custom variants differ only in completions
// URL and auth header.
type Passthrough struct {
	name    string
	base    string
	url     string
	modelID string
	token   string
	headers map[string]string
	client  *http.Client
	logger  *zap.Logger
}

var _ Adapter = (*Passthrough)(nil)

// NewOpenAI targets an OpenAI-style endpoint whose base already names
// the API root, e.g. https://api.openai.com/v1.
func NewOpenAI(cfg Config, client *http.Client, logger *zap.Logger) *Passthrough {
	base := strings.TrimRight(cfg.BaseURL, "/")
	return &Passthrough{
		name:    "openai",
		base:    base,
		url:     base + "/chat/completions",
		modelID: cfg.ModelID,
		token:   cfg.Token,
		headers: bearerHeaders(cfg.Token),
		client:  client,
		logger:  logger.With(zap.String("adapter", "openai")),
	}
}

// NewVLLM targets a vLLM server root; the /v1 segment is appended.
func NewVLLM(cfg Config, client *http.Client, logger *zap.Logger) *Passthrough {
	base := strings.TrimRight(cfg.BaseURL, "/")
	return &Passthrough{
		name:    "vllm",
		base:    base,
		url:     base + "/v1/chat/completions",
		modelID: cfg.ModelID,
		token:   cfg.Token,
		headers: bearerHeaders(cfg.Token),
		client:  client,
		logger:  logger.With(zap.String("adapter", "vllm")),
	}
}

// NewAzure targets an Azure OpenAI resource. The model id doubles as
// the deployment id and the key travels in the api-key header.
func NewAzure(cfg Config, client *http.Client, logger *zap.Logger) *Passthrough {
	base := strings.TrimRight(cfg.BaseURL, "/")
	headers := map[string]string(nil)
	if cfg.Token != "" {
		headers = map[string]string{"api-key": cfg.Token}
	}
	return &Passthrough{
		name:    "azure",
		base:    base,
		url:     base + "/openai/deployments/" + cfg.ModelID + "/chat/completions?api-version=" + azureAPIVersion,
		modelID: cfg.ModelID,
		token:   cfg.Token,
		headers: headers,
		client:  client,
		logger:  logger.With(zap.String("adapter", "azure")),
	}
}

// NewCustom targets any other OpenAI-compatible endpoint.
func NewCustom(cfg Config, client *http.Client, logger *zap.Logger) *Passthrough {
	base := strings.TrimRight(cfg.BaseURL, "/")
	return &Passthrough{
		name:    "custom",
		base:    base,
		url:     base + "/chat/completions",
		modelID: cfg.ModelID,
		token:   cfg.Token,
		headers: bearerHeaders(cfg.Token),
		client:  client,
		logger:  logger.With(zap.String("adapter", "custom")),
	}
}

func (a *Passthrough) Name() string            { return a.name }
func (a *Passthrough) BaseURL() string         { return a.base }
func (a *Passthrough) ModelID() string         { return a.modelID }
func (a *Passthrough) HasAuth() bool           { return a.token != "" }
func (a *Passthrough) SupportsStreaming() bool { return true }

func (a *Passthrough) ChatJSON(ctx context.Context, req *chat.ChatRequest) (*Result, error) {
	payload := req
	if req.Stream {
		payload = req.Clone()
		payload.Stream = false
	}
	return postJSON(ctx, a.client, a.url, payload, a.headers)
}

func (a *Passthrough) ChatStream(ctx context.Context, req *chat.ChatRequest) (io.ReadCloser, error) {
	payload := req.Clone()
	payload.Stream = true
	return openStream(ctx, a.client, a.url, payload, a.headers)
}
