package backend

import (
	"context"
	"io"
	"strings"

	"github.com/nimbusllm/gateway/internal/domain/chat"
	apperrors "github.com/nimbusllm/gateway/pkg/errors"
)

// Bedrock is a placeholder for AWS Bedrock so URL selection stays
// total. Both operations fail until the signing flow lands.
type Bedrock struct {
	base    string
	modelID string
	token   string
}

func NewBedrock(cfg Config) *Bedrock {
	return &Bedrock{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		modelID: cfg.ModelID,
		token:   cfg.Token,
	}
}

var _ Adapter = (*Bedrock)(nil)

func (a *Bedrock) Name() string            { return "aws" }
func (a *Bedrock) BaseURL() string         { return a.base }
func (a *Bedrock) ModelID() string         { return a.modelID }
func (a *Bedrock) HasAuth() bool           { return a.token != "" }
func (a *Bedrock) SupportsStreaming() bool { return true }

func (a *Bedrock) ChatJSON(context.Context, *chat.ChatRequest) (*Result, error) {
	return nil, apperrors.NewBadRequest("AWS Bedrock adapter not implemented")
}

func (a *Bedrock) ChatStream(context.Context, *chat.ChatRequest) (io.ReadCloser, error) {
	return nil, apperrors.NewBadRequest("AWS Bedrock adapter not implemented")
}
