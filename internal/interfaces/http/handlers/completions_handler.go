package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nimbusllm/gateway/internal/application/usecase"
	"github.com/nimbusllm/gateway/internal/domain/chat"
	"github.com/nimbusllm/gateway/internal/infrastructure/streaming"
	apperrors "github.com/nimbusllm/gateway/pkg/errors"
)

// CompletionsHandler serves the OpenAI-compatible completion surface.
type CompletionsHandler struct {
	uc        *usecase.CompletionUseCase
	keyHeader string
	logger    *zap.Logger
}

// NewCompletionsHandler creates the completions handler. keyHeader is
// the custom API-key header used for tenant attribution.
func NewCompletionsHandler(uc *usecase.CompletionUseCase, keyHeader string, logger *zap.Logger) *CompletionsHandler {
	if keyHeader == "" {
		keyHeader = "X-API-Key"
	}
	return &CompletionsHandler{
		uc:        uc,
		keyHeader: keyHeader,
		logger:    logger,
	}
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *CompletionsHandler) ChatCompletions(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, h.logger, apperrors.NewBadRequest("failed to read request body"))
		return
	}

	req, err := h.uc.Prepare(body)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	call := callOf(c, h.keyHeader)
	if req.Stream {
		h.stream(c, req, call)
		return
	}

	out, err := h.uc.Complete(c.Request.Context(), req, call)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.Data(http.StatusOK, "application/json", out)
}

// stream relays the SSE response. Failures before the first frame fall
// back to a plain HTTP error; once frames are out, the failure is
// reported in-band and the stream is terminated.
func (h *CompletionsHandler) stream(c *gin.Context, req *chat.ChatRequest, call usecase.Call) {
	setSSEHeaders(c)
	w := streaming.NewWriter(c.Writer)

	err := h.uc.Stream(c.Request.Context(), req, call, w)
	if err == nil {
		return
	}
	if w.State() == streaming.StateIdle {
		c.Header("Content-Type", "application/json; charset=utf-8")
		writeError(c, h.logger, err)
		return
	}

	h.logger.Error("stream aborted mid-flight", zap.Error(err))
	if w.State() != streaming.StateTerminated {
		kind := apperrors.KindOf(err)
		_ = w.Data(streaming.ErrorFrame(string(kind), err.Error()))
		_ = w.Done()
	}
}
