package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nimbusllm/gateway/internal/application/usecase"
	"github.com/nimbusllm/gateway/internal/domain/chat"
	"github.com/nimbusllm/gateway/internal/domain/translate"
	"github.com/nimbusllm/gateway/internal/infrastructure/streaming"
	apperrors "github.com/nimbusllm/gateway/pkg/errors"
)

// MessagesHandler serves the Anthropic Messages dialect on top of the
// same completion pipeline.
type MessagesHandler struct {
	uc        *usecase.CompletionUseCase
	keyHeader string
	logger    *zap.Logger
}

func NewMessagesHandler(uc *usecase.CompletionUseCase, keyHeader string, logger *zap.Logger) *MessagesHandler {
	if keyHeader == "" {
		keyHeader = "X-API-Key"
	}
	return &MessagesHandler{
		uc:        uc,
		keyHeader: keyHeader,
		logger:    logger,
	}
}

// Messages handles POST /v1/messages.
func (h *MessagesHandler) Messages(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, h.logger, apperrors.NewBadRequest("failed to read request body"))
		return
	}

	var mreq translate.MessagesRequest
	if err := json.Unmarshal(body, &mreq); err != nil {
		writeError(c, h.logger, apperrors.NewBadRequestf("invalid request body: %v", err))
		return
	}
	// max_tokens is mandatory in this dialect.
	if mreq.MaxTokens < 1 {
		writeError(c, h.logger, apperrors.NewBadRequest("max_tokens must be at least 1"))
		return
	}

	req := mreq.ToChatRequest()
	if err := h.uc.ValidateRequest(req); err != nil {
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
	resp, err := chat.DecodeResponse(out)
	if err != nil {
		writeError(c, h.logger, apperrors.NewUpstreamWithCause("decode completion response", err))
		return
	}
	mresp, err := translate.FromChatResponse(resp)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, mresp)
}

// stream runs the shared relay with the event transcoder between the
// pipeline and the wire, so the client sees Messages events instead of
// completion chunks.
func (h *MessagesHandler) stream(c *gin.Context, req *chat.ChatRequest, call usecase.Call) {
	setSSEHeaders(c)
	ew := newEventWriter(c.Writer)
	w := streaming.NewWriter(ew)

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
		ew.Error(apperrors.KindOf(err), err.Error())
	}
}

// eventWriter rewrites the completion chunk relay into the Messages
// event dialect. The relay writes exactly one SSE frame per call: data
// frames decode as chunks and re-emit as typed events, the [DONE]
// terminator becomes the closing event pair, and anything else passes
// through untouched.
type eventWriter struct {
	w      gin.ResponseWriter
	events *translate.EventStream
	closed bool
}

func newEventWriter(w gin.ResponseWriter) *eventWriter {
	return &eventWriter{w: w, events: translate.NewEventStream()}
}

func (ew *eventWriter) Write(p []byte) (int, error) {
	frame := string(p)
	if !strings.HasPrefix(frame, "data: ") {
		// Keep-alive comments and other non-data lines.
		if _, err := ew.w.Write(p); err != nil {
			return 0, err
		}
		return len(p), nil
	}

	payload := strings.TrimSuffix(strings.TrimPrefix(frame, "data: "), "\n\n")
	if payload == "[DONE]" {
		// The Messages dialect closes with message_stop, not [DONE].
		return len(p), ew.finish()
	}

	var chunk chat.ChunkResponse
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil || chunk.Object != chat.ObjectChunk {
		// Tool events and error frames ride through as plain data frames.
		if _, err := ew.w.Write(p); err != nil {
			return 0, err
		}
		return len(p), nil
	}
	if err := ew.emit(ew.events.Feed(&chunk)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Flush satisfies http.Flusher so the relay flushes through to the
// client after each frame.
func (ew *eventWriter) Flush() {
	ew.w.Flush()
}

// Error emits the dialect's error event and closes the stream.
func (ew *eventWriter) Error(kind apperrors.Kind, message string) {
	payload, err := json.Marshal(map[string]interface{}{
		"type": "error",
		"error": map[string]interface{}{
			"type":    string(kind),
			"message": message,
		},
	})
	if err != nil {
		return
	}
	fmt.Fprintf(ew.w, "event: error\ndata: %s\n\n", payload)
	ew.w.Flush()
	ew.closed = true
}

func (ew *eventWriter) finish() error {
	if ew.closed {
		return nil
	}
	ew.closed = true
	return ew.emit(ew.events.Finish())
}

func (ew *eventWriter) emit(events []translate.StreamEvent) error {
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(ew.w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
			return err
		}
	}
	return nil
}
