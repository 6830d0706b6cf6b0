package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nimbusllm/gateway/internal/application/usecase"
	"github.com/nimbusllm/gateway/internal/domain/chat"
	"github.com/nimbusllm/gateway/internal/infrastructure/backend"
	"github.com/nimbusllm/gateway/internal/infrastructure/ratelimit"
	"github.com/nimbusllm/gateway/internal/infrastructure/streaming"
	"github.com/nimbusllm/gateway/internal/interfaces/http/handlers"
	apperrors "github.com/nimbusllm/gateway/pkg/errors"
)

// stubBackend plays scripted response bodies in order, repeating the
// last one, and records every dispatched request.
type stubBackend struct {
	mu       sync.Mutex
	bodies   [][]byte
	status   int
	err      error
	stream   []byte
	requests []*chat.ChatRequest
}

func (s *stubBackend) ChatJSON(ctx context.Context, req *chat.ChatRequest) (*backend.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	idx := len(s.requests) - 1
	if idx >= len(s.bodies) {
		idx = len(s.bodies) - 1
	}
	status := s.status
	if status == 0 {
		status = 200
	}
	return &backend.Result{Status: status, Body: s.bodies[idx]}, nil
}

func (s *stubBackend) ChatStream(ctx context.Context, req *chat.ChatRequest) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	return io.NopCloser(bytes.NewReader(s.stream)), nil
}

func (s *stubBackend) ModelID() string { return "stub-model" }

func (s *stubBackend) dispatches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *stubBackend) recorded(t *testing.T, i int) *chat.ChatRequest {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.requests) {
		t.Fatalf("backend saw %d requests, need index %d", len(s.requests), i)
	}
	return s.requests[i]
}

func newUseCase(t *testing.T, deps usecase.Deps, cfg usecase.Config) *usecase.CompletionUseCase {
	t.Helper()
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.StreamTimeout == 0 {
		cfg.StreamTimeout = 5 * time.Second
	}
	if cfg.ToolLoopLimit == 0 {
		cfg.ToolLoopLimit = 4
	}
	if deps.Streamer == nil {
		deps.Streamer = streaming.NewStreamer(streaming.Config{}, zap.NewNop())
	}
	return usecase.NewCompletionUseCase(deps, cfg, zap.NewNop())
}

func completionsRouter(uc *usecase.CompletionUseCase) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	h := handlers.NewCompletionsHandler(uc, "", zap.NewNop())
	router.POST("/v1/chat/completions", h.ChatCompletions)
	return router
}

func completionBody(t *testing.T, id, content string) []byte {
	t.Helper()
	body, err := json.Marshal(&chat.ChatResponse{
		ID:      id,
		Object:  chat.ObjectCompletion,
		Created: 1700000000,
		Model:   "stub-model",
		Choices: []chat.Choice{{
			Message:      chat.Message{Role: chat.RoleAssistant, Content: chat.Text(content)},
			FinishReason: chat.FinishStop,
		}},
		Usage: &chat.Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10},
	})
	if err != nil {
		t.Fatalf("marshal completion body: %v", err)
	}
	return body
}

func postJSON(t *testing.T, router *gin.Engine, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, body []byte) (message, kind string) {
	t.Helper()
	var out struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode error body %q: %v", body, err)
	}
	return out.Error.Message, out.Error.Type
}

func dataFrames(raw string) []string {
	var frames []string
	for _, line := range strings.Split(raw, "\n") {
		if strings.HasPrefix(line, "data: ") {
			frames = append(frames, strings.TrimPrefix(line, "data: "))
		}
	}
	return frames
}

func TestChatCompletionsProxiesBody(t *testing.T) {
	raw := completionBody(t, "chatcmpl-1", "Hello!")
	sb := &stubBackend{bodies: [][]byte{raw}}
	router := completionsRouter(newUseCase(t, usecase.Deps{Backend: sb}, usecase.Config{}))

	w := postJSON(t, router, "/v1/chat/completions",
		`{"model":"stub-model","messages":[{"role":"user","content":"hi"}]}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q", ct)
	}
	if !bytes.Equal(w.Body.Bytes(), raw) {
		t.Errorf("body = %s, want the backend bytes verbatim", w.Body.String())
	}
}

func TestChatCompletionsRejectsMalformedBody(t *testing.T) {
	router := completionsRouter(newUseCase(t, usecase.Deps{Backend: &stubBackend{}}, usecase.Config{}))

	w := postJSON(t, router, "/v1/chat/completions", `{`)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if _, kind := decodeError(t, w.Body.Bytes()); kind != string(apperrors.KindBadRequest) {
		t.Errorf("error type = %q, want %q", kind, apperrors.KindBadRequest)
	}
}

func TestChatCompletionsRejectsEmptyMessages(t *testing.T) {
	sb := &stubBackend{bodies: [][]byte{completionBody(t, "chatcmpl-1", "ok")}}
	router := completionsRouter(newUseCase(t, usecase.Deps{Backend: sb}, usecase.Config{}))

	w := postJSON(t, router, "/v1/chat/completions", `{"model":"stub-model","messages":[]}`)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	msg, _ := decodeError(t, w.Body.Bytes())
	if !strings.Contains(msg, "messages cannot be empty") {
		t.Errorf("error message = %q", msg)
	}
	if sb.dispatches() != 0 {
		t.Errorf("backend dispatched %d times for an invalid request", sb.dispatches())
	}
}

func TestChatCompletionsRateLimited(t *testing.T) {
	sb := &stubBackend{bodies: [][]byte{completionBody(t, "chatcmpl-1", "ok")}}
	lim := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: 1,
		BurstSize:         1,
		TokensPerSecond:   1000,
		TokensPerMinute:   60000,
	}, zap.NewNop())
	router := completionsRouter(newUseCase(t,
		usecase.Deps{Backend: sb, Limiter: lim},
		usecase.Config{EnableLimiter: true}))

	body := `{"model":"stub-model","messages":[{"role":"user","content":"hi"}]}`
	if w := postJSON(t, router, "/v1/chat/completions", body); w.Code != http.StatusOK {
		t.Fatalf("first request status = %d", w.Code)
	}

	w := postJSON(t, router, "/v1/chat/completions", body)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "60" {
		t.Errorf("Retry-After = %q, want %q", got, "60")
	}
	if _, kind := decodeError(t, w.Body.Bytes()); kind != string(apperrors.KindTooManyRequests) {
		t.Errorf("error type = %q, want %q", kind, apperrors.KindTooManyRequests)
	}
}

func TestChatCompletionsCriticalPriorityBypassesLimit(t *testing.T) {
	sb := &stubBackend{bodies: [][]byte{completionBody(t, "chatcmpl-1", "ok")}}
	lim := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: 1,
		BurstSize:         1,
		TokensPerSecond:   1000,
		TokensPerMinute:   60000,
	}, zap.NewNop())
	router := completionsRouter(newUseCase(t,
		usecase.Deps{Backend: sb, Limiter: lim},
		usecase.Config{EnableLimiter: true}))

	body := `{"model":"stub-model","messages":[{"role":"user","content":"hi"}]}`
	if w := postJSON(t, router, "/v1/chat/completions", body); w.Code != http.StatusOK {
		t.Fatalf("first request status = %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Priority", "critical")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("critical request status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestChatCompletionsStreamPassthrough(t *testing.T) {
	chunk1 := `{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant","content":"He"}}]}`
	chunk2 := `{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"llo"},"finish_reason":"stop"}]}`
	upstream := "data: " + chunk1 + "\n\n" + "data: " + chunk2 + "\n\n" + "data: [DONE]\n\n"

	sb := &stubBackend{stream: []byte(upstream)}
	router := completionsRouter(newUseCase(t,
		usecase.Deps{Backend: sb},
		usecase.Config{EnableStreaming: true}))

	w := postJSON(t, router, "/v1/chat/completions",
		`{"model":"stub-model","stream":true,"messages":[{"role":"user","content":"hi"}]}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q", cc)
	}
	if ab := w.Header().Get("X-Accel-Buffering"); ab != "no" {
		t.Errorf("X-Accel-Buffering = %q", ab)
	}

	frames := dataFrames(w.Body.String())
	want := []string{chunk1, chunk2, "[DONE]"}
	if len(frames) != len(want) {
		t.Fatalf("frames = %d, want %d: %v", len(frames), len(want), frames)
	}
	for i := range want {
		if frames[i] != want[i] {
			t.Errorf("frame %d = %q, want %q", i, frames[i], want[i])
		}
	}
}

func TestChatCompletionsStreamSynthesizedFromJSONBackend(t *testing.T) {
	sb := &stubBackend{stream: completionBody(t, "chatcmpl-s", "Hi there")}
	router := completionsRouter(newUseCase(t,
		usecase.Deps{Backend: sb},
		usecase.Config{EnableStreaming: true}))

	w := postJSON(t, router, "/v1/chat/completions",
		`{"model":"stub-model","stream":true,"messages":[{"role":"user","content":"hi"}]}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	frames := dataFrames(w.Body.String())
	if len(frames) != 3 {
		t.Fatalf("frames = %d, want 3: %v", len(frames), frames)
	}
	var first chat.ChunkResponse
	if err := json.Unmarshal([]byte(frames[0]), &first); err != nil {
		t.Fatalf("decode first chunk: %v", err)
	}
	if d := first.Choices[0].Delta; d.Role != chat.RoleAssistant || d.Content != "Hi there" {
		t.Errorf("first delta = %+v", d)
	}
	if frames[2] != "[DONE]" {
		t.Errorf("terminator = %q", frames[2])
	}
}

func TestChatCompletionsStreamOpenFailureIsPlainError(t *testing.T) {
	sb := &stubBackend{err: apperrors.NewUpstream("connection refused")}
	router := completionsRouter(newUseCase(t,
		usecase.Deps{Backend: sb},
		usecase.Config{EnableStreaming: true}))

	w := postJSON(t, router, "/v1/chat/completions",
		`{"model":"stub-model","stream":true,"messages":[{"role":"user","content":"hi"}]}`)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q, want a plain JSON error before any frame", ct)
	}
	if _, kind := decodeError(t, w.Body.Bytes()); kind != string(apperrors.KindUpstream) {
		t.Errorf("error type = %q, want %q", kind, apperrors.KindUpstream)
	}
	if strings.Contains(w.Body.String(), "data: ") {
		t.Errorf("frames leaked into the error response: %q", w.Body.String())
	}
}

func TestChatCompletionsStreamDisabledFallsBackToPlainError(t *testing.T) {
	sb := &stubBackend{stream: []byte("data: {}\n\n")}
	router := completionsRouter(newUseCase(t,
		usecase.Deps{Backend: sb},
		usecase.Config{EnableStreaming: false}))

	w := postJSON(t, router, "/v1/chat/completions",
		`{"model":"stub-model","stream":true,"messages":[{"role":"user","content":"hi"}]}`)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if _, kind := decodeError(t, w.Body.Bytes()); kind != string(apperrors.KindBadRequest) {
		t.Errorf("error type = %q, want %q", kind, apperrors.KindBadRequest)
	}
}
