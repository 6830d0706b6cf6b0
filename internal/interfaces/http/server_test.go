package http

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nimbusllm/gateway/internal/application/usecase"
	"github.com/nimbusllm/gateway/internal/domain/chat"
	"github.com/nimbusllm/gateway/internal/infrastructure/backend"
	"github.com/nimbusllm/gateway/internal/infrastructure/monitoring"
	"github.com/nimbusllm/gateway/internal/infrastructure/streaming"
	"github.com/nimbusllm/gateway/internal/interfaces/http/handlers"
)

const routeStubBody = `{"id":"chatcmpl-route","object":"chat.completion","created":1700000000,"model":"stub-model","choices":[{"index":0,"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`

type routeStub struct{}

func (routeStub) ChatJSON(ctx context.Context, req *chat.ChatRequest) (*backend.Result, error) {
	return &backend.Result{Status: 200, Body: []byte(routeStubBody)}, nil
}

func (routeStub) ChatStream(ctx context.Context, req *chat.ChatRequest) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("data: [DONE]\n\n")), nil
}

func (routeStub) ModelID() string { return "stub-model" }

func testHandlers(t *testing.T) Handlers {
	t.Helper()
	uc := usecase.NewCompletionUseCase(usecase.Deps{
		Backend:  routeStub{},
		Streamer: streaming.NewStreamer(streaming.Config{}, zap.NewNop()),
	}, usecase.Config{
		RequestTimeout: 5 * time.Second,
		StreamTimeout:  5 * time.Second,
		ToolLoopLimit:  2,
	}, zap.NewNop())

	return Handlers{
		Completions: handlers.NewCompletionsHandler(uc, "", zap.NewNop()),
		Messages:    handlers.NewMessagesHandler(uc, "", zap.NewNop()),
		System: handlers.NewSystemHandler("test", handlers.SystemDeps{
			Monitor: monitoring.NewMonitor(zap.NewNop()),
		}, zap.NewNop()),
	}
}

func routerConfig() Config {
	return Config{
		Host:          "127.0.0.1",
		Environment:   "production",
		CORSOrigin:    "*",
		CORSMethods:   "GET, POST, OPTIONS",
		CORSHeaders:   "Content-Type, Authorization",
		Auth:          AuthConfig{Enabled: true},
		EnableMetrics: true,
	}
}

func do(router http.Handler, method, path, body, key string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRouterEndpoints(t *testing.T) {
	router := newRouter(routerConfig(), testHandlers(t), zap.NewNop())
	key := "sk-0123456789abcdefghijklmn"
	completion := `{"model":"stub-model","messages":[{"role":"user","content":"hi"}]}`

	if w := do(router, http.MethodGet, "/health", "", ""); w.Code != http.StatusOK {
		t.Errorf("GET /health = %d, want 200", w.Code)
	}
	if w := do(router, http.MethodGet, "/metrics", "", ""); w.Code != http.StatusOK {
		t.Errorf("GET /metrics = %d, want 200", w.Code)
	}

	if w := do(router, http.MethodPost, "/v1/chat/completions", completion, ""); w.Code != http.StatusUnauthorized {
		t.Errorf("keyless completion = %d, want 401", w.Code)
	}
	w := do(router, http.MethodPost, "/v1/chat/completions", completion, key)
	if w.Code != http.StatusOK {
		t.Fatalf("completion = %d, body %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "chatcmpl-route") {
		t.Errorf("completion body = %q", w.Body.String())
	}

	messages := `{"model":"stub-model","max_tokens":8,"messages":[{"role":"user","content":"hi"}]}`
	w = do(router, http.MethodPost, "/v1/messages", messages, key)
	if w.Code != http.StatusOK {
		t.Fatalf("messages = %d, body %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"type":"message"`) {
		t.Errorf("messages body = %q", w.Body.String())
	}

	if w := do(router, http.MethodOptions, "/v1/chat/completions", "", ""); w.Code != http.StatusNoContent {
		t.Errorf("preflight = %d, want 204", w.Code)
	}

	// No console configured: the admin surface is not mounted.
	if w := do(router, http.MethodGet, "/ui/dashboard", "", ""); w.Code != http.StatusNotFound {
		t.Errorf("GET /ui/dashboard = %d, want 404", w.Code)
	}

	// Unknown paths still pass through the auth gate first.
	if w := do(router, http.MethodGet, "/nope", "", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("keyless unknown path = %d, want 401", w.Code)
	}
	if w := do(router, http.MethodGet, "/nope", "", key); w.Code != http.StatusNotFound {
		t.Errorf("unknown path = %d, want 404", w.Code)
	}
}

func TestRouterMetricsGate(t *testing.T) {
	cfg := routerConfig()
	cfg.EnableMetrics = false
	router := newRouter(cfg, testHandlers(t), zap.NewNop())

	if w := do(router, http.MethodGet, "/metrics", "", ""); w.Code != http.StatusNotFound {
		t.Errorf("GET /metrics = %d, want 404 while disabled", w.Code)
	}
	if w := do(router, http.MethodGet, "/health", "", ""); w.Code != http.StatusOK {
		t.Errorf("GET /health = %d, want 200", w.Code)
	}
}

func TestRouterAdminSurface(t *testing.T) {
	var mu sync.Mutex
	var gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotPath = r.URL.Path
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	h := testHandlers(t)
	h.Admin = handlers.NewAdminHandler(upstream.URL, "", upstream.Client(), zap.NewNop())
	router := newRouter(routerConfig(), h, zap.NewNop())

	// Console traffic rides without an API key.
	w := do(router, http.MethodGet, "/v1/ui/model/new", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /v1/ui/model/new = %d", w.Code)
	}
	mu.Lock()
	path := gotPath
	mu.Unlock()
	if path != "/ui/model/new" {
		t.Errorf("upstream path = %q, want %q", path, "/ui/model/new")
	}

	w = do(router, http.MethodGet, "/login", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /login = %d", w.Code)
	}
	mu.Lock()
	path = gotPath
	mu.Unlock()
	if path != "/login" {
		t.Errorf("upstream path = %q, want %q", path, "/login")
	}
}

func TestServerStartStop(t *testing.T) {
	cfg := routerConfig()
	cfg.Port = 0
	s := NewServer(cfg, testHandlers(t), zap.NewNop())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
