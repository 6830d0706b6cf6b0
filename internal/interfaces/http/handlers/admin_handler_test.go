package handlers_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nimbusllm/gateway/internal/interfaces/http/handlers"
	apperrors "github.com/nimbusllm/gateway/pkg/errors"
)

// adminRouter mounts the proxy on the console surface the server
// exposes.
func adminRouter(h *handlers.AdminHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	for _, route := range []string{
		"/v1/ui",
		"/v1/ui/*path",
		"/ui",
		"/ui/*path",
		"/sso/*path",
		"/login",
		"/favicon.ico",
	} {
		router.Any(route, h.Proxy)
	}
	return router
}

func TestAdminProxyPathMapping(t *testing.T) {
	var mu sync.Mutex
	var gotPath, gotQuery string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotPath, gotQuery = r.URL.Path, r.URL.RawQuery
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	router := adminRouter(handlers.NewAdminHandler(upstream.URL, "", upstream.Client(), zap.NewNop()))

	cases := []struct {
		name string
		path string
		want string
	}{
		{"ui root", "/ui", "/favicon.ico"},
		{"versioned ui root", "/v1/ui", "/favicon.ico"},
		{"favicon", "/favicon.ico", "/favicon.ico"},
		{"login", "/login", "/login"},
		{"console page", "/ui/dashboard", "/ui/dashboard"},
		{"versioned console page", "/v1/ui/model/new", "/ui/model/new"},
		{"next asset", "/ui/_next/static/app.js", "/_next/static/app.js"},
		{"ui config", "/ui/litellm-ui-config", "/litellm-ui-config"},
		{"well known", "/ui/.well-known/openid-configuration", "/.well-known/openid-configuration"},
		{"sso key generate", "/sso/key/generate", "/sso/key/generate"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path+"?page=2", nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
			}
			mu.Lock()
			path, query := gotPath, gotQuery
			mu.Unlock()
			if path != tc.want {
				t.Errorf("upstream path = %q, want %q", path, tc.want)
			}
			if query != "page=2" {
				t.Errorf("upstream query = %q, want %q", query, "page=2")
			}
		})
	}
}

func TestAdminProxyForwardsRequestAndResponse(t *testing.T) {
	var mu sync.Mutex
	var gotMethod, gotPath, gotBody, gotAuth, gotHost string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotMethod, gotPath, gotBody = r.Method, r.URL.Path, string(body)
		gotAuth, gotHost = r.Header.Get("Authorization"), r.Host
		mu.Unlock()
		w.Header().Set("X-Console", "yes")
		w.WriteHeader(http.StatusAccepted)
		io.WriteString(w, "created")
	}))
	defer upstream.Close()

	// The upstream root derives from the backend URL with the /v1
	// suffix stripped.
	h := handlers.NewAdminHandler("", upstream.URL+"/v1", upstream.Client(), zap.NewNop())
	router := adminRouter(h)

	req := httptest.NewRequest(http.MethodPost, "/ui/keys", strings.NewReader(`{"name":"k1"}`))
	req.Header.Set("Authorization", "Bearer sk-admin")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	mu.Lock()
	defer mu.Unlock()
	if gotMethod != http.MethodPost || gotPath != "/ui/keys" {
		t.Errorf("upstream saw %s %s, want POST /ui/keys", gotMethod, gotPath)
	}
	if gotBody != `{"name":"k1"}` {
		t.Errorf("upstream body = %q", gotBody)
	}
	if gotAuth != "Bearer sk-admin" {
		t.Errorf("Authorization = %q, want it forwarded", gotAuth)
	}
	if wantHost := strings.TrimPrefix(upstream.URL, "http://"); gotHost != wantHost {
		t.Errorf("upstream Host = %q, want %q", gotHost, wantHost)
	}
	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", w.Code)
	}
	if got := w.Header().Get("X-Console"); got != "yes" {
		t.Errorf("X-Console = %q, want upstream headers copied back", got)
	}
	if w.Body.String() != "created" {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestAdminProxyUIBaseURLTakesPrecedence(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	// The backend URL points nowhere; traffic must go to the UI base.
	h := handlers.NewAdminHandler(upstream.URL, "http://127.0.0.1:1/v1", upstream.Client(), zap.NewNop())
	router := adminRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/ui/dashboard", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	mu.Lock()
	defer mu.Unlock()
	if hits != 1 {
		t.Errorf("upstream hits = %d, want 1", hits)
	}
}

func TestAdminProxyUnreachableUpstream(t *testing.T) {
	h := handlers.NewAdminHandler("http://127.0.0.1:1", "", &http.Client{Timeout: time.Second}, zap.NewNop())
	router := adminRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/ui/dashboard", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	if _, kind := decodeError(t, w.Body.Bytes()); kind != string(apperrors.KindUpstream) {
		t.Errorf("error type = %q, want %q", kind, apperrors.KindUpstream)
	}
}
