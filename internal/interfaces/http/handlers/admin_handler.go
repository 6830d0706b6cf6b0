package handlers

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/nimbusllm/gateway/pkg/errors"
)

// AdminHandler forwards admin and UI traffic to the upstream console
// byte for byte: method, query, body and headers pass through, only
// the Host header is dropped.
type AdminHandler struct {
	base   string
	client *http.Client
	logger *zap.Logger
}

// NewAdminHandler creates the proxy. uiBaseURL takes precedence when
// set; otherwise the upstream root derives from the backend URL with
// any /v1 suffix stripped.
func NewAdminHandler(uiBaseURL, backendURL string, client *http.Client, logger *zap.Logger) *AdminHandler {
	base := strings.TrimRight(uiBaseURL, "/")
	if base == "" {
		base = strings.TrimRight(backendURL, "/")
		base = strings.TrimSuffix(base, "/v1")
		base = strings.TrimRight(base, "/")
	}
	return &AdminHandler{
		base:   base,
		client: client,
		logger: logger.With(zap.String("component", "admin_proxy")),
	}
}

// Proxy handles every admin/UI route, method-agnostic.
func (h *AdminHandler) Proxy(c *gin.Context) {
	// Wildcard routes carry the remainder in the path parameter. Of the
	// fixed routes, /login keeps its name; the bare UI roots and
	// /favicon.ico map through the empty remainder.
	rest := strings.TrimPrefix(c.Param("path"), "/")
	if c.Param("path") == "" && strings.HasSuffix(c.Request.URL.Path, "/login") {
		rest = "login"
	}

	target := h.targetURL(rest)
	if q := c.Request.URL.RawQuery; q != "" {
		target += "?" + q
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, h.logger, apperrors.NewBadRequest("failed to read request body"))
		return
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, target, bytes.NewReader(body))
	if err != nil {
		writeError(c, h.logger, apperrors.NewBadRequestf("invalid proxy target %q", target))
		return
	}
	for name, values := range c.Request.Header {
		if strings.EqualFold(name, "Host") {
			continue
		}
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	res, err := h.client.Do(req)
	if err != nil {
		h.logger.Warn("admin upstream unreachable", zap.String("target", target), zap.Error(err))
		writeError(c, h.logger, apperrors.NewUpstreamWithCause("admin upstream request failed", err))
		return
	}
	defer res.Body.Close()

	for name, values := range res.Header {
		for _, v := range values {
			c.Writer.Header().Add(name, v)
		}
	}
	c.Status(res.StatusCode)
	if _, err := io.Copy(c.Writer, res.Body); err != nil {
		h.logger.Warn("admin response copy interrupted", zap.Error(err))
	}
}

// targetURL maps the UI-relative remainder onto the upstream. Console
// assets and well-known paths keep their absolute location, key
// generation rides the SSO path, and everything else lives under /ui.
func (h *AdminHandler) targetURL(rest string) string {
	switch {
	case strings.HasPrefix(rest, "_next/"),
		strings.HasPrefix(rest, "litellm-asset-prefix/"),
		strings.HasPrefix(rest, "litellm-ui-config"),
		strings.HasPrefix(rest, ".well-known/"):
		return h.base + "/" + rest
	case rest == "":
		return h.base + "/favicon.ico"
	case strings.HasPrefix(rest, "key/generate"):
		return h.base + "/sso/" + rest
	case strings.HasPrefix(rest, "login"):
		return h.base + "/" + rest
	default:
		return h.base + "/ui/" + rest
	}
}
