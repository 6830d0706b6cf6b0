package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nimbusllm/gateway/internal/interfaces/http/handlers"
	apperrors "github.com/nimbusllm/gateway/pkg/errors"
)

// AuthConfig drives the API-key middleware.
type AuthConfig struct {
	Enabled      bool
	Header       string
	BackendToken string
	ValidKeys    []string
	Development  bool
}

// devKeys are the demonstration keys accepted in development only.
var devKeys = []string{"dev-key", "test-key"}

// authBypassPrefixes covers the admin/UI surface, which is served
// without a key so the console login flow can reach the gateway.
var authBypassPrefixes = []string{"/ui/", "/v1/ui/", "/sso/", "/litellm", "/.well-known/"}

func bypassAuth(path string) bool {
	switch path {
	case "/health", "/metrics", "/favicon.ico", "/login", "/ui", "/v1/ui":
		return true
	}
	for _, prefix := range authBypassPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// authMiddleware rejects protected paths without a valid API key. The
// key arrives in the configured custom header or as a bearer token.
func authMiddleware(cfg AuthConfig, logger *zap.Logger) gin.HandlerFunc {
	header := cfg.Header
	if header == "" {
		header = "X-API-Key"
	}
	listed := make(map[string]struct{}, len(cfg.ValidKeys))
	for _, k := range cfg.ValidKeys {
		listed[k] = struct{}{}
	}

	return func(c *gin.Context) {
		if !cfg.Enabled || bypassAuth(c.Request.URL.Path) {
			c.Next()
			return
		}

		key := c.GetHeader(header)
		if key == "" {
			if v := c.GetHeader("Authorization"); strings.HasPrefix(v, "Bearer ") {
				key = strings.TrimPrefix(v, "Bearer ")
			}
		}
		if !validKey(key, cfg, listed) {
			logger.Warn("request rejected: invalid API key",
				zap.String("path", c.Request.URL.Path),
				zap.String("ip", c.ClientIP()))
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				handlers.ErrorBody("invalid or missing API key", apperrors.KindUnauthorized))
			return
		}
		c.Next()
	}
}

// validKey applies the acceptance policy: the backend token, a listed
// key, a development key, or the sk- demonstration format.
func validKey(key string, cfg AuthConfig, listed map[string]struct{}) bool {
	if key == "" {
		return false
	}
	if cfg.BackendToken != "" && key == cfg.BackendToken {
		return true
	}
	if _, ok := listed[key]; ok {
		return true
	}
	if cfg.Development {
		for _, dk := range devKeys {
			if key == dk {
				return true
			}
		}
	}
	return strings.HasPrefix(key, "sk-") && len(key) > 20
}

// corsMiddleware applies the configured allow lists and answers
// preflight requests directly.
func corsMiddleware(origin, methods, headers string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", methods)
		c.Header("Access-Control-Allow-Headers", headers)
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
