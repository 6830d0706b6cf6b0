package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nimbusllm/gateway/internal/application/usecase"
	"github.com/nimbusllm/gateway/internal/infrastructure/ratelimit"
	apperrors "github.com/nimbusllm/gateway/pkg/errors"
)

// ErrorBody renders the uniform error shape used on every failure path.
func ErrorBody(message string, kind apperrors.Kind) gin.H {
	return gin.H{
		"error": gin.H{
			"message": message,
			"type":    string(kind),
			"code":    nil,
		},
	}
}

// writeError maps an error onto its transport form. Rate-limit denials
// additionally carry the advisory Retry-After header.
func writeError(c *gin.Context, logger *zap.Logger, err error) {
	var limited *usecase.RateLimitedError
	if errors.As(err, &limited) {
		c.Header("Retry-After", strconv.Itoa(limited.RetryAfter))
	}

	kind := apperrors.KindOf(err)
	status := apperrors.HTTPStatus(kind)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
	}
	c.JSON(status, ErrorBody(err.Error(), kind))
}

// setSSEHeaders stages the event-stream response headers before the
// first frame is written.
func setSSEHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream; charset=utf-8")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
}

// callOf extracts per-call attribution from transport headers: the API
// key for tenant accounting and the admission priority.
func callOf(c *gin.Context, keyHeader string) usecase.Call {
	key := c.GetHeader(keyHeader)
	if key == "" {
		if v := c.GetHeader("Authorization"); strings.HasPrefix(v, "Bearer ") {
			key = strings.TrimPrefix(v, "Bearer ")
		}
	}
	return usecase.Call{
		APIKey:   key,
		Priority: ratelimit.ParsePriority(c.GetHeader("X-Priority")),
	}
}
