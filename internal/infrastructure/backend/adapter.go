package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/nimbusllm/gateway/internal/domain/chat"
	apperrors "github.com/nimbusllm/gateway/pkg/errors"
)

// Adapter shapes canonical chat requests for one upstream variant.
type Adapter interface {
	Name() string
	BaseURL() string
	ModelID() string
	HasAuth() bool
	SupportsStreaming() bool

	// ChatJSON performs a non-streaming upstream call. Non-2xx
	// responses are returned in the Result, not as errors; transport
	// failures are errors.
	ChatJSON(ctx context.Context, req *chat.ChatRequest) (*Result, error)

	// ChatStream opens a streaming call and returns the raw body.
	// The caller owns the reader. Adapters without a wire stream
	// return their JSON body for downstream synthesis.
	ChatStream(ctx context.Context, req *chat.ChatRequest) (io.ReadCloser, error)
}

// Config identifies one upstream endpoint.
type Config struct {
	BaseURL string
	ModelID string
	Token   string
}

// Result is a completed upstream exchange: status, raw body, and the
// Retry-After header when the upstream sent one.
type Result struct {
	Status     int
	Body       []byte
	RetryAfter string
}

// OK reports whether the upstream answered with a 2xx status.
func (r *Result) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// StatusError converts a non-2xx result into an upstream error.
func (r *Result) StatusError() error {
	return apperrors.NewUpstream(fmt.Sprintf("HTTP %d: %s", r.Status, r.Body))
}

// postJSON sends payload to url and reads the full response body.
func postJSON(ctx context.Context, client *http.Client, url string, payload interface{}, headers map[string]string) (*Result, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.NewSerializationWithCause("encode upstream request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.NewInternalWithCause("build upstream request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, mapTransportError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NewUpstreamWithCause("read upstream response", err)
	}
	return &Result{
		Status:     resp.StatusCode,
		Body:       raw,
		RetryAfter: resp.Header.Get("Retry-After"),
	}, nil
}

// openStream sends payload and hands back the undecoded body stream.
// Non-2xx responses are drained into an upstream error.
func openStream(ctx context.Context, client *http.Client, url string, payload interface{}, headers map[string]string) (io.ReadCloser, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.NewSerializationWithCause("encode upstream request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.NewInternalWithCause("build upstream request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, mapTransportError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, apperrors.NewUpstream(fmt.Sprintf("HTTP %d: %s", resp.StatusCode, raw))
	}
	return resp.Body, nil
}

func mapTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.NewDeadlineExceeded("upstream request timed out")
	}
	if errors.Is(err, context.Canceled) {
		return apperrors.Wrap(err, apperrors.KindInternal, "upstream request cancelled")
	}
	return apperrors.NewUpstreamWithCause("upstream request failed", err)
}

// bearerHeaders builds the Authorization header when a token is set.
func bearerHeaders(token string) map[string]string {
	if token == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + token}
}
