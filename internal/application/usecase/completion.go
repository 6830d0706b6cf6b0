package usecase

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/nimbusllm/gateway/internal/domain/chat"
	"github.com/nimbusllm/gateway/internal/domain/tool"
	"github.com/nimbusllm/gateway/internal/infrastructure/backend"
	"github.com/nimbusllm/gateway/internal/infrastructure/cache"
	"github.com/nimbusllm/gateway/internal/infrastructure/monitoring"
	"github.com/nimbusllm/gateway/internal/infrastructure/ratelimit"
	"github.com/nimbusllm/gateway/internal/infrastructure/streaming"
	apperrors "github.com/nimbusllm/gateway/pkg/errors"
)

// Backend dispatches canonical requests to whatever serves them: a
// single adapter or the load-balanced pool.
type Backend interface {
	ChatJSON(ctx context.Context, req *chat.ChatRequest) (*backend.Result, error)
	ChatStream(ctx context.Context, req *chat.ChatRequest) (io.ReadCloser, error)
	ModelID() string
}

// Call carries per-call attribution from the transport layer.
type Call struct {
	APIKey   string
	Priority ratelimit.Priority
}

// Config tunes the completion pipeline.
type Config struct {
	RequestTimeout  time.Duration
	StreamTimeout   time.Duration
	StrictDecode    bool
	EnableLimiter   bool
	EnableCache     bool
	CacheSampled    bool
	EnableStreaming bool
	ToolLoopLimit   int
}

// Deps is the infrastructure the pipeline runs on. Cache, Limiter and
// Monitor may be nil when their stage is disabled.
type Deps struct {
	Backend  Backend
	Cache    *cache.Cache
	Limiter  *ratelimit.Limiter
	Monitor  *monitoring.Monitor
	Streamer *streaming.Streamer
	Executor *tool.Executor
}

// CompletionUseCase runs one chat completion through admission, cache,
// dispatch and the local tool loop.
type CompletionUseCase struct {
	backend  Backend
	cache    *cache.Cache
	limiter  *ratelimit.Limiter
	monitor  *monitoring.Monitor
	streamer *streaming.Streamer
	executor *tool.Executor
	cfg      Config
	logger   *zap.Logger
}

// NewCompletionUseCase creates the completion pipeline.
func NewCompletionUseCase(deps Deps, cfg Config, logger *zap.Logger) *CompletionUseCase {
	return &CompletionUseCase{
		backend:  deps.Backend,
		cache:    deps.Cache,
		limiter:  deps.Limiter,
		monitor:  deps.Monitor,
		streamer: deps.Streamer,
		executor: deps.Executor,
		cfg:      cfg,
		logger:   logger,
	}
}

// RateLimitedError is an admission denial carrying the advisory retry
// delay for the Retry-After header.
type RateLimitedError struct {
	RetryAfter int
	err        error
}

func (e *RateLimitedError) Error() string { return e.err.Error() }

func (e *RateLimitedError) Unwrap() error { return e.err }

// Prepare decodes and validates one OpenAI-dialect request body.
func (uc *CompletionUseCase) Prepare(body []byte) (*chat.ChatRequest, error) {
	req, err := chat.DecodeRequest(body, uc.cfg.StrictDecode)
	if err != nil {
		return nil, err
	}
	if err := uc.ValidateRequest(req); err != nil {
		return nil, err
	}
	return req, nil
}

// ValidateRequest applies shape validation plus tool-choice rules.
// The messages handler calls it directly after translating. The choice
// is checked against the request's own tools when any are declared,
// otherwise against the gateway registry.
func (uc *CompletionUseCase) ValidateRequest(req *chat.ChatRequest) error {
	if err := chat.Validate(req); err != nil {
		return err
	}
	if req.ToolChoice == nil {
		return nil
	}
	reg := tool.FromTools(req.Tools)
	if len(req.Tools) == 0 && uc.executor != nil {
		reg = uc.executor.Registry()
	}
	return tool.NewValidator(reg).ValidateChoice(req.ToolChoice)
}

// Complete runs the non-streaming pipeline and returns the response
// body exactly as the backend produced it or the cache replayed it.
// The deadline set here covers every dispatch of the tool loop.
func (uc *CompletionUseCase) Complete(ctx context.Context, req *chat.ChatRequest, call Call) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, uc.cfg.RequestTimeout)
	defer cancel()
	start := time.Now()

	// 1. Admission.
	if err := uc.admit(ctx, req, call); err != nil {
		return nil, err
	}

	// 2. Cache probe. Hits replay the stored body byte for byte.
	cacheable := uc.cacheable(req)
	var fp uint64
	if cacheable {
		fp = chat.Fingerprint(req)
		if body, ok := uc.cache.Get(fp); ok {
			uc.logger.Debug("cache hit", zap.Uint64("fingerprint", fp))
			uc.record(true, start, body)
			return body, nil
		}
	}

	// 3. Dispatch upstream.
	body, err := uc.dispatch(ctx, req)
	if err != nil {
		uc.logger.Error("upstream dispatch failed", zap.Error(err))
		uc.record(false, start, nil)
		return nil, err
	}

	// 4. Resolve tool calls the gateway owns handlers for.
	body, err = uc.resolveToolCalls(ctx, req, body)
	if err != nil {
		uc.record(false, start, nil)
		return nil, err
	}

	// 5. Insert and account.
	if cacheable {
		uc.cache.Put(fp, body)
	}
	uc.record(true, start, body)
	return body, nil
}

// dispatch sends the request upstream and unwraps the transport result.
func (uc *CompletionUseCase) dispatch(ctx context.Context, req *chat.ChatRequest) ([]byte, error) {
	res, err := uc.backend.ChatJSON(ctx, req)
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return nil, res.StatusError()
	}
	return res.Body, nil
}

// resolveToolCalls loops while the assistant answers with tool calls
// the gateway can execute locally. Responses whose calls lack handlers
// pass through unchanged so the client can run them. The limit bounds
// execution rounds; a model still calling past it gets handed back to
// the client as-is.
func (uc *CompletionUseCase) resolveToolCalls(ctx context.Context, req *chat.ChatRequest, body []byte) ([]byte, error) {
	if uc.executor == nil {
		return body, nil
	}
	working := req
	for round := 0; ; round++ {
		resp, err := chat.DecodeResponse(body)
		if err != nil {
			// Non-envelope payload, nothing to inspect.
			return body, nil
		}
		calls := resp.FirstToolCalls()
		if len(calls) == 0 || !uc.handlesAll(calls) {
			return body, nil
		}
		if round >= uc.cfg.ToolLoopLimit {
			uc.logger.Warn("tool loop limit reached",
				zap.Int("limit", uc.cfg.ToolLoopLimit),
				zap.Int("pending_calls", len(calls)))
			return body, nil
		}

		outcomes := uc.executeCalls(ctx, calls)
		if working == req {
			working = req.Clone()
		}
		working.Messages = append(working.Messages, tool.AssistantCallMessage(resp.FirstContent(), calls))
		working.Messages = append(working.Messages, tool.ResultMessages(outcomes)...)

		uc.logger.Info("tool round resolved",
			zap.Int("round", round+1),
			zap.Int("calls", len(calls)))

		body, err = uc.dispatch(ctx, working)
		if err != nil {
			uc.logger.Error("tool loop dispatch failed", zap.Error(err))
			return nil, err
		}
	}
}

// executeCalls validates and runs each call in order, folding
// validation failures into error outcomes so the model sees what broke.
func (uc *CompletionUseCase) executeCalls(ctx context.Context, calls []chat.ToolCall) []tool.Outcome {
	v := tool.NewValidator(uc.executor.Registry())
	v.SetStrict(uc.cfg.StrictDecode)

	outcomes := make([]tool.Outcome, 0, len(calls))
	for _, call := range calls {
		if err := v.ValidateCall(call); err != nil {
			outcomes = append(outcomes, tool.Outcome{Call: call, Err: err})
			continue
		}
		result, err := uc.executor.Execute(ctx, call)
		outcomes = append(outcomes, tool.Outcome{Call: call, Result: result, Err: err})
	}
	return outcomes
}

// handlesAll reports whether every call names a registered handler.
// Mixed sets pass through whole rather than half-executing.
func (uc *CompletionUseCase) handlesAll(calls []chat.ToolCall) bool {
	if uc.executor == nil {
		return false
	}
	for _, c := range calls {
		if !uc.executor.HasHandler(c.Function.Name) {
			return false
		}
	}
	return true
}

// admit runs rate limiting when enabled.
func (uc *CompletionUseCase) admit(ctx context.Context, req *chat.ChatRequest, call Call) error {
	if !uc.cfg.EnableLimiter || uc.limiter == nil {
		return nil
	}
	res := uc.limiter.Allow(ctx, tenantOf(req, call), req, call.Priority)
	if res.Allowed {
		return nil
	}
	retry := res.RetryAfter
	if retry < 1 {
		retry = 1
	}
	return &RateLimitedError{
		RetryAfter: retry,
		err:        apperrors.NewTooManyRequests("rate limit exceeded"),
	}
}

// tenantOf picks the accounting identity: explicit user field, then
// API key, then a shared anonymous bucket.
func tenantOf(req *chat.ChatRequest, call Call) string {
	if req.User != "" {
		return req.User
	}
	if call.APIKey != "" {
		return call.APIKey
	}
	return "anonymous"
}

// cacheable gates both probe and insert. Sampled requests, meaning
// temperature above zero, stay out unless explicitly allowed.
func (uc *CompletionUseCase) cacheable(req *chat.ChatRequest) bool {
	if !uc.cfg.EnableCache || uc.cache == nil || req.Stream {
		return false
	}
	if req.Temperature != nil && *req.Temperature > 0 {
		return uc.cfg.CacheSampled
	}
	return true
}

// record feeds the monitor, decoding usage from the body when present.
func (uc *CompletionUseCase) record(success bool, start time.Time, body []byte) {
	if uc.monitor == nil {
		return
	}
	var prompt, completion int
	if len(body) > 0 {
		if resp, err := chat.DecodeResponse(body); err == nil && resp.Usage != nil {
			prompt = resp.Usage.PromptTokens
			completion = resp.Usage.CompletionTokens
		}
	}
	uc.monitor.RecordRequest(success, time.Since(start), prompt, completion)
}
