package usecase

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/nimbusllm/gateway/internal/domain/chat"
	"github.com/nimbusllm/gateway/internal/domain/tool"
	"github.com/nimbusllm/gateway/internal/infrastructure/streaming"
	apperrors "github.com/nimbusllm/gateway/pkg/errors"
)

// Stream runs the streaming pipeline, writing SSE frames to w. Errors
// returned before the first frame map to plain HTTP errors; once
// frames are moving, the relay reports upstream failures in-band and
// the handler closes out anything left.
func (uc *CompletionUseCase) Stream(ctx context.Context, req *chat.ChatRequest, call Call, w *streaming.Writer) error {
	if !uc.cfg.EnableStreaming {
		return apperrors.NewBadRequest("streaming is disabled")
	}
	ctx, cancel := context.WithTimeout(ctx, uc.cfg.StreamTimeout)
	defer cancel()
	start := time.Now()

	// 1. Admission.
	if err := uc.admit(ctx, req, call); err != nil {
		return err
	}

	// 2. Requests whose tools the gateway owns cannot ride a
	// passthrough stream: drive the loop over JSON dispatches and
	// synthesize events.
	if uc.ownsDeclaredTools(req) {
		return uc.streamToolRounds(ctx, req, w, start)
	}

	// 3. Open upstream.
	upstream, err := uc.backend.ChatStream(ctx, req)
	if err != nil {
		uc.logger.Error("upstream stream open failed", zap.Error(err))
		uc.record(false, start, nil)
		return err
	}

	// 4. Relay. Adapters without a wire stream hand back a JSON body;
	// sniffing decides between passthrough and synthesis.
	isSSE, buffered := streaming.SniffSSE(upstream)
	if isSSE {
		err = uc.streamer.Passthrough(ctx, replayStream{buffered, upstream}, w)
		uc.record(err == nil, start, nil)
		return err
	}

	body, err := io.ReadAll(buffered)
	upstream.Close()
	if err != nil {
		uc.record(false, start, nil)
		return apperrors.NewUpstreamWithCause("read upstream response", err)
	}
	resp, err := chat.DecodeResponse(body)
	if err != nil {
		uc.record(false, start, nil)
		return err
	}
	if err := uc.streamer.Synthesize(resp, w); err != nil {
		uc.record(false, start, body)
		return err
	}
	uc.record(true, start, body)
	return nil
}

// replayStream pairs the sniffed reader with the original closer.
type replayStream struct {
	io.Reader
	closer io.Closer
}

func (r replayStream) Close() error { return r.closer.Close() }

// ownsDeclaredTools reports whether every tool on the request has a
// local handler, meaning the gateway orchestrates the calls itself.
func (uc *CompletionUseCase) ownsDeclaredTools(req *chat.ChatRequest) bool {
	if uc.executor == nil || len(req.Tools) == 0 {
		return false
	}
	for _, t := range req.Tools {
		if !uc.executor.HasHandler(t.Function.Name) {
			return false
		}
	}
	return true
}

// streamToolRounds drives the tool loop over JSON dispatches, relaying
// call lifecycle events between rounds and synthesizing the final
// assistant turn as chunk frames.
func (uc *CompletionUseCase) streamToolRounds(ctx context.Context, req *chat.ChatRequest, w *streaming.Writer, start time.Time) error {
	working := req
	body, err := uc.dispatch(ctx, working)
	if err != nil {
		uc.logger.Error("upstream dispatch failed", zap.Error(err))
		uc.record(false, start, nil)
		return err
	}

	for round := 0; ; round++ {
		resp, err := chat.DecodeResponse(body)
		if err != nil {
			uc.record(false, start, nil)
			return err
		}
		calls := resp.FirstToolCalls()

		// Terminal turn: plain content.
		if len(calls) == 0 {
			if err := uc.streamer.Synthesize(resp, w); err != nil {
				uc.record(false, start, body)
				return err
			}
			uc.record(true, start, body)
			return nil
		}

		// Calls the gateway cannot, or may no longer, run locally go
		// to the client as tool-call chunks.
		if !uc.handlesAll(calls) || round >= uc.cfg.ToolLoopLimit {
			if round >= uc.cfg.ToolLoopLimit {
				uc.logger.Warn("tool loop limit reached",
					zap.Int("limit", uc.cfg.ToolLoopLimit),
					zap.Int("pending_calls", len(calls)))
			}
			if err := uc.streamer.SynthesizeToolCalls(resp, w); err != nil {
				uc.record(false, start, body)
				return err
			}
			uc.record(true, start, body)
			return nil
		}

		outcomes, err := uc.executeCallsStreaming(ctx, calls, w)
		if err != nil {
			uc.record(false, start, nil)
			return err
		}

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
			uc.record(false, start, nil)
			return err
		}
	}
}

// executeCallsStreaming runs each call in order, relaying its start,
// result or error, and end events as data frames. Write failures abort
// the round; execution failures become outcomes the model will see.
func (uc *CompletionUseCase) executeCallsStreaming(ctx context.Context, calls []chat.ToolCall, w *streaming.Writer) ([]tool.Outcome, error) {
	v := tool.NewValidator(uc.executor.Registry())
	v.SetStrict(uc.cfg.StrictDecode)

	outcomes := make([]tool.Outcome, 0, len(calls))
	for _, call := range calls {
		out := tool.Outcome{Call: call}
		if err := v.ValidateCall(call); err != nil {
			out.Err = err
		} else {
			out.Result, out.Err = uc.executor.Execute(ctx, call)
		}

		id, name := call.ID, call.Function.Name
		events := []tool.Event{tool.StartEvent(id, name)}
		if out.Err != nil {
			events = append(events, tool.ErrorEvent(id, name, out.Err))
		} else {
			events = append(events, tool.ResultEvent(id, name, out.Result))
		}
		events = append(events, tool.EndEvent(id, name))

		for _, ev := range events {
			frame, err := json.Marshal(ev)
			if err != nil {
				return nil, apperrors.Wrap(err, apperrors.KindSerialization, "encode tool event")
			}
			if err := w.Data(frame); err != nil {
				return nil, err
			}
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, nil
}
