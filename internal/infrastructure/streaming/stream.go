package streaming

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nimbusllm/gateway/internal/domain/chat"
	apperrors "github.com/nimbusllm/gateway/pkg/errors"
)

const (
	defaultKeepAlive   = 30 * time.Second
	defaultIdleTimeout = 300 * time.Second
	defaultBufferSize  = 16
	sniffBytes         = 512
)

// Config bounds one relayed stream.
type Config struct {
	// KeepAlive is the idle gap after which a ping comment is written.
	KeepAlive time.Duration
	// IdleTimeout caps how long an upstream read may stall.
	IdleTimeout time.Duration
	// BufferSize is the frame channel capacity between the upstream
	// reader and the client writer.
	BufferSize int
}

// Streamer relays or synthesizes SSE responses.
type Streamer struct {
	cfg    Config
	logger *zap.Logger
}

func NewStreamer(cfg Config, logger *zap.Logger) *Streamer {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	return &Streamer{cfg: cfg, logger: logger.With(zap.String("component", "streaming"))}
}

// Passthrough re-emits upstream data frames until the upstream
// terminator or EOF, then writes this stream's single terminator.
// Non-data lines (comments, event names, blanks) are dropped. Upstream
// stalls beyond the idle timeout surface as an error frame.
func (s *Streamer) Passthrough(ctx context.Context, upstream io.ReadCloser, w *Writer) error {
	defer upstream.Close()

	// Unblock the scanner when the client goes away.
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		select {
		case <-ctx.Done():
			upstream.Close()
		case <-watchdogDone:
		}
	}()

	frames := make(chan []byte, s.cfg.BufferSize)
	scanErr := make(chan error, 1)

	go func() {
		defer close(frames)
		scanner := bufio.NewScanner(&timedReader{r: upstream, timeout: s.cfg.IdleTimeout})
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == doneSentinel {
				return
			}
			select {
			case frames <- []byte(payload):
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			scanErr <- err
		}
	}()

	keepAlive := time.NewTimer(s.cfg.KeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case payload, ok := <-frames:
			if !ok {
				select {
				case err := <-scanErr:
					s.logger.Warn("upstream stream failed", zap.Error(err))
					kind := string(apperrors.KindUpstream)
					msg := "upstream stream failed"
					if err == errIdleTimeout {
						msg = "upstream stream stalled"
					}
					if werr := w.Data(ErrorFrame(kind, msg)); werr != nil {
						return werr
					}
				default:
				}
				return w.Done()
			}
			if err := w.Data(payload); err != nil {
				return err
			}
			if !keepAlive.Stop() {
				select {
				case <-keepAlive.C:
				default:
				}
			}
			keepAlive.Reset(s.cfg.KeepAlive)
		case <-keepAlive.C:
			if err := w.Ping(); err != nil {
				return err
			}
			keepAlive.Reset(s.cfg.KeepAlive)
		case <-ctx.Done():
			return apperrors.Wrap(ctx.Err(), apperrors.KindInternal, "client disconnected")
		}
	}
}

// Synthesize writes the three-event sequence for a backend that
// answered with a plain completion body: one delta carrying the role
// and full content, one closing chunk with finish_reason and usage,
// and the terminator.
func (s *Streamer) Synthesize(resp *chat.ChatResponse, w *Writer) error {
	first, finish, err := SynthesizeChunks(resp)
	if err != nil {
		return err
	}
	if err := w.Data(first); err != nil {
		return err
	}
	if err := w.Finish(finish); err != nil {
		return err
	}
	return w.Done()
}

// SynthesizeChunks renders the two data payloads derived from a
// completion envelope. Both chunks reuse the envelope's id, creation
// time and model.
func SynthesizeChunks(resp *chat.ChatResponse) (first, finish []byte, err error) {
	delta := chat.ChunkResponse{
		ID:      resp.ID,
		Object:  chat.ObjectChunk,
		Created: resp.Created,
		Model:   resp.Model,
		Choices: []chat.ChunkChoice{{
			Index: 0,
			Delta: chat.Delta{Role: chat.RoleAssistant, Content: resp.FirstContent()},
		}},
	}
	first, err = json.Marshal(&delta)
	if err != nil {
		return nil, nil, apperrors.Wrap(err, apperrors.KindSerialization, "encode stream chunk")
	}

	reason := chat.FinishStop
	closing := chat.ChunkResponse{
		ID:      resp.ID,
		Object:  chat.ObjectChunk,
		Created: resp.Created,
		Model:   resp.Model,
		Choices: []chat.ChunkChoice{{
			Index:        0,
			Delta:        chat.Delta{},
			FinishReason: &reason,
		}},
		Usage: resp.Usage,
	}
	finish, err = json.Marshal(&closing)
	if err != nil {
		return nil, nil, apperrors.Wrap(err, apperrors.KindSerialization, "encode stream chunk")
	}
	return first, finish, nil
}

// SynthesizeToolCalls is Synthesize for a completion that stopped on
// tool calls the client must run itself.
func (s *Streamer) SynthesizeToolCalls(resp *chat.ChatResponse, w *Writer) error {
	first, finish, err := SynthesizeToolCallChunks(resp)
	if err != nil {
		return err
	}
	if err := w.Data(first); err != nil {
		return err
	}
	if err := w.Finish(finish); err != nil {
		return err
	}
	return w.Done()
}

// SynthesizeToolCallChunks renders the chunk pair for a tool-call
// stop: one delta carrying every call whole, one closing chunk with
// the tool_calls finish reason.
func SynthesizeToolCallChunks(resp *chat.ChatResponse) (first, finish []byte, err error) {
	calls := resp.FirstToolCalls()
	fragments := make([]chat.ToolCallDelta, len(calls))
	for i, call := range calls {
		fragments[i] = chat.ToolCallDelta{
			Index: i,
			ID:    call.ID,
			Type:  call.Type,
			Function: &chat.FunctionCallDelta{
				Name:      call.Function.Name,
				Arguments: call.Function.Arguments,
			},
		}
	}

	delta := chat.ChunkResponse{
		ID:      resp.ID,
		Object:  chat.ObjectChunk,
		Created: resp.Created,
		Model:   resp.Model,
		Choices: []chat.ChunkChoice{{
			Index: 0,
			Delta: chat.Delta{Role: chat.RoleAssistant, Content: resp.FirstContent(), ToolCalls: fragments},
		}},
	}
	first, err = json.Marshal(&delta)
	if err != nil {
		return nil, nil, apperrors.Wrap(err, apperrors.KindSerialization, "encode stream chunk")
	}

	reason := chat.FinishToolCalls
	closing := chat.ChunkResponse{
		ID:      resp.ID,
		Object:  chat.ObjectChunk,
		Created: resp.Created,
		Model:   resp.Model,
		Choices: []chat.ChunkChoice{{
			Index:        0,
			Delta:        chat.Delta{},
			FinishReason: &reason,
		}},
		Usage: resp.Usage,
	}
	finish, err = json.Marshal(&closing)
	if err != nil {
		return nil, nil, apperrors.Wrap(err, apperrors.KindSerialization, "encode stream chunk")
	}
	return first, finish, nil
}

// SniffSSE peeks at the start of a backend stream and reports whether
// it already speaks SSE. The returned reader replays the peeked bytes.
func SniffSSE(r io.Reader) (bool, *bufio.Reader) {
	br := bufio.NewReader(r)
	peek, _ := br.Peek(sniffBytes)
	return bytes.Contains(peek, []byte("data:")), br
}

var errIdleTimeout = apperrors.NewDeadlineExceeded("upstream read idle timeout")

// timedReader fails a Read that stalls longer than the timeout. The
// abandoned Read goroutine exits once the underlying reader is closed.
type timedReader struct {
	r       io.Reader
	timeout time.Duration
}

type readResult struct {
	n   int
	err error
}

func (t *timedReader) Read(p []byte) (int, error) {
	done := make(chan readResult, 1)
	go func() {
		n, err := t.r.Read(p)
		done <- readResult{n: n, err: err}
	}()
	select {
	case res := <-done:
		return res.n, res.err
	case <-time.After(t.timeout):
		return 0, errIdleTimeout
	}
}
