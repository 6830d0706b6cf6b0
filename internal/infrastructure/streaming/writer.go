package streaming

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	apperrors "github.com/nimbusllm/gateway/pkg/errors"
)

// State tracks the lifecycle of one SSE response.
type State int

const (
	StateIdle State = iota
	StateOpened
	StateEmitting
	StateClosing
	StateTerminated
)

const doneSentinel = "[DONE]"

// Writer encodes SSE frames onto the wire. Data frames advance
// Idle→Opened→Emitting, Finish marks Closing, and Done writes the
// single [DONE] terminator. Writes after termination are rejected.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
	state   State
}

func NewWriter(w io.Writer) *Writer {
	sw := &Writer{w: w}
	if f, ok := w.(http.Flusher); ok {
		sw.flusher = f
	}
	return sw
}

func (w *Writer) State() State { return w.state }

// Data writes one `data: <payload>` frame.
func (w *Writer) Data(payload []byte) error {
	if w.state == StateTerminated {
		return apperrors.NewInternal("data frame after stream terminated")
	}
	if _, err := fmt.Fprintf(w.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	w.flush()
	switch w.state {
	case StateIdle:
		w.state = StateOpened
	case StateOpened:
		w.state = StateEmitting
	}
	return nil
}

// Finish writes the closing chunk, the one carrying finish_reason.
func (w *Writer) Finish(payload []byte) error {
	if err := w.Data(payload); err != nil {
		return err
	}
	w.state = StateClosing
	return nil
}

// Ping writes a keep-alive comment line.
func (w *Writer) Ping() error {
	if w.state == StateTerminated {
		return apperrors.NewInternal("ping after stream terminated")
	}
	if _, err := io.WriteString(w.w, ": ping\n"); err != nil {
		return err
	}
	w.flush()
	return nil
}

// Done writes the terminator. A stream carries exactly one.
func (w *Writer) Done() error {
	if w.state == StateTerminated {
		return apperrors.NewInternal("duplicate stream terminator")
	}
	if _, err := fmt.Fprintf(w.w, "data: %s\n\n", doneSentinel); err != nil {
		return err
	}
	w.flush()
	w.state = StateTerminated
	return nil
}

func (w *Writer) flush() {
	if w.flusher != nil {
		w.flusher.Flush()
	}
}

// ErrorFrame renders an error as a data frame payload, using the same
// body shape as non-streaming error responses.
func ErrorFrame(kind, message string) []byte {
	payload, err := json.Marshal(map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    kind,
			"code":    nil,
		},
	})
	if err != nil {
		return []byte(`{"error":{"message":"stream failed","type":"internal_error","code":null}}`)
	}
	return payload
}
