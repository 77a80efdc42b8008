package chatstream

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"
)

// ErrStreamingUnsupported is returned when the ResponseWriter cannot flush.
var ErrStreamingUnsupported = errors.New("streaming not supported")

// Writer writes events to an HTTP response as server-sent events.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
	status  int
	started bool
}

// NewWriter wraps w. It fails if w cannot flush; headers are sent on the first event.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	return &Writer{w: w, flusher: flusher, status: http.StatusOK}, nil
}

// SetStatus changes the status code sent with the headers. It has no effect
// once the stream has started.
func (sw *Writer) SetStatus(code int) {
	if !sw.started {
		sw.status = code
	}
}

// Started reports whether any bytes have been sent. After that the status code
// can no longer change.
func (sw *Writer) Started() bool { return sw.started }

func (sw *Writer) start() {
	if sw.started {
		return
	}
	h := sw.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	sw.w.WriteHeader(sw.status)
	sw.started = true
}

// Write sends one event as a `data:` frame and flushes it.
func (sw *Writer) Write(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	sw.start()
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	sw.flusher.Flush()
	return nil
}

// Comment sends an SSE comment line, used as a keep-alive.
func (sw *Writer) Comment(text string) error {
	sw.start()
	if _, err := fmt.Fprintf(sw.w, ": %s\n\n", text); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}
