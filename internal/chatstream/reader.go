package chatstream

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/goccy/go-json"
)

// DoneSentinel terminates a stream in the OpenAI style.
const DoneSentinel = "[DONE]"

// maxLineSize bounds a single SSE line.
const maxLineSize = 1 << 20

// Reader parses server-sent event frames into Events.
type Reader struct {
	scanner *bufio.Scanner
	done    bool
}

// NewReader reads events from r.
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Reader{scanner: scanner}
}

// Next returns the next event, or io.EOF once the stream ends or sends [DONE].
// Multi-line data fields are joined with newlines, comment lines are ignored and
// an `event:` field names the type when the payload does not.
func (r *Reader) Next() (Event, error) {
	if r.done {
		return Event{}, io.EOF
	}

	var data []string
	var name string
	for {
		if !r.scanner.Scan() {
			if err := r.scanner.Err(); err != nil {
				return Event{}, fmt.Errorf("read stream: %w", err)
			}
			r.done = true
			if len(data) == 0 {
				return Event{}, io.EOF
			}
			// final frame without a trailing blank line
			return r.decode(name, data)
		}

		line := strings.TrimRight(r.scanner.Text(), "\r")
		if line == "" {
			if len(data) == 0 {
				name = ""
				continue
			}
			return r.decode(name, data)
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			data = append(data, value)
		case "event":
			name = value
		}
	}
}

func (r *Reader) decode(name string, data []string) (Event, error) {
	payload := strings.Join(data, "\n")
	if strings.TrimSpace(payload) == DoneSentinel {
		r.done = true
		return Event{}, io.EOF
	}

	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return Event{}, &DecodeError{Payload: payload, Err: err}
	}
	if name != "" && name != "message" {
		ev.Type = EventType(name)
	}
	return ev, nil
}

// DecodeError is returned for a frame whose data is not a JSON event.
// The reader stays usable after it.
type DecodeError struct {
	Err     error
	Payload string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode event %q: %v", e.Payload, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err is a per-frame decode failure.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
