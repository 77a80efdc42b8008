package chatstream

import (
	"context"
	"errors"
	"io"
	"strings"
)

// Accumulator is the running state of one consumed turn.
type Accumulator struct {
	Complete    *Event
	NeedsSparks *Event
	DoneEvent   *Event
	text        strings.Builder
	Visuals     []Event
	Cards       []InstructionCard
	Errors      []string
	Done        bool
}

// Text returns the reply assembled from chunks so far.
func (a *Accumulator) Text() string { return a.text.String() }

// Handler receives events as they are consumed. Nil callbacks are skipped.
type Handler struct {
	OnChunk           func(delta string, acc *Accumulator)
	OnVisualPending   func(ev Event)
	OnInstructionCard func(card InstructionCard)
	OnNeedsSparks     func(ev Event)
	OnEpisodeComplete func(ev Event)
	OnDone            func(ev Event, acc *Accumulator)
	OnError           func(ev Event)
}

// Consume reads events until a done event, the end of the stream or ctx is cancelled.
// Chunk text is accumulated; every other event is recorded and handed to h.
// Unknown event types and undecodable frames are skipped.
func Consume(ctx context.Context, r *Reader, h Handler) (*Accumulator, error) {
	acc := &Accumulator{}
	for {
		if err := ctx.Err(); err != nil {
			return acc, err
		}

		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			return acc, nil
		}
		if IsDecodeError(err) {
			continue
		}
		if err != nil {
			return acc, err
		}

		switch ev.Type {
		case EventChunk:
			acc.text.WriteString(ev.Content)
			if h.OnChunk != nil {
				h.OnChunk(ev.Content, acc)
			}
		case EventVisualPending:
			acc.Visuals = append(acc.Visuals, ev)
			if h.OnVisualPending != nil {
				h.OnVisualPending(ev)
			}
		case EventInstructionCard:
			if ev.Card != nil {
				acc.Cards = append(acc.Cards, *ev.Card)
				if h.OnInstructionCard != nil {
					h.OnInstructionCard(*ev.Card)
				}
			}
		case EventNeedsSparks:
			e := ev
			acc.NeedsSparks = &e
			if h.OnNeedsSparks != nil {
				h.OnNeedsSparks(ev)
			}
		case EventEpisodeComplete:
			e := ev
			acc.Complete = &e
			if h.OnEpisodeComplete != nil {
				h.OnEpisodeComplete(ev)
			}
		case EventError:
			acc.Errors = append(acc.Errors, ev.Error)
			if h.OnError != nil {
				h.OnError(ev)
			}
		case EventDone:
			e := ev
			acc.Done = true
			acc.DoneEvent = &e
			if h.OnDone != nil {
				h.OnDone(ev, acc)
			}
			return acc, nil
		}
	}
}
