package chatstream

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nonFlusher struct{ http.ResponseWriter }

func TestWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)
	assert.False(t, w.Started())

	require.NoError(t, w.Write(Chunk("Hel")))
	require.NoError(t, w.Comment("keep-alive"))
	require.NoError(t, w.Write(Done("m-1", "Hello")))
	assert.True(t, w.Started())

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.True(t, rec.Flushed)

	body := rec.Body.String()
	assert.Contains(t, body, `data: {"type":"chunk","content":"Hel"}`+"\n\n")
	assert.Contains(t, body, ": keep-alive\n\n")
}

func TestWriter_SetStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)

	w.SetStatus(http.StatusPaymentRequired)
	require.NoError(t, w.Write(Event{Type: EventNeedsSparks, Balance: 1, Cost: 2}))
	w.SetStatus(http.StatusTeapot)

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Contains(t, rec.Body.String(), `"type":"needs_sparks"`)
}

func TestWriter_RequiresFlusher(t *testing.T) {
	_, err := NewWriter(nonFlusher{httptest.NewRecorder()})
	assert.ErrorIs(t, err, ErrStreamingUnsupported)
}

func TestReader_Frames(t *testing.T) {
	stream := strings.Join([]string{
		": connected",
		"",
		`data: {"type":"chunk","content":"Hi"}`,
		"",
		"event: visual_pending",
		`data: {"scene_id":"s-1",`,
		`data: "prompt":"a harbor at dusk"}`,
		"",
		`data: {"type":"done","message_id":"m-1"}`,
		"",
		"data: [DONE]",
		"",
		`data: {"type":"chunk","content":"after done"}`,
		"",
	}, "\n")

	r := NewReader(strings.NewReader(stream))

	ev, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, Chunk("Hi"), ev)

	ev, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, EventVisualPending, ev.Type)
	assert.Equal(t, "s-1", ev.SceneID)
	assert.Equal(t, "a harbor at dusk", ev.Prompt)

	ev, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, EventDone, ev.Type)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF, "nothing is read after [DONE]")
}

func TestReader_TrailingFrameAndCRLF(t *testing.T) {
	r := NewReader(strings.NewReader("data: {\"type\":\"chunk\",\"content\":\"x\"}\r\n\r\ndata: {\"type\":\"done\"}"))

	ev, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "x", ev.Content)

	ev, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, EventDone, ev.Type)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReader_DecodeError(t *testing.T) {
	r := NewReader(strings.NewReader("data: {broken\n\ndata: {\"type\":\"done\"}\n\n"))
	_, err := r.Next()
	assert.True(t, IsDecodeError(err))

	ev, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, EventDone, ev.Type)
}

func TestWriterReaderRoundTrip(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)

	sent := []Event{
		Chunk("Once "),
		Chunk("upon"),
		{Type: EventInstructionCard, Card: &InstructionCard{Title: "Your goal", Body: "Find the key."}},
		{Type: EventVisualPending, SceneID: "s-1", Prompt: "lighthouse"},
		{Type: EventEpisodeComplete, SessionID: "sess-1", TurnCount: 12, NextEpisodeID: "ep-2"},
		Done("m-9", "Once upon"),
	}
	for _, ev := range sent {
		require.NoError(t, w.Write(ev))
	}

	r := NewReader(rec.Body)
	for _, want := range sent {
		got, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestConsume(t *testing.T) {
	stream := strings.Join([]string{
		`data: {"type":"instruction_card","card":{"title":"Goal","body":"Escape"}}`,
		`data: {"type":"chunk","content":"The door "}`,
		`data: {"type":"mystery","content":"ignored"}`,
		`data: {"type":"chunk","content":"creaks."}`,
		`data: {"type":"visual_pending","scene_id":"s-1"}`,
		`data: {"type":"episode_complete","session_id":"sess-1","turn_count":12}`,
		`data: {"type":"done","message_id":"m-1","content":"The door creaks."}`,
		`data: {"type":"chunk","content":"never read"}`,
	}, "\n\n") + "\n\n"

	var deltas []string
	var doneText string
	acc, err := Consume(context.Background(), NewReader(strings.NewReader(stream)), Handler{
		OnChunk: func(delta string, _ *Accumulator) { deltas = append(deltas, delta) },
		OnDone:  func(_ Event, acc *Accumulator) { doneText = acc.Text() },
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"The door ", "creaks."}, deltas)
	assert.Equal(t, "The door creaks.", acc.Text())
	assert.Equal(t, "The door creaks.", doneText)
	assert.True(t, acc.Done)
	require.NotNil(t, acc.DoneEvent)
	assert.Equal(t, "m-1", acc.DoneEvent.MessageID)
	assert.Equal(t, []InstructionCard{{Title: "Goal", Body: "Escape"}}, acc.Cards)
	assert.Len(t, acc.Visuals, 1)
	require.NotNil(t, acc.Complete)
	assert.Equal(t, 12, acc.Complete.TurnCount)
	assert.Nil(t, acc.NeedsSparks)
}

func TestConsume_NeedsSparksThenEOF(t *testing.T) {
	stream := `data: {"type":"needs_sparks","balance":0,"cost":1}` + "\n\n"
	var got Event
	acc, err := Consume(context.Background(), NewReader(strings.NewReader(stream)), Handler{
		OnNeedsSparks: func(ev Event) { got = ev },
	})
	require.NoError(t, err)
	assert.False(t, acc.Done)
	require.NotNil(t, acc.NeedsSparks)
	assert.Equal(t, 1, got.Cost)
}

func TestConsume_ErrorEvent(t *testing.T) {
	stream := `data: {"type":"chunk","content":"par"}` + "\n\n" + `data: {"type":"error","error":"upstream closed"}` + "\n\n"
	acc, err := Consume(context.Background(), NewReader(strings.NewReader(stream)), Handler{})
	require.NoError(t, err)
	assert.Equal(t, []string{"upstream closed"}, acc.Errors)
	assert.Equal(t, "par", acc.Text())
}

func TestConsume_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Consume(ctx, NewReader(strings.NewReader(`data: {"type":"done"}`+"\n\n")), Handler{})
	assert.ErrorIs(t, err, context.Canceled)
}
