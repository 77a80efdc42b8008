package cli

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/substrate/internal/chatstream"
	"github.com/thebtf/substrate/pkg/models"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

// run executes the CLI against handler and returns what it printed.
func run(t *testing.T, handler http.Handler, stdin string, args ...string) (string, error) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	var out bytes.Buffer
	root := RootCmd("v1.2.0")
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--url", server.URL, "--user", "u1", "--secret", "s3cret"}, args...))
	err := root.Execute()
	return out.String(), err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestHealthCmd(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "version": "v1.3.0", "uptime": "5s"})
	})

	out, err := run(t, mux, "", "health")
	require.NoError(t, err)
	assert.Contains(t, out, "Status:  ready")
	assert.Contains(t, out, "Uptime:  5s")
	assert.Contains(t, out, "warning: CLI v1.2.0 does not match worker v1.3.0")
}

func TestHealthCmd_Unreachable(t *testing.T) {
	var out bytes.Buffer
	root := RootCmd("dev")
	root.SetOut(&out)
	root.SetArgs([]string{"--url", "http://127.0.0.1:1", "health"})
	require.Error(t, root.Execute())
	assert.Contains(t, out.String(), "worker unreachable")
}

func TestSessionStart(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/episodes/ep-1/sessions", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "u1", r.Header.Get("X-User-ID"))
		writeJSON(w, http.StatusCreated, models.Session{ID: "s1", Status: models.SessionActive})
	})

	out, err := run(t, mux, "", "session", "start", "--episode", "ep-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Session s1 (active, turn 0)")
	assert.Contains(t, out, "substrate chat --session s1")
}

func TestSessionStart_RequiresEpisode(t *testing.T) {
	_, err := run(t, http.NotFoundHandler(), "", "session", "start")
	assert.Error(t, err)
}

func TestSparksCmd(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sparks", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"balance": models.SparkBalance{Balance: 7},
			"transactions": []models.SparkTransaction{
				{Delta: -1, Reason: "chat_turn"},
				{Delta: 10, Reason: "grant"},
			},
		})
	})

	out, err := run(t, mux, "", "session", "sparks")
	require.NoError(t, err)
	assert.Contains(t, out, "Balance: 7")
	assert.Contains(t, out, "-1  chat_turn")
	assert.Contains(t, out, "+10  grant")
}

func TestTicketsList(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/work/tickets", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "failed", r.URL.Query().Get("status"))
		writeJSON(w, http.StatusOK, []models.WorkTicket{
			{ID: "t1", WorkspaceID: "acme", Status: models.TicketFailed, Priority: 3, Title: "Research competitors"},
		})
	})

	out, err := run(t, mux, "", "tickets", "list", "--status", "failed")
	require.NoError(t, err)
	assert.Contains(t, out, "STATUS")
	assert.Contains(t, out, "t1")
	assert.Contains(t, out, "Research competitors")
}

func TestTicketsList_Empty(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/work/tickets", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []models.WorkTicket{})
	})

	out, err := run(t, mux, "", "tickets", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No tickets found")
}

func TestTicketsList_BadStatus(t *testing.T) {
	_, err := run(t, http.NotFoundHandler(), "", "tickets", "list", "--status", "sleeping")
	assert.ErrorContains(t, err, `unknown status "sleeping"`)
}

func TestTicketsCreate(t *testing.T) {
	payloadFile := filepath.Join(t.TempDir(), "payload.json")
	require.NoError(t, os.WriteFile(payloadFile, []byte(`{"topic":"pricing"}`), 0o600))

	mux := http.NewServeMux()
	mux.HandleFunc("/api/work/tickets", func(w http.ResponseWriter, r *http.Request) {
		var in map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "acme", in["workspace_id"])
		assert.Equal(t, "content", in["agent_type"])
		assert.Equal(t, "Write the pricing page", in["title"])
		assert.Equal(t, map[string]any{"topic": "pricing"}, in["payload"])
		writeJSON(w, http.StatusCreated, models.WorkTicket{ID: "t2", Title: "Write the pricing page"})
	})

	out, err := run(t, mux, "", "tickets", "create", "--workspace", "acme", "--agent", "content",
		"--payload", "@"+payloadFile, "Write", "the", "pricing", "page")
	require.NoError(t, err)
	assert.Contains(t, out, "Created ticket t2: Write the pricing page")
}

func TestReadPayload(t *testing.T) {
	raw, err := readPayload(`{"a":1}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(raw))

	_, err = readPayload(`{not json`)
	assert.Error(t, err)

	_, err = readPayload("@" + filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "read payload")
}

func TestWorkProcess(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/work/process", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, models.BatchSummary{
			Processed: 2, Completed: 1, Failed: 1,
			Tickets: []models.TicketOutcome{
				{TicketID: "t1", Status: models.TicketCompleted},
				{TicketID: "t2", Status: models.TicketFailed, Error: "agent timed out"},
			},
		})
	})

	out, err := run(t, mux, "", "work", "process", "--limit", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "Processed 2: 1 completed, 1 failed, 0 skipped")
	assert.Contains(t, out, "agent timed out")
}

func chatServer(t *testing.T, turns ...[]chatstream.Event) http.Handler {
	t.Helper()
	i := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sessions/s1/chat", func(w http.ResponseWriter, r *http.Request) {
		require.Less(t, i, len(turns), "unexpected chat turn")
		events := turns[i]
		i++

		sw, err := chatstream.NewWriter(w)
		require.NoError(t, err)
		for _, ev := range events {
			if ev.Type == chatstream.EventNeedsSparks {
				sw.SetStatus(http.StatusPaymentRequired)
			}
			require.NoError(t, sw.Write(ev))
		}
	})
	return mux
}

func TestChat_REPL(t *testing.T) {
	handler := chatServer(t,
		[]chatstream.Event{
			{Type: chatstream.EventInstructionCard, Card: &chatstream.InstructionCard{Title: "Episode 1", Body: "Find the key."}},
			chatstream.Chunk("Hello, "),
			chatstream.Chunk("traveler."),
			chatstream.Done("m1", "Hello, traveler."),
		},
		[]chatstream.Event{
			{Type: chatstream.EventNeedsSparks, Balance: 0, Cost: 1},
		},
	)

	out, err := run(t, handler, "hi\n\nagain\n/quit\n", "chat", "--session", "s1")
	require.NoError(t, err)
	assert.Contains(t, out, "Episode 1\nFind the key.")
	assert.Contains(t, out, "Hello, traveler.")
	assert.Contains(t, out, "You need 1 spark(s) to continue; balance is 0.")
}

func TestChat_EndsOnEpisodeComplete(t *testing.T) {
	handler := chatServer(t,
		[]chatstream.Event{
			chatstream.Chunk("Farewell."),
			{Type: chatstream.EventEpisodeComplete, TurnCount: 10, NextEpisodeID: "ep-2"},
			chatstream.Done("m9", "Farewell."),
		},
	)

	// the second line is never sent
	out, err := run(t, handler, "bye\nstill there?\n", "chat", "--session", "s1")
	require.NoError(t, err)
	assert.Contains(t, out, "Episode complete after 10 turns.")
	assert.Contains(t, out, "substrate session start --episode ep-2")
}

func TestChat_RateLimitedContinues(t *testing.T) {
	calls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sessions/s1/chat", func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "slow down", "code": "rate_limited"})
	})

	out, err := run(t, mux, "one\ntwo\n", "chat", "--session", "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Contains(t, out, "Slow down a little")
}

func TestChat_FatalError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sessions/s1/chat", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found", "code": "not_found"})
	})

	_, err := run(t, mux, "hello\n", "chat", "--session", "s1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}
