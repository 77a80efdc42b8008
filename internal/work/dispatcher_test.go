package work

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/substrate/pkg/models"
)

func testTicket() *models.WorkTicket {
	return &models.WorkTicket{
		ID:          "t-1",
		WorkspaceID: "ws-1",
		AgentType:   models.AgentResearch,
		Title:       "Market scan",
		Priority:    3,
		Attempts:    1,
		Payload:     json.RawMessage(`{"topic":"ev chargers"}`),
	}
}

func TestHTTPDispatcher_Success(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"summary":"done"}`))
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(srv.URL+"/", "s3cret", map[string]string{"research": "/workflows/research"}, time.Second)
	result, err := d.Dispatch(context.Background(), testTicket())
	require.NoError(t, err)

	assert.JSONEq(t, `{"summary":"done"}`, string(result))
	assert.Equal(t, "/workflows/research", gotPath)
	assert.Equal(t, "Bearer s3cret", gotAuth)
	assert.Equal(t, "t-1", gotBody["ticket_id"])
	assert.Equal(t, map[string]any{"topic": "ev chargers"}, gotBody["payload"])
}

func TestHTTPDispatcher_EmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(srv.URL, "", map[string]string{"research": "/r"}, time.Second)
	result, err := d.Dispatch(context.Background(), testTicket())
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(result))
}

func TestHTTPDispatcher_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		http.Error(w, strings.Repeat("x", 2000), http.StatusBadGateway)
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(srv.URL, "", map[string]string{"research": "/r"}, time.Second)
	_, err := d.Dispatch(context.Background(), testTicket())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Less(t, len(err.Error()), 600, "body is truncated")
}

func TestHTTPDispatcher_Non2xxMultibyteBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusBadGateway)
		// the 512-byte cut lands inside a two-byte rune
		_, _ = io.WriteString(w, "x"+strings.Repeat("é", 400))
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(srv.URL, "", map[string]string{"research": "/r"}, time.Second)
	_, err := d.Dispatch(context.Background(), testTicket())
	require.Error(t, err)
	assert.True(t, utf8.ValidString(err.Error()), "error text must be storable in a text column")
	assert.True(t, strings.HasSuffix(err.Error(), "é..."))
}

func TestHTTPDispatcher_OversizedResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		_, _ = io.WriteString(w, `{"blob":"`+strings.Repeat("a", maxResultBytes)+`"}`)
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(srv.URL, "", map[string]string{"research": "/r"}, 5*time.Second)
	_, err := d.Dispatch(context.Background(), testTicket())
	assert.ErrorContains(t, err, "exceeds")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "ab...", truncate("abcdef", 2))
	assert.Equal(t, "a...", truncate("aé", 2))
	assert.Equal(t, "a\uFFFDb", truncate("a\xffb", 10))
}

func TestHTTPDispatcher_InvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(srv.URL, "", map[string]string{"research": "/r"}, time.Second)
	_, err := d.Dispatch(context.Background(), testTicket())
	assert.ErrorContains(t, err, "invalid JSON")
}

func TestHTTPDispatcher_UnknownAgent(t *testing.T) {
	d := NewHTTPDispatcher("http://127.0.0.1:1", "", map[string]string{"content": "/c"}, time.Second)
	_, err := d.Dispatch(context.Background(), testTicket())
	assert.ErrorContains(t, err, "no workflow route")
}

func TestHTTPDispatcher_SetRoutesCopies(t *testing.T) {
	routes := map[string]string{"research": "/a"}
	d := NewHTTPDispatcher("http://x", "", routes, time.Second)
	routes["research"] = "/mutated"

	path, ok := d.Route(models.AgentResearch)
	assert.True(t, ok)
	assert.Equal(t, "/a", path)

	d.SetRoutes(map[string]string{"research": "/b"})
	path, _ = d.Route(models.AgentResearch)
	assert.Equal(t, "/b", path)
}
