// Package work processes the work-ticket queue: it claims pending tickets and
// hands each one to the external workflow service that executes it.
package work

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	gojson "github.com/goccy/go-json"

	"github.com/thebtf/substrate/pkg/models"
)

// maxErrorBody bounds how much of a failing workflow response ends up in the ticket error.
const maxErrorBody = 512

// maxResultBytes caps a workflow response; anything larger fails the ticket.
const maxResultBytes = 4 << 20

// Dispatcher executes one ticket and returns its result document.
type Dispatcher interface {
	Dispatch(ctx context.Context, ticket *models.WorkTicket) (json.RawMessage, error)
}

// HTTPDispatcher POSTs tickets to the workflow service, one route per agent type.
type HTTPDispatcher struct {
	client  *http.Client
	routes  atomic.Pointer[map[string]string]
	baseURL string
	secret  string
}

// NewHTTPDispatcher creates a dispatcher for the workflow service at baseURL.
// secret is sent as a bearer token.
func NewHTTPDispatcher(baseURL, secret string, routes map[string]string, timeout time.Duration) *HTTPDispatcher {
	d := &HTTPDispatcher{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
	}
	d.SetRoutes(routes)
	return d
}

// SetRoutes atomically replaces the agent type → path table.
func (d *HTTPDispatcher) SetRoutes(routes map[string]string) {
	cp := make(map[string]string, len(routes))
	for k, v := range routes {
		cp[k] = v
	}
	d.routes.Store(&cp)
}

// Route returns the path for an agent type.
func (d *HTTPDispatcher) Route(agent models.AgentType) (string, bool) {
	routes := d.routes.Load()
	if routes == nil {
		return "", false
	}
	path, ok := (*routes)[string(agent)]
	return path, ok
}

// workflowRequest is the body sent to the workflow service.
type workflowRequest struct {
	TicketID    string           `json:"ticket_id"`
	WorkspaceID string           `json:"workspace_id"`
	AgentType   models.AgentType `json:"agent_type"`
	Title       string           `json:"title"`
	Payload     json.RawMessage  `json:"payload,omitempty"`
	Priority    int              `json:"priority"`
	Attempt     int              `json:"attempt"`
}

// Dispatch runs the ticket synchronously. Any non-2xx response is an error that
// carries the status and the start of the body; a 2xx body is the result.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, ticket *models.WorkTicket) (json.RawMessage, error) {
	path, ok := d.Route(ticket.AgentType)
	if !ok {
		return nil, fmt.Errorf("no workflow route for agent type %q", ticket.AgentType)
	}
	if d.baseURL == "" {
		return nil, fmt.Errorf("workflow base URL not configured")
	}

	body, err := gojson.Marshal(workflowRequest{
		TicketID:    ticket.ID,
		WorkspaceID: ticket.WorkspaceID,
		AgentType:   ticket.AgentType,
		Title:       ticket.Title,
		Payload:     ticket.Payload,
		Priority:    ticket.Priority,
		Attempt:     ticket.Attempts,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal ticket: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.secret != "" {
		req.Header.Set("Authorization", "Bearer "+d.secret)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call workflow: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResultBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read workflow response: %w", err)
	}
	if len(respBody) > maxResultBytes {
		return nil, fmt.Errorf("workflow returned %d: response exceeds %d bytes", resp.StatusCode, maxResultBytes)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("workflow returned %d: %s", resp.StatusCode, truncate(strings.TrimSpace(string(respBody)), maxErrorBody))
	}

	respBody = bytes.TrimSpace(respBody)
	if len(respBody) == 0 {
		return json.RawMessage(`{}`), nil
	}
	if !json.Valid(respBody) {
		return nil, fmt.Errorf("workflow returned invalid JSON: %s", truncate(string(respBody), maxErrorBody))
	}
	return json.RawMessage(respBody), nil
}

// truncate cuts s to at most n bytes on a rune boundary. Invalid UTF-8 is
// replaced first, since the result is stored in a text column.
func truncate(s string, n int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
