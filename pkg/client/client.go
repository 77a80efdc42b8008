// Package client is a typed HTTP client for the substrate worker API.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/thebtf/substrate/internal/chatstream"
	"github.com/thebtf/substrate/pkg/models"
)

const (
	// DefaultBaseURL is the worker's address on a development machine.
	DefaultBaseURL = "http://127.0.0.1:8787"

	// DefaultTimeout bounds every non-streaming request.
	DefaultTimeout = 30 * time.Second

	// UserIDHeader carries the caller's identity.
	UserIDHeader = "X-User-ID"
)

// APIError is a non-2xx answer from the worker.
type APIError struct {
	Code    string
	Message string
	Status  int
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("worker returned %d", e.Status)
	}
	return fmt.Sprintf("worker returned %d: %s", e.Status, e.Message)
}

// Unwrap maps the error code back onto the model sentinels, so callers can
// use errors.Is(err, models.ErrNotFound) on the client side too.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case "invalid_input":
		return models.ErrInvalidInput
	case "unauthorized":
		return models.ErrUnauthorized
	case "insufficient_sparks":
		return models.ErrInsufficientSparks
	case "not_found":
		return models.ErrNotFound
	case "conflict":
		return models.ErrConflict
	case "rate_limited":
		return models.ErrRateLimited
	}
	switch e.Status {
	case http.StatusBadRequest:
		return models.ErrInvalidInput
	case http.StatusUnauthorized:
		return models.ErrUnauthorized
	case http.StatusPaymentRequired:
		return models.ErrInsufficientSparks
	case http.StatusNotFound:
		return models.ErrNotFound
	case http.StatusConflict:
		return models.ErrConflict
	case http.StatusTooManyRequests:
		return models.ErrRateLimited
	}
	return nil
}

// Client talks to one worker.
type Client struct {
	http    *http.Client
	stream  *http.Client
	baseURL string
	userID  string
	secret  string
}

// Option configures a Client.
type Option func(*Client)

// WithUserID sets the X-User-ID sent on user-scoped calls.
func WithUserID(id string) Option { return func(c *Client) { c.userID = id } }

// WithCronSecret sets the bearer secret for service-to-service calls.
func WithCronSecret(secret string) Option { return func(c *Client) { c.secret = secret } }

// WithHTTPClient replaces the client used for both plain and streaming calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
		c.stream = hc
	}
}

// New creates a client for the worker at baseURL.
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
		// Streams last as long as the turn; ctx bounds them.
		stream: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health is the body of GET /api/health.
type Health struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// Health fetches the worker's health.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, "/api/health", nil, false, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// ChatStream is an open chat turn. Close it when done.
type ChatStream struct {
	*chatstream.Reader
	body io.ReadCloser
	// Status is 200, or 402 when the stream only carries needs_sparks.
	Status int
}

// Close releases the connection.
func (s *ChatStream) Close() error { return s.body.Close() }

// Chat sends one message and returns the event stream of the reply.
func (c *Client) Chat(ctx context.Context, sessionID, text string) (*ChatStream, error) {
	body, err := json.Marshal(map[string]string{"content": text})
	if err != nil {
		return nil, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(sessionID)+"/chat", body, false)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat request: %w", err)
	}
	isStream := strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")
	if isStream && (resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPaymentRequired) {
		return &ChatStream{
			Reader: chatstream.NewReader(resp.Body),
			body:   resp.Body,
			Status: resp.StatusCode,
		}, nil
	}
	defer resp.Body.Close()
	return nil, readAPIError(resp)
}

// ProcessWork runs one pass of the work queue. limit <= 0 uses the worker's default.
func (c *Client) ProcessWork(ctx context.Context, limit int) (*models.BatchSummary, error) {
	path := "/api/work/process"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var summary models.BatchSummary
	if err := c.do(ctx, http.MethodPost, path, nil, true, &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// TicketQuery filters ListTickets. Zero fields are not sent.
type TicketQuery struct {
	WorkspaceID string
	Status      models.TicketStatus
	AgentType   models.AgentType
	Limit       int
}

// ListTickets lists work tickets, newest first.
func (c *Client) ListTickets(ctx context.Context, q TicketQuery) ([]*models.WorkTicket, error) {
	v := url.Values{}
	if q.WorkspaceID != "" {
		v.Set("workspace_id", q.WorkspaceID)
	}
	if q.Status != "" {
		v.Set("status", string(q.Status))
	}
	if q.AgentType != "" {
		v.Set("agent_type", string(q.AgentType))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	path := "/api/work/tickets"
	if len(v) > 0 {
		path += "?" + v.Encode()
	}
	var tickets []*models.WorkTicket
	if err := c.do(ctx, http.MethodGet, path, nil, false, &tickets); err != nil {
		return nil, err
	}
	return tickets, nil
}

// NewTicket is the input of CreateTicket.
type NewTicket struct {
	WorkspaceID string           `json:"workspace_id"`
	AgentType   models.AgentType `json:"agent_type"`
	Title       string           `json:"title"`
	Payload     json.RawMessage  `json:"payload,omitempty"`
	Priority    int              `json:"priority"`
}

// CreateTicket enqueues a work ticket.
func (c *Client) CreateTicket(ctx context.Context, t NewTicket) (*models.WorkTicket, error) {
	var created models.WorkTicket
	if err := c.do(ctx, http.MethodPost, "/api/work/tickets", t, false, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// StartSession opens (or resumes) a playthrough of an episode.
func (c *Client) StartSession(ctx context.Context, episodeID string) (*models.Session, error) {
	var s models.Session
	if err := c.do(ctx, http.MethodPost, "/api/episodes/"+url.PathEscape(episodeID)+"/sessions", nil, false, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Sparks is the caller's balance plus recent ledger lines.
type Sparks struct {
	Balance      *models.SparkBalance       `json:"balance"`
	Transactions []*models.SparkTransaction `json:"transactions"`
}

// Sparks fetches the caller's spark balance.
func (c *Client) Sparks(ctx context.Context) (*Sparks, error) {
	var s Sparks
	if err := c.do(ctx, http.MethodGet, "/api/sparks", nil, false, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte, cron bool) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cron {
		req.Header.Set("Authorization", "Bearer "+c.secret)
	} else if c.userID != "" {
		req.Header.Set(UserIDHeader, c.userID)
	}
	return req, nil
}

// do sends a JSON request and decodes a JSON answer into out.
func (c *Client) do(ctx context.Context, method, path string, in any, cron bool, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	req, err := c.newRequest(ctx, method, path, body, cron)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return readAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if json.Unmarshal(raw, &body) == nil && (body.Error != "" || body.Code != "") {
		apiErr.Message = body.Error
		apiErr.Code = body.Code
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return apiErr
}

// IsUnavailable reports whether err means the worker could not be reached or
// is still initializing.
func IsUnavailable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusServiceUnavailable
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
