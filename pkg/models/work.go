package models

import (
	"encoding/json"
	"strings"
	"time"
)

// TicketStatus tracks a work ticket through pending → running → completed/failed.
type TicketStatus string

const (
	TicketPending   TicketStatus = "pending"
	TicketRunning   TicketStatus = "running"
	TicketCompleted TicketStatus = "completed"
	TicketFailed    TicketStatus = "failed"
	TicketCancelled TicketStatus = "cancelled"
)

// AllTicketStatuses lists every status, in lifecycle order.
var AllTicketStatuses = []TicketStatus{
	TicketPending, TicketRunning, TicketCompleted, TicketFailed, TicketCancelled,
}

// Valid reports whether s is a known status.
func (s TicketStatus) Valid() bool {
	for _, known := range AllTicketStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// AgentType selects which workflow handles a ticket.
type AgentType string

const (
	AgentResearch  AgentType = "research"
	AgentContent   AgentType = "content"
	AgentReporting AgentType = "reporting"
)

// MaxTicketPriority bounds ticket priority; higher runs first.
const MaxTicketPriority = 10

// WorkTicket is a queued unit of agent work.
type WorkTicket struct {
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	ClaimedAt   *time.Time      `json:"claimed_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	ID          string          `json:"id"`
	WorkspaceID string          `json:"workspace_id"`
	AgentType   AgentType       `json:"agent_type"`
	Title       string          `json:"title"`
	Status      TicketStatus    `json:"status"`
	Error       string          `json:"error,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
}

// Validate checks a ticket submitted for creation.
func (t *WorkTicket) Validate() error {
	if t.WorkspaceID == "" {
		return invalid("workspace_id", "required")
	}
	switch t.AgentType {
	case AgentResearch, AgentContent, AgentReporting:
	case "":
		return invalid("agent_type", "required")
	default:
		return invalid("agent_type", "unknown agent type "+string(t.AgentType))
	}
	t.Title = strings.TrimSpace(t.Title)
	if t.Title == "" {
		return invalid("title", "required")
	}
	if t.Priority < 0 || t.Priority > MaxTicketPriority {
		return invalid("priority", "must be between 0 and 10")
	}
	if len(t.Payload) > 0 && !json.Valid(t.Payload) {
		return invalid("payload", "must be valid JSON")
	}
	return nil
}

// TicketOutcome reports what happened to one ticket in a processing batch.
type TicketOutcome struct {
	TicketID string       `json:"ticket_id"`
	Status   TicketStatus `json:"status"`
	Error    string       `json:"error,omitempty"`
	Skipped  bool         `json:"skipped,omitempty"`
}

// BatchSummary is the result of one queue-processing pass.
type BatchSummary struct {
	Tickets   []TicketOutcome `json:"tickets"`
	Processed int             `json:"processed"`
	Completed int             `json:"completed"`
	Failed    int             `json:"failed"`
	Skipped   int             `json:"skipped"`
}
