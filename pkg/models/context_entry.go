package models

import (
	"encoding/json"
	"strings"
	"time"
)

// ContextEntryType classifies a knowledge record attached to a workspace.
type ContextEntryType string

const (
	EntryProblem     ContextEntryType = "problem"
	EntryCustomer    ContextEntryType = "customer"
	EntryVision      ContextEntryType = "vision"
	EntryBrand       ContextEntryType = "brand"
	EntryCompetitor  ContextEntryType = "competitor"
	EntryTrendDigest ContextEntryType = "trend_digest"
	EntryMarketIntel ContextEntryType = "market_intel"
	EntryReference   ContextEntryType = "reference"
)

// singletonEntryTypes may appear at most once (unarchived) per workspace.
var singletonEntryTypes = map[ContextEntryType]bool{
	EntryProblem:  true,
	EntryCustomer: true,
	EntryVision:   true,
	EntryBrand:    true,
}

var repeatableEntryTypes = map[ContextEntryType]bool{
	EntryCompetitor:  true,
	EntryTrendDigest: true,
	EntryMarketIntel: true,
	EntryReference:   true,
}

// IsSingleton reports whether a workspace may hold only one active entry of this type.
func (t ContextEntryType) IsSingleton() bool { return singletonEntryTypes[t] }

// Valid reports whether t is a known entry type.
func (t ContextEntryType) Valid() bool {
	return singletonEntryTypes[t] || repeatableEntryTypes[t]
}

// ContextEntry is a structured knowledge record (problem, customer, vision, ...).
type ContextEntry struct {
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	ID          string           `json:"id"`
	WorkspaceID string           `json:"workspace_id"`
	EntryType   ContextEntryType `json:"entry_type"`
	Title       string           `json:"title"`
	Data        json.RawMessage  `json:"data,omitempty"`
	Tags        []string         `json:"tags"`
	Archived    bool             `json:"archived"`
}

// Validate checks an entry submitted for creation.
func (e *ContextEntry) Validate() error {
	if e.WorkspaceID == "" {
		return invalid("workspace_id", "required")
	}
	if !e.EntryType.Valid() {
		return invalid("entry_type", "unknown entry type "+string(e.EntryType))
	}
	e.Title = strings.TrimSpace(e.Title)
	if e.Title == "" {
		return invalid("title", "required")
	}
	if len(e.Data) > 0 && !json.Valid(e.Data) {
		return invalid("data", "must be valid JSON")
	}
	e.Tags = normalizeTags(e.Tags)
	return nil
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
