package models

import "time"

// CharacterStat is one row of the admin "top characters" table.
type CharacterStat struct {
	CharacterID string `json:"character_id"`
	Name        string `json:"name"`
	Sessions    int64  `json:"sessions"`
	Messages    int64  `json:"messages"`
}

// AdminStats backs the admin analytics dashboard.
type AdminStats struct {
	GeneratedAt       time.Time              `json:"generated_at"`
	TicketsByStatus   map[TicketStatus]int64 `json:"tickets_by_status"`
	TopCharacters     []CharacterStat        `json:"top_characters"`
	Users             int64                  `json:"users"`
	Sessions          int64                  `json:"sessions"`
	ActiveSessions    int64                  `json:"active_sessions"`
	CompletedSessions int64                  `json:"completed_sessions"`
	Messages          int64                  `json:"messages"`
	SparksSpent       int64                  `json:"sparks_spent"`
}
