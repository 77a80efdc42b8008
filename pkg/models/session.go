package models

import (
	"strings"
	"time"
)

// SessionStatus is the lifecycle state of a user's playthrough of an episode.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
)

// Session is a bounded conversation between one user and one character inside an episode.
type Session struct {
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	ID          string        `json:"id"`
	UserID      string        `json:"user_id"`
	EpisodeID   string        `json:"episode_id"`
	CharacterID string        `json:"character_id"`
	Status      SessionStatus `json:"status"`
	TurnCount   int           `json:"turn_count"`
}

// MessageRole identifies who authored a message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// MaxMessageLength bounds a single user message.
const MaxMessageLength = 4000

// Message is one utterance within a session.
type Message struct {
	CreatedAt  time.Time   `json:"created_at"`
	ID         string      `json:"id"`
	SessionID  string      `json:"session_id"`
	Role       MessageRole `json:"role"`
	Content    string      `json:"content"`
	TokenCount int         `json:"token_count"`
}

// ValidateUserText trims and bounds a chat message from a user.
func ValidateUserText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", invalid("content", "required")
	}
	if len(text) > MaxMessageLength {
		return "", invalid("content", "too long")
	}
	return text, nil
}

// RelationshipStage is derived from accumulated progress.
type RelationshipStage string

const (
	StageAcquaintance RelationshipStage = "acquaintance"
	StageFriendly     RelationshipStage = "friendly"
	StageClose        RelationshipStage = "close"
	StageIntimate     RelationshipStage = "intimate"
)

// StageForProgress maps progress points onto a stage.
func StageForProgress(progress int) RelationshipStage {
	switch {
	case progress >= 60:
		return StageIntimate
	case progress >= 30:
		return StageClose
	case progress >= 10:
		return StageFriendly
	default:
		return StageAcquaintance
	}
}

// Relationship tracks how far a user has come with a character.
type Relationship struct {
	LastInteractionAt time.Time         `json:"last_interaction_at"`
	ID                string            `json:"id"`
	UserID            string            `json:"user_id"`
	CharacterID       string            `json:"character_id"`
	Stage             RelationshipStage `json:"stage"`
	Progress          int               `json:"progress"`
	TotalSessions     int               `json:"total_sessions"`
	TotalMessages     int               `json:"total_messages"`
}

// SceneStatus is the generation state of a scene visual.
type SceneStatus string

const (
	ScenePending SceneStatus = "pending"
	SceneReady   SceneStatus = "ready"
	SceneFailed  SceneStatus = "failed"
)

// Scene is a generated visual for a moment in a session.
type Scene struct {
	CreatedAt time.Time   `json:"created_at"`
	ID        string      `json:"id"`
	SessionID string      `json:"session_id"`
	Prompt    string      `json:"prompt"`
	ImageURL  string      `json:"image_url,omitempty"`
	Status    SceneStatus `json:"status"`
	TurnIndex int         `json:"turn_index"`
}

// SparkBalance is a user's chat credit.
type SparkBalance struct {
	UpdatedAt     time.Time `json:"updated_at"`
	UserID        string    `json:"user_id"`
	Balance       int       `json:"balance"`
	LifetimeSpent int       `json:"lifetime_spent"`
}

// SparkTransaction is one ledger line.
type SparkTransaction struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Reason    string    `json:"reason"`
	Delta     int       `json:"delta"`
}
