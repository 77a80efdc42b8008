// Package gorm provides GORM-based Postgres persistence for substrate.
package gorm

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/thebtf/substrate/pkg/models"
)

// GORM Models
//
// Rows mirror pkg/models but carry storage concerns (tags, array and jsonb column
// types). Field order is optimized for memory alignment (fieldalignment).

// Character is a row in characters.
type Character struct {
	CreatedAt    time.Time      `gorm:"not null"`
	UpdatedAt    time.Time      `gorm:"not null"`
	ID           string         `gorm:"type:uuid;primaryKey"`
	Slug         string         `gorm:"uniqueIndex;not null"`
	Name         string         `gorm:"not null"`
	Archetype    string         `gorm:"type:text"`
	Personality  string         `gorm:"type:text"`
	Backstory    string         `gorm:"type:text"`
	SystemPrompt string         `gorm:"type:text"`
	Greeting     string         `gorm:"type:text"`
	AvatarURL    string         `gorm:"type:text"`
	Status       string         `gorm:"type:text;check:status IN ('draft', 'active', 'archived');default:'draft';index"`
	CreatedBy    string         `gorm:"index"`
	Gallery      pq.StringArray `gorm:"type:text[]"`
}

func (Character) TableName() string { return "characters" }

// BeforeCreate assigns a UUID when the caller did not.
func (c *Character) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// Series is a row in series.
type Series struct {
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
	ID          string    `gorm:"type:uuid;primaryKey"`
	Slug        string    `gorm:"uniqueIndex;not null"`
	Title       string    `gorm:"not null"`
	Description string    `gorm:"type:text"`
	Genre       string    `gorm:"type:text"`
	CharacterID string    `gorm:"type:uuid;index;not null"`
	Status      string    `gorm:"type:text;check:status IN ('draft', 'published');default:'draft';index"`
}

func (Series) TableName() string { return "series" }

// BeforeCreate assigns a UUID when the caller did not.
func (s *Series) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

// Episode is a row in episodes.
type Episode struct {
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null"`
	ID               string    `gorm:"type:uuid;primaryKey"`
	SeriesID         string    `gorm:"type:uuid;not null;uniqueIndex:idx_episodes_series_number,priority:1"`
	Title            string    `gorm:"not null"`
	Situation        string    `gorm:"type:text"`
	DramaticQuestion string    `gorm:"type:text"`
	Instructions     string    `gorm:"type:text"`
	Status           string    `gorm:"type:text;check:status IN ('draft', 'published');default:'draft'"`
	Number           int       `gorm:"not null;uniqueIndex:idx_episodes_series_number,priority:2"`
	TurnBudget       int       `gorm:"not null;default:12"`
}

func (Episode) TableName() string { return "episodes" }

// BeforeCreate assigns a UUID when the caller did not.
func (e *Episode) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return nil
}

// Session is a row in episode_sessions.
type Session struct {
	StartedAt   time.Time  `gorm:"not null;index:idx_sessions_user_started,priority:2,sort:desc"`
	CompletedAt *time.Time
	ID          string `gorm:"type:uuid;primaryKey"`
	UserID      string `gorm:"not null;index:idx_sessions_user_started,priority:1"`
	EpisodeID   string `gorm:"type:uuid;not null;index"`
	CharacterID string `gorm:"type:uuid;not null;index"`
	Status      string `gorm:"type:text;check:status IN ('active', 'completed');default:'active';index"`
	TurnCount   int    `gorm:"not null;default:0"`
}

func (Session) TableName() string { return "episode_sessions" }

// BeforeCreate assigns a UUID and start time when the caller did not.
func (s *Session) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now()
	}
	return nil
}

// Message is a row in messages.
type Message struct {
	CreatedAt  time.Time `gorm:"not null;index:idx_messages_session_created,priority:2"`
	ID         string    `gorm:"type:uuid;primaryKey"`
	SessionID  string    `gorm:"type:uuid;not null;index:idx_messages_session_created,priority:1"`
	Role       string    `gorm:"type:text;check:role IN ('user', 'assistant', 'system');not null"`
	Content    string    `gorm:"type:text;not null"`
	TokenCount int       `gorm:"default:0"`
}

func (Message) TableName() string { return "messages" }

// BeforeCreate assigns a UUID when the caller did not.
func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}

// Relationship is a row in relationships.
type Relationship struct {
	LastInteractionAt time.Time `gorm:"not null"`
	ID                string    `gorm:"type:uuid;primaryKey"`
	UserID            string    `gorm:"not null;uniqueIndex:idx_relationships_user_character,priority:1"`
	CharacterID       string    `gorm:"type:uuid;not null;uniqueIndex:idx_relationships_user_character,priority:2"`
	Stage             string    `gorm:"type:text;not null;default:'acquaintance'"`
	Progress          int       `gorm:"not null;default:0"`
	TotalSessions     int       `gorm:"not null;default:0"`
	TotalMessages     int       `gorm:"not null;default:0"`
}

func (Relationship) TableName() string { return "relationships" }

// BeforeCreate assigns a UUID when the caller did not.
func (r *Relationship) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

// Scene is a row in scenes.
type Scene struct {
	CreatedAt time.Time `gorm:"not null"`
	ID        string    `gorm:"type:uuid;primaryKey"`
	SessionID string    `gorm:"type:uuid;not null;index"`
	Prompt    string    `gorm:"type:text;not null"`
	ImageURL  string    `gorm:"type:text"`
	Status    string    `gorm:"type:text;check:status IN ('pending', 'ready', 'failed');default:'pending';index"`
	TurnIndex int       `gorm:"not null"`
}

func (Scene) TableName() string { return "scenes" }

// BeforeCreate assigns a UUID when the caller did not.
func (s *Scene) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

// SparkBalance is a row in spark_balances, keyed by user.
type SparkBalance struct {
	UpdatedAt     time.Time `gorm:"not null"`
	UserID        string    `gorm:"primaryKey"`
	Balance       int       `gorm:"not null;check:balance >= 0"`
	LifetimeSpent int       `gorm:"not null;default:0"`
}

func (SparkBalance) TableName() string { return "spark_balances" }

// SparkTransaction is a row in spark_transactions.
type SparkTransaction struct {
	CreatedAt time.Time `gorm:"not null"`
	ID        string    `gorm:"type:uuid;primaryKey"`
	UserID    string    `gorm:"not null;index"`
	Reason    string    `gorm:"type:text;not null"`
	Delta     int       `gorm:"not null"`
}

func (SparkTransaction) TableName() string { return "spark_transactions" }

// BeforeCreate assigns a UUID when the caller did not.
func (t *SparkTransaction) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}

// WorkTicket is a row in work_tickets.
type WorkTicket struct {
	CreatedAt   time.Time `gorm:"not null;index:idx_work_tickets_queue,priority:3"`
	UpdatedAt   time.Time `gorm:"not null"`
	ClaimedAt   *time.Time
	CompletedAt *time.Time
	ID          string         `gorm:"type:uuid;primaryKey"`
	WorkspaceID string         `gorm:"not null;index"`
	AgentType   string         `gorm:"type:text;not null"`
	Title       string         `gorm:"type:text;not null"`
	Status      string         `gorm:"type:text;check:status IN ('pending', 'running', 'completed', 'failed', 'cancelled');default:'pending';index:idx_work_tickets_queue,priority:1"`
	Error       string         `gorm:"type:text"`
	Payload     datatypes.JSON `gorm:"type:jsonb"`
	Result      datatypes.JSON `gorm:"type:jsonb"`
	Priority    int            `gorm:"not null;default:0;index:idx_work_tickets_queue,priority:2,sort:desc"`
	Attempts    int            `gorm:"not null;default:0"`
}

func (WorkTicket) TableName() string { return "work_tickets" }

// BeforeCreate assigns a UUID when the caller did not.
func (t *WorkTicket) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}

// ContextEntry is a row in context_entries.
type ContextEntry struct {
	CreatedAt   time.Time      `gorm:"not null"`
	UpdatedAt   time.Time      `gorm:"not null"`
	ID          string         `gorm:"type:uuid;primaryKey"`
	WorkspaceID string         `gorm:"not null;index:idx_context_entries_workspace_type,priority:1"`
	EntryType   string         `gorm:"type:text;not null;index:idx_context_entries_workspace_type,priority:2"`
	Title       string         `gorm:"type:text;not null"`
	Data        datatypes.JSON `gorm:"type:jsonb"`
	Tags        pq.StringArray `gorm:"type:text[]"`
	Archived    bool           `gorm:"not null;default:false"`
}

func (ContextEntry) TableName() string { return "context_entries" }

// BeforeCreate assigns a UUID when the caller did not.
func (e *ContextEntry) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return nil
}

// Conversions between rows and pkg/models.

func toModelCharacter(c *Character) *models.Character {
	gallery := []string(c.Gallery)
	if gallery == nil {
		gallery = []string{}
	}
	return &models.Character{
		ID:           c.ID,
		Slug:         c.Slug,
		Name:         c.Name,
		Archetype:    c.Archetype,
		Personality:  c.Personality,
		Backstory:    c.Backstory,
		SystemPrompt: c.SystemPrompt,
		Greeting:     c.Greeting,
		AvatarURL:    c.AvatarURL,
		Status:       models.CharacterStatus(c.Status),
		CreatedBy:    c.CreatedBy,
		Gallery:      gallery,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

func fromModelCharacter(c *models.Character) *Character {
	return &Character{
		ID:           c.ID,
		Slug:         c.Slug,
		Name:         c.Name,
		Archetype:    c.Archetype,
		Personality:  c.Personality,
		Backstory:    c.Backstory,
		SystemPrompt: c.SystemPrompt,
		Greeting:     c.Greeting,
		AvatarURL:    c.AvatarURL,
		Status:       string(c.Status),
		CreatedBy:    c.CreatedBy,
		Gallery:      pq.StringArray(c.Gallery),
	}
}

func toModelSeries(s *Series) *models.Series {
	return &models.Series{
		ID:          s.ID,
		Slug:        s.Slug,
		Title:       s.Title,
		Description: s.Description,
		Genre:       s.Genre,
		CharacterID: s.CharacterID,
		Status:      models.PublishStatus(s.Status),
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}

func toModelEpisode(e *Episode) *models.Episode {
	return &models.Episode{
		ID:               e.ID,
		SeriesID:         e.SeriesID,
		Number:           e.Number,
		Title:            e.Title,
		Situation:        e.Situation,
		DramaticQuestion: e.DramaticQuestion,
		Instructions:     e.Instructions,
		TurnBudget:       e.TurnBudget,
		Status:           models.PublishStatus(e.Status),
		CreatedAt:        e.CreatedAt,
		UpdatedAt:        e.UpdatedAt,
	}
}

func toModelSession(s *Session) *models.Session {
	return &models.Session{
		ID:          s.ID,
		UserID:      s.UserID,
		EpisodeID:   s.EpisodeID,
		CharacterID: s.CharacterID,
		Status:      models.SessionStatus(s.Status),
		TurnCount:   s.TurnCount,
		StartedAt:   s.StartedAt,
		CompletedAt: s.CompletedAt,
	}
}

func toModelMessage(m *Message) *models.Message {
	return &models.Message{
		ID:         m.ID,
		SessionID:  m.SessionID,
		Role:       models.MessageRole(m.Role),
		Content:    m.Content,
		TokenCount: m.TokenCount,
		CreatedAt:  m.CreatedAt,
	}
}

func toModelRelationship(r *Relationship) *models.Relationship {
	return &models.Relationship{
		ID:                r.ID,
		UserID:            r.UserID,
		CharacterID:       r.CharacterID,
		Stage:             models.RelationshipStage(r.Stage),
		Progress:          r.Progress,
		TotalSessions:     r.TotalSessions,
		TotalMessages:     r.TotalMessages,
		LastInteractionAt: r.LastInteractionAt,
	}
}

func toModelScene(s *Scene) *models.Scene {
	return &models.Scene{
		ID:        s.ID,
		SessionID: s.SessionID,
		TurnIndex: s.TurnIndex,
		Prompt:    s.Prompt,
		ImageURL:  s.ImageURL,
		Status:    models.SceneStatus(s.Status),
		CreatedAt: s.CreatedAt,
	}
}

func toModelTicket(t *WorkTicket) *models.WorkTicket {
	return &models.WorkTicket{
		ID:          t.ID,
		WorkspaceID: t.WorkspaceID,
		AgentType:   models.AgentType(t.AgentType),
		Title:       t.Title,
		Priority:    t.Priority,
		Status:      models.TicketStatus(t.Status),
		Error:       t.Error,
		Payload:     rawJSON(t.Payload),
		Result:      rawJSON(t.Result),
		Attempts:    t.Attempts,
		ClaimedAt:   t.ClaimedAt,
		CompletedAt: t.CompletedAt,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

func toModelContextEntry(e *ContextEntry) *models.ContextEntry {
	tags := []string(e.Tags)
	if tags == nil {
		tags = []string{}
	}
	return &models.ContextEntry{
		ID:          e.ID,
		WorkspaceID: e.WorkspaceID,
		EntryType:   models.ContextEntryType(e.EntryType),
		Title:       e.Title,
		Data:        rawJSON(e.Data),
		Tags:        tags,
		Archived:    e.Archived,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
}

func rawJSON(j datatypes.JSON) json.RawMessage {
	if len(j) == 0 {
		return nil
	}
	return json.RawMessage(j)
}

func jsonColumn(raw json.RawMessage) datatypes.JSON {
	if len(raw) == 0 {
		return nil
	}
	return datatypes.JSON(raw)
}
