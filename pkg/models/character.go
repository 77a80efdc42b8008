package models

import (
	"regexp"
	"strings"
	"time"
)

// CharacterStatus is the publication state of a character.
type CharacterStatus string

const (
	CharacterDraft    CharacterStatus = "draft"
	CharacterActive   CharacterStatus = "active"
	CharacterArchived CharacterStatus = "archived"
)

// PublishStatus is shared by series and episodes.
type PublishStatus string

const (
	PublishDraft     PublishStatus = "draft"
	PublishPublished PublishStatus = "published"
)

// DefaultTurnBudget is used when an episode is created without one.
const DefaultTurnBudget = 12

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// Character is an interactive persona users chat with.
type Character struct {
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	ID           string          `json:"id"`
	Slug         string          `json:"slug"`
	Name         string          `json:"name"`
	Archetype    string          `json:"archetype,omitempty"`
	Personality  string          `json:"personality,omitempty"`
	Backstory    string          `json:"backstory,omitempty"`
	SystemPrompt string          `json:"system_prompt,omitempty"`
	Greeting     string          `json:"greeting,omitempty"`
	AvatarURL    string          `json:"avatar_url,omitempty"`
	Status       CharacterStatus `json:"status"`
	CreatedBy    string          `json:"created_by,omitempty"`
	Gallery      []string        `json:"gallery"`
}

// Validate checks required fields and normalizes the slug.
func (c *Character) Validate() error {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return invalid("name", "required")
	}
	if c.Slug == "" {
		c.Slug = Slugify(c.Name)
	}
	if !slugPattern.MatchString(c.Slug) {
		return invalid("slug", "must be lowercase letters, digits and dashes")
	}
	switch c.Status {
	case "":
		c.Status = CharacterDraft
	case CharacterDraft, CharacterActive, CharacterArchived:
	default:
		return invalid("status", "unknown status "+string(c.Status))
	}
	return nil
}

// Series groups ordered episodes around one character.
type Series struct {
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	ID          string        `json:"id"`
	Slug        string        `json:"slug"`
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	Genre       string        `json:"genre,omitempty"`
	CharacterID string        `json:"character_id"`
	Status      PublishStatus `json:"status"`
}

// Validate checks required fields and normalizes the slug.
func (s *Series) Validate() error {
	s.Title = strings.TrimSpace(s.Title)
	if s.Title == "" {
		return invalid("title", "required")
	}
	if s.CharacterID == "" {
		return invalid("character_id", "required")
	}
	if s.Slug == "" {
		s.Slug = Slugify(s.Title)
	}
	if !slugPattern.MatchString(s.Slug) {
		return invalid("slug", "must be lowercase letters, digits and dashes")
	}
	return validatePublish(&s.Status)
}

// Episode is an authored scenario inside a series. Users play it through a Session.
type Episode struct {
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
	ID               string        `json:"id"`
	SeriesID         string        `json:"series_id"`
	Title            string        `json:"title"`
	Situation        string        `json:"situation,omitempty"`
	DramaticQuestion string        `json:"dramatic_question,omitempty"`
	Instructions     string        `json:"instructions,omitempty"`
	Status           PublishStatus `json:"status"`
	Number           int           `json:"number"`
	TurnBudget       int           `json:"turn_budget"`
}

// Validate checks required fields and fills defaults.
func (e *Episode) Validate() error {
	e.Title = strings.TrimSpace(e.Title)
	if e.Title == "" {
		return invalid("title", "required")
	}
	if e.SeriesID == "" {
		return invalid("series_id", "required")
	}
	if e.Number <= 0 {
		return invalid("number", "must be positive")
	}
	if e.TurnBudget == 0 {
		e.TurnBudget = DefaultTurnBudget
	}
	if e.TurnBudget < 0 {
		return invalid("turn_budget", "must be positive")
	}
	return validatePublish(&e.Status)
}

func validatePublish(s *PublishStatus) error {
	switch *s {
	case "":
		*s = PublishDraft
	case PublishDraft, PublishPublished:
	default:
		return invalid("status", "unknown status "+string(*s))
	}
	return nil
}

// Slugify lowercases s and collapses everything that is not a letter or digit into dashes.
func Slugify(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if b.Len() > 0 && !dash {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
