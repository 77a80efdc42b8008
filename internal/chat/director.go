// Package chat runs one chat turn: it charges sparks, streams the character's
// reply from the LLM and emits the episode events that follow it.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/substrate/internal/chatstream"
	"github.com/thebtf/substrate/internal/llm"
	"github.com/thebtf/substrate/pkg/models"
)

// Stores the director depends on. The gorm stores implement them.
type (
	SessionStore interface {
		Get(ctx context.Context, id string) (*models.Session, error)
		IncrementTurn(ctx context.Context, id string) (int, error)
		Complete(ctx context.Context, id string) error
	}
	EpisodeStore interface {
		Get(ctx context.Context, id string) (*models.Episode, error)
		Next(ctx context.Context, e *models.Episode) (*models.Episode, error)
	}
	CharacterStore interface {
		Get(ctx context.Context, idOrSlug string) (*models.Character, error)
	}
	MessageStore interface {
		Append(ctx context.Context, m *models.Message) (*models.Message, error)
		ListBySession(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)
	}
	RelationshipStore interface {
		RecordInteraction(ctx context.Context, userID, characterID string) (*models.Relationship, error)
		RecordSessionComplete(ctx context.Context, userID, characterID string) (*models.Relationship, error)
	}
	SceneStore interface {
		CreatePending(ctx context.Context, sessionID string, turn int, prompt string) (*models.Scene, error)
	}
	SparkStore interface {
		Spend(ctx context.Context, userID string, cost int, reason string) (*models.SparkBalance, error)
		Refund(ctx context.Context, userID string, amount int, reason string) (*models.SparkBalance, error)
	}
)

// Stores bundles the persistence the director needs.
type Stores struct {
	Sessions      SessionStore
	Episodes      EpisodeStore
	Characters    CharacterStore
	Messages      MessageStore
	Relationships RelationshipStore
	Scenes        SceneStore
	Sparks        SparkStore
}

// Config tunes the chat economy and prompt construction.
type Config struct {
	Model            string
	MaxTokens        int
	Temperature      float64
	ContextBudget    int // tokens available for system prompt plus history
	HistoryLimit     int // most recent messages loaded before trimming
	SparkCostPerTurn int
	VisualEveryTurns int // 0 disables scene visuals
}

// Spark ledger reasons.
const (
	ReasonChatTurn = "chat turn"
	ReasonRefund   = "refund: reply failed"
)

// Director orchestrates chat turns.
type Director struct {
	stores Stores
	llm    llm.Streamer
	tokens *llm.TokenCounter
	logger zerolog.Logger
	cfg    Config
}

// NewDirector creates a director.
func NewDirector(stores Stores, streamer llm.Streamer, tokens *llm.TokenCounter, cfg Config) *Director {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	if cfg.ContextBudget <= 0 {
		cfg.ContextBudget = 6000
	}
	return &Director{
		stores: stores,
		llm:    streamer,
		tokens: tokens,
		logger: log.With().Str("component", "chat").Logger(),
		cfg:    cfg,
	}
}

// SendRequest is one user message.
type SendRequest struct {
	UserID    string
	SessionID string
	Text      string
}

// Emit delivers an event to the client. An error means the client is gone.
type Emit func(chatstream.Event) error

// Send runs one turn and emits its events. Errors returned before any event
// was emitted (not found, conflict, invalid input) leave the response untouched;
// insufficient sparks emits needs_sparks first and then returns
// models.ErrInsufficientSparks.
func (d *Director) Send(ctx context.Context, req SendRequest, emit Emit) error {
	text, err := models.ValidateUserText(req.Text)
	if err != nil {
		return err
	}

	session, err := d.stores.Sessions.Get(ctx, req.SessionID)
	if err != nil {
		return err
	}
	if session.UserID != req.UserID {
		// Other users' sessions are indistinguishable from missing ones.
		return models.ErrNotFound
	}
	if session.Status != models.SessionActive {
		return fmt.Errorf("session is %s: %w", session.Status, models.ErrConflict)
	}

	episode, err := d.stores.Episodes.Get(ctx, session.EpisodeID)
	if err != nil {
		return fmt.Errorf("load episode: %w", err)
	}
	character, err := d.stores.Characters.Get(ctx, session.CharacterID)
	if err != nil {
		return fmt.Errorf("load character: %w", err)
	}

	logger := d.logger.With().Str("session_id", session.ID).Str("user_id", req.UserID).Logger()

	cost := d.cfg.SparkCostPerTurn
	if cost > 0 {
		balance, err := d.stores.Sparks.Spend(ctx, req.UserID, cost, ReasonChatTurn)
		if errors.Is(err, models.ErrInsufficientSparks) {
			ev := chatstream.Event{Type: chatstream.EventNeedsSparks, Cost: cost}
			if balance != nil {
				ev.Balance = balance.Balance
			}
			if emitErr := emit(ev); emitErr != nil {
				return emitErr
			}
			return err
		}
		if err != nil {
			return fmt.Errorf("spend sparks: %w", err)
		}
	}

	// From here on the turn is paid for; a failed reply refunds it.
	if _, err := d.stores.Messages.Append(ctx, &models.Message{
		SessionID:  session.ID,
		Role:       models.RoleUser,
		Content:    text,
		TokenCount: d.count(text),
	}); err != nil {
		d.refund(ctx, req.UserID, cost)
		return fmt.Errorf("store user message: %w", err)
	}

	prompt, err := d.buildPrompt(ctx, character, episode, session.ID)
	if err != nil {
		d.refund(ctx, req.UserID, cost)
		return err
	}

	stream, err := d.llm.StreamChat(ctx, llm.ChatRequest{
		Model:       d.cfg.Model,
		Messages:    prompt,
		MaxTokens:   d.cfg.MaxTokens,
		Temperature: d.cfg.Temperature,
	})
	if err != nil {
		d.refund(ctx, req.UserID, cost)
		return fmt.Errorf("start completion: %w", err)
	}

	reply, err := d.relay(stream, emit)
	if err != nil {
		logger.Warn().Err(err).Int("partial_len", len(reply)).Msg("Chat reply failed")
		d.refund(ctx, req.UserID, cost)
		_ = emit(chatstream.Event{Type: chatstream.EventError, Error: "the reply was interrupted"})
		return err
	}
	if strings.TrimSpace(reply) == "" {
		d.refund(ctx, req.UserID, cost)
		_ = emit(chatstream.Event{Type: chatstream.EventError, Error: "empty reply"})
		return fmt.Errorf("completion returned no text")
	}

	// The reply has been delivered; finish bookkeeping even if the client left.
	bg := context.WithoutCancel(ctx)
	stored, err := d.stores.Messages.Append(bg, &models.Message{
		SessionID:  session.ID,
		Role:       models.RoleAssistant,
		Content:    reply,
		TokenCount: d.count(reply),
	})
	if err != nil {
		return fmt.Errorf("store reply: %w", err)
	}

	turn, err := d.stores.Sessions.IncrementTurn(bg, session.ID)
	if err != nil {
		return fmt.Errorf("advance turn: %w", err)
	}
	if _, err := d.stores.Relationships.RecordInteraction(bg, req.UserID, character.ID); err != nil {
		logger.Error().Err(err).Msg("Failed to record relationship interaction")
	}

	if turn == 1 && strings.TrimSpace(episode.Instructions) != "" {
		if err := emit(chatstream.Event{
			Type: chatstream.EventInstructionCard,
			Card: &chatstream.InstructionCard{Title: episode.Title, Body: episode.Instructions},
		}); err != nil {
			return err
		}
	}

	if d.cfg.VisualEveryTurns > 0 && turn%d.cfg.VisualEveryTurns == 0 {
		scenePrompt := ScenePrompt(character, episode, reply)
		scene, err := d.stores.Scenes.CreatePending(bg, session.ID, turn, scenePrompt)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to create pending scene")
		} else if err := emit(chatstream.Event{
			Type:    chatstream.EventVisualPending,
			SceneID: scene.ID,
			Prompt:  scene.Prompt,
		}); err != nil {
			return err
		}
	}

	if episode.TurnBudget > 0 && turn >= episode.TurnBudget {
		if err := d.completeEpisode(bg, session, episode, character, turn, emit); err != nil {
			return err
		}
	}

	return emit(chatstream.Done(stored.ID, reply))
}

func (d *Director) completeEpisode(ctx context.Context, session *models.Session, episode *models.Episode, character *models.Character, turn int, emit Emit) error {
	if err := d.stores.Sessions.Complete(ctx, session.ID); err != nil {
		if errors.Is(err, models.ErrConflict) {
			// A concurrent turn already closed it.
			return nil
		}
		return fmt.Errorf("complete session: %w", err)
	}
	if _, err := d.stores.Relationships.RecordSessionComplete(ctx, session.UserID, character.ID); err != nil {
		d.logger.Error().Err(err).Str("session_id", session.ID).Msg("Failed to record completed episode")
	}

	ev := chatstream.Event{
		Type:      chatstream.EventEpisodeComplete,
		SessionID: session.ID,
		TurnCount: turn,
	}
	next, err := d.stores.Episodes.Next(ctx, episode)
	if err != nil {
		d.logger.Error().Err(err).Str("episode_id", episode.ID).Msg("Failed to look up next episode")
	} else if next != nil {
		ev.NextEpisodeID = next.ID
	}
	return emit(ev)
}

// relay forwards upstream deltas as chunk events and returns the full reply.
func (d *Director) relay(stream <-chan llm.StreamChunk, emit Emit) (string, error) {
	var reply strings.Builder
	for chunk := range stream {
		if chunk.Err != nil {
			return reply.String(), chunk.Err
		}
		if chunk.Text != "" {
			reply.WriteString(chunk.Text)
			if err := emit(chatstream.Chunk(chunk.Text)); err != nil {
				return reply.String(), fmt.Errorf("client gone: %w", err)
			}
		}
		if chunk.Done {
			break
		}
	}
	return reply.String(), nil
}

func (d *Director) refund(ctx context.Context, userID string, cost int) {
	if cost <= 0 {
		return
	}
	if _, err := d.stores.Sparks.Refund(context.WithoutCancel(ctx), userID, cost, ReasonRefund); err != nil {
		d.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to refund sparks")
	}
}

func (d *Director) count(text string) int {
	if d.tokens == nil {
		return 0
	}
	return d.tokens.Count(text)
}

// buildPrompt assembles the system prompt and as much recent history as fits the budget.
func (d *Director) buildPrompt(ctx context.Context, character *models.Character, episode *models.Episode, sessionID string) ([]llm.Message, error) {
	system := llm.Message{Role: llm.RoleSystem, Content: SystemPrompt(character, episode)}

	history, err := d.stores.Messages.ListBySession(ctx, sessionID, d.cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	msgs := make([]llm.Message, 0, len(history))
	for _, m := range history {
		if m.Role == models.RoleSystem {
			continue
		}
		msgs = append(msgs, llm.Message{Role: string(m.Role), Content: m.Content})
	}

	if d.tokens != nil {
		budget := d.cfg.ContextBudget - d.tokens.CountMessage(system)
		msgs = d.tokens.TrimHistory(msgs, budget)
	}
	return append([]llm.Message{system}, msgs...), nil
}
