package worker

import (
	"context"

	"github.com/thebtf/substrate/internal/chat"
	"github.com/thebtf/substrate/internal/db/gorm"
	"github.com/thebtf/substrate/pkg/models"
)

// The interfaces below are the slices of the gorm stores the handlers use.
type (
	CharacterStore interface {
		Create(ctx context.Context, c *models.Character) (*models.Character, error)
		Get(ctx context.Context, idOrSlug string) (*models.Character, error)
		List(ctx context.Context, status models.CharacterStatus, page gorm.PaginationParams) ([]*models.Character, error)
		Update(ctx context.Context, c *models.Character) (*models.Character, error)
		Delete(ctx context.Context, id string) error
	}

	SeriesStore interface {
		Create(ctx context.Context, s *models.Series) (*models.Series, error)
		Get(ctx context.Context, idOrSlug string) (*models.Series, error)
		List(ctx context.Context, characterID string, status models.PublishStatus, page gorm.PaginationParams) ([]*models.Series, error)
		Update(ctx context.Context, s *models.Series) (*models.Series, error)
		Delete(ctx context.Context, id string) error
	}

	EpisodeStore interface {
		Create(ctx context.Context, e *models.Episode) (*models.Episode, error)
		Get(ctx context.Context, id string) (*models.Episode, error)
		ListBySeries(ctx context.Context, seriesID string, publishedOnly bool) ([]*models.Episode, error)
		Update(ctx context.Context, e *models.Episode) (*models.Episode, error)
		Delete(ctx context.Context, id string) error
	}

	SessionStore interface {
		Start(ctx context.Context, userID string, episode *models.Episode, characterID string) (*models.Session, bool, error)
		Get(ctx context.Context, id string) (*models.Session, error)
		ListByUser(ctx context.Context, userID string, page gorm.PaginationParams) ([]*models.Session, error)
	}

	MessageStore interface {
		ListBySession(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)
	}

	RelationshipStore interface {
		Get(ctx context.Context, userID, characterID string) (*models.Relationship, error)
		ListByUser(ctx context.Context, userID string) ([]*models.Relationship, error)
	}

	SceneStore interface {
		Get(ctx context.Context, id string) (*models.Scene, error)
		ListBySession(ctx context.Context, sessionID string) ([]*models.Scene, error)
		MarkReady(ctx context.Context, id, imageURL string) (*models.Scene, error)
		MarkFailed(ctx context.Context, id string) (*models.Scene, error)
	}

	SparkStore interface {
		Balance(ctx context.Context, userID string) (*models.SparkBalance, error)
		Grant(ctx context.Context, userID string, amount int, reason string) (*models.SparkBalance, error)
		Transactions(ctx context.Context, userID string, limit int) ([]*models.SparkTransaction, error)
	}

	TicketStore interface {
		Create(ctx context.Context, t *models.WorkTicket) (*models.WorkTicket, error)
		Get(ctx context.Context, id string) (*models.WorkTicket, error)
		List(ctx context.Context, f gorm.TicketFilter, page gorm.PaginationParams) ([]*models.WorkTicket, error)
		Cancel(ctx context.Context, id string) (*models.WorkTicket, error)
		Retry(ctx context.Context, id string) (*models.WorkTicket, error)
	}

	ContextStore interface {
		Create(ctx context.Context, e *models.ContextEntry) (*models.ContextEntry, error)
		Get(ctx context.Context, workspaceID, id string) (*models.ContextEntry, error)
		List(ctx context.Context, workspaceID string, f gorm.ContextFilter) ([]*models.ContextEntry, error)
		Update(ctx context.Context, e *models.ContextEntry) (*models.ContextEntry, error)
		Archive(ctx context.Context, workspaceID, id string) error
	}

	StatsStore interface {
		Collect(ctx context.Context) (*models.AdminStats, error)
	}

	// BatchProcessor runs one pass of the work queue.
	BatchProcessor interface {
		ProcessBatch(ctx context.Context, limit int) (*models.BatchSummary, error)
	}

	// ChatDirector runs one chat turn.
	ChatDirector interface {
		Send(ctx context.Context, req chat.SendRequest, emit chat.Emit) error
	}

	// HealthChecker reports database health.
	HealthChecker interface {
		HealthCheck(ctx context.Context) *gorm.HealthInfo
	}
)

// Deps is everything the HTTP layer serves from.
type Deps struct {
	Characters    CharacterStore
	Series        SeriesStore
	Episodes      EpisodeStore
	Sessions      SessionStore
	Messages      MessageStore
	Relationships RelationshipStore
	Scenes        SceneStore
	Sparks        SparkStore
	Tickets       TicketStore
	Context       ContextStore
	Stats         StatsStore
	Processor     BatchProcessor
	Director      ChatDirector
	Health        HealthChecker
}
