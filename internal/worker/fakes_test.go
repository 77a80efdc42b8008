package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thebtf/substrate/internal/chat"
	"github.com/thebtf/substrate/internal/db/gorm"
	"github.com/thebtf/substrate/pkg/models"
)

// In-memory stand-ins for the gorm stores. They keep just enough behavior
// (validation, ownership, state transitions) for the handlers to be exercised.

type idGen struct{ n atomic.Int64 }

func (g *idGen) next(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, g.n.Add(1))
}

type fakeCharacters struct {
	ids  *idGen
	rows map[string]*models.Character
	mu   sync.Mutex
}

func (f *fakeCharacters) Create(_ context.Context, c *models.Character) (*models.Character, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.rows {
		if existing.Slug == c.Slug {
			return nil, models.ErrConflict
		}
	}
	cp := *c
	cp.ID = f.ids.next("char")
	f.rows[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (f *fakeCharacters) Get(_ context.Context, idOrSlug string) (*models.Character, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.rows {
		if c.ID == idOrSlug || c.Slug == idOrSlug {
			out := *c
			return &out, nil
		}
	}
	return nil, models.ErrNotFound
}

func (f *fakeCharacters) List(_ context.Context, status models.CharacterStatus, _ gorm.PaginationParams) ([]*models.Character, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*models.Character{}
	for _, c := range f.rows {
		if status == "" || c.Status == status {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeCharacters) Update(_ context.Context, c *models.Character) (*models.Character, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[c.ID]; !ok {
		return nil, models.ErrNotFound
	}
	cp := *c
	f.rows[c.ID] = &cp
	out := cp
	return &out, nil
}

func (f *fakeCharacters) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.rows[id]
	if !ok {
		return models.ErrNotFound
	}
	c.Status = models.CharacterArchived
	return nil
}

type fakeSeries struct {
	ids  *idGen
	rows map[string]*models.Series
	mu   sync.Mutex
}

func (f *fakeSeries) Create(_ context.Context, s *models.Series) (*models.Series, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	cp.ID = f.ids.next("series")
	f.rows[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (f *fakeSeries) Get(_ context.Context, idOrSlug string) (*models.Series, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.rows {
		if s.ID == idOrSlug || s.Slug == idOrSlug {
			out := *s
			return &out, nil
		}
	}
	return nil, models.ErrNotFound
}

func (f *fakeSeries) List(_ context.Context, characterID string, status models.PublishStatus, _ gorm.PaginationParams) ([]*models.Series, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*models.Series{}
	for _, s := range f.rows {
		if (characterID == "" || s.CharacterID == characterID) && (status == "" || s.Status == status) {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeSeries) Update(_ context.Context, s *models.Series) (*models.Series, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	f.rows[s.ID] = &cp
	out := cp
	return &out, nil
}

func (f *fakeSeries) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[id]; !ok {
		return models.ErrNotFound
	}
	delete(f.rows, id)
	return nil
}

type fakeEpisodes struct {
	ids  *idGen
	rows map[string]*models.Episode
	mu   sync.Mutex
}

func (f *fakeEpisodes) Create(_ context.Context, e *models.Episode) (*models.Episode, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.rows {
		if existing.SeriesID == e.SeriesID && existing.Number == e.Number {
			return nil, models.ErrConflict
		}
	}
	cp := *e
	cp.ID = f.ids.next("ep")
	f.rows[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (f *fakeEpisodes) Get(_ context.Context, id string) (*models.Episode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.rows[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	out := *e
	return &out, nil
}

func (f *fakeEpisodes) ListBySeries(_ context.Context, seriesID string, publishedOnly bool) ([]*models.Episode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*models.Episode{}
	for _, e := range f.rows {
		if e.SeriesID != seriesID || (publishedOnly && e.Status != models.PublishPublished) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (f *fakeEpisodes) Update(_ context.Context, e *models.Episode) (*models.Episode, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *e
	f.rows[e.ID] = &cp
	out := cp
	return &out, nil
}

func (f *fakeEpisodes) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[id]; !ok {
		return models.ErrNotFound
	}
	delete(f.rows, id)
	return nil
}

type fakeSessions struct {
	ids  *idGen
	rows map[string]*models.Session
	mu   sync.Mutex
}

func (f *fakeSessions) Start(_ context.Context, userID string, episode *models.Episode, characterID string) (*models.Session, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.rows {
		if s.UserID == userID && s.EpisodeID == episode.ID && s.Status == models.SessionActive {
			out := *s
			return &out, false, nil
		}
	}
	s := &models.Session{
		ID:          f.ids.next("sess"),
		UserID:      userID,
		EpisodeID:   episode.ID,
		CharacterID: characterID,
		Status:      models.SessionActive,
		StartedAt:   time.Now(),
	}
	f.rows[s.ID] = s
	out := *s
	return &out, true, nil
}

func (f *fakeSessions) Get(_ context.Context, id string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.rows[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	out := *s
	return &out, nil
}

func (f *fakeSessions) ListByUser(_ context.Context, userID string, _ gorm.PaginationParams) ([]*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*models.Session{}
	for _, s := range f.rows {
		if s.UserID == userID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

type fakeMessages struct {
	bySession map[string][]*models.Message
	lastLimit int
}

func (f *fakeMessages) ListBySession(_ context.Context, sessionID string, limit int) ([]*models.Message, error) {
	f.lastLimit = limit
	msgs := f.bySession[sessionID]
	if msgs == nil {
		msgs = []*models.Message{}
	}
	return msgs, nil
}

type fakeRelationships struct {
	rows []*models.Relationship
}

func (f *fakeRelationships) Get(_ context.Context, userID, characterID string) (*models.Relationship, error) {
	for _, r := range f.rows {
		if r.UserID == userID && r.CharacterID == characterID {
			return r, nil
		}
	}
	return nil, models.ErrNotFound
}

func (f *fakeRelationships) ListByUser(_ context.Context, userID string) ([]*models.Relationship, error) {
	out := []*models.Relationship{}
	for _, r := range f.rows {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeScenes struct {
	rows map[string]*models.Scene
	mu   sync.Mutex
}

func (f *fakeScenes) Get(_ context.Context, id string) (*models.Scene, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.rows[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	out := *s
	return &out, nil
}

func (f *fakeScenes) ListBySession(_ context.Context, sessionID string) ([]*models.Scene, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*models.Scene{}
	for _, s := range f.rows {
		if s.SessionID == sessionID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeScenes) resolve(id string, status models.SceneStatus, url string) (*models.Scene, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.rows[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	if s.Status != models.ScenePending {
		return nil, models.ErrConflict
	}
	s.Status = status
	s.ImageURL = url
	out := *s
	return &out, nil
}

func (f *fakeScenes) MarkReady(_ context.Context, id, imageURL string) (*models.Scene, error) {
	return f.resolve(id, models.SceneReady, imageURL)
}

func (f *fakeScenes) MarkFailed(_ context.Context, id string) (*models.Scene, error) {
	return f.resolve(id, models.SceneFailed, "")
}

type fakeSparks struct {
	balances map[string]int
	ledger   []*models.SparkTransaction
	starting int
	mu       sync.Mutex
}

func (f *fakeSparks) balanceLocked(userID string) *models.SparkBalance {
	if _, ok := f.balances[userID]; !ok {
		f.balances[userID] = f.starting
	}
	return &models.SparkBalance{UserID: userID, Balance: f.balances[userID]}
}

func (f *fakeSparks) Balance(_ context.Context, userID string) (*models.SparkBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balanceLocked(userID), nil
}

func (f *fakeSparks) Grant(_ context.Context, userID string, amount int, reason string) (*models.SparkBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balanceLocked(userID)
	f.balances[userID] += amount
	f.ledger = append(f.ledger, &models.SparkTransaction{UserID: userID, Delta: amount, Reason: reason})
	return f.balanceLocked(userID), nil
}

func (f *fakeSparks) Transactions(_ context.Context, userID string, limit int) ([]*models.SparkTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*models.SparkTransaction{}
	for _, t := range f.ledger {
		if t.UserID == userID && len(out) < limit {
			out = append(out, t)
		}
	}
	return out, nil
}

type fakeTickets struct {
	ids        *idGen
	rows       map[string]*models.WorkTicket
	lastFilter gorm.TicketFilter
	mu         sync.Mutex
}

func (f *fakeTickets) Create(_ context.Context, t *models.WorkTicket) (*models.WorkTicket, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *t
	cp.ID = f.ids.next("ticket")
	cp.Status = models.TicketPending
	f.rows[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (f *fakeTickets) Get(_ context.Context, id string) (*models.WorkTicket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.rows[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	out := *t
	return &out, nil
}

func (f *fakeTickets) List(_ context.Context, filter gorm.TicketFilter, _ gorm.PaginationParams) ([]*models.WorkTicket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastFilter = filter
	out := []*models.WorkTicket{}
	for _, t := range f.rows {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.WorkspaceID != "" && t.WorkspaceID != filter.WorkspaceID {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeTickets) transition(id string, from, to models.TicketStatus) (*models.WorkTicket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.rows[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	if t.Status != from {
		return nil, models.ErrConflict
	}
	t.Status = to
	out := *t
	return &out, nil
}

func (f *fakeTickets) Cancel(_ context.Context, id string) (*models.WorkTicket, error) {
	return f.transition(id, models.TicketPending, models.TicketCancelled)
}

func (f *fakeTickets) Retry(_ context.Context, id string) (*models.WorkTicket, error) {
	return f.transition(id, models.TicketFailed, models.TicketPending)
}

type fakeContext struct {
	ids  *idGen
	rows map[string]*models.ContextEntry
	mu   sync.Mutex
}

func (f *fakeContext) Create(_ context.Context, e *models.ContextEntry) (*models.ContextEntry, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if e.EntryType.IsSingleton() {
		for _, existing := range f.rows {
			if existing.WorkspaceID == e.WorkspaceID && existing.EntryType == e.EntryType && !existing.Archived {
				return nil, models.ErrConflict
			}
		}
	}
	cp := *e
	cp.ID = f.ids.next("ctx")
	f.rows[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (f *fakeContext) Get(_ context.Context, workspaceID, id string) (*models.ContextEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.rows[id]
	if !ok || e.WorkspaceID != workspaceID {
		return nil, models.ErrNotFound
	}
	out := *e
	return &out, nil
}

func (f *fakeContext) List(_ context.Context, workspaceID string, filter gorm.ContextFilter) ([]*models.ContextEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*models.ContextEntry{}
	for _, e := range f.rows {
		if e.WorkspaceID != workspaceID || (e.Archived && !filter.IncludeArchived) {
			continue
		}
		if filter.EntryType != "" && e.EntryType != filter.EntryType {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeContext) Update(_ context.Context, e *models.ContextEntry) (*models.ContextEntry, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *e
	f.rows[e.ID] = &cp
	out := cp
	return &out, nil
}

func (f *fakeContext) Archive(_ context.Context, workspaceID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.rows[id]
	if !ok || e.WorkspaceID != workspaceID {
		return models.ErrNotFound
	}
	e.Archived = true
	return nil
}

type fakeStats struct {
	calls atomic.Int32
}

func (f *fakeStats) Collect(context.Context) (*models.AdminStats, error) {
	f.calls.Add(1)
	return &models.AdminStats{Users: 3, Sessions: 7, TicketsByStatus: map[models.TicketStatus]int64{}}, nil
}

type fakeProcessor struct {
	lastLimit int
	calls     int
}

func (f *fakeProcessor) ProcessBatch(_ context.Context, limit int) (*models.BatchSummary, error) {
	f.lastLimit = limit
	f.calls++
	return &models.BatchSummary{Tickets: []models.TicketOutcome{}, Processed: 1, Completed: 1}, nil
}

type fakeDirector struct {
	send func(ctx context.Context, req chat.SendRequest, emit chat.Emit) error
	last chat.SendRequest
}

func (f *fakeDirector) Send(ctx context.Context, req chat.SendRequest, emit chat.Emit) error {
	f.last = req
	if f.send == nil {
		return nil
	}
	return f.send(ctx, req, emit)
}

type fakeHealth struct{}

func (fakeHealth) HealthCheck(context.Context) *gorm.HealthInfo {
	return &gorm.HealthInfo{Status: "healthy"}
}
