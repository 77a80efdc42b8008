// Package worker provides the HTTP service for substrate: the JSON API, the chat
// stream and the background work-queue, notify and maintenance loops.
package worker

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm/logger"

	"github.com/thebtf/substrate/internal/cache"
	"github.com/thebtf/substrate/internal/chat"
	"github.com/thebtf/substrate/internal/config"
	"github.com/thebtf/substrate/internal/db/gorm"
	"github.com/thebtf/substrate/internal/db/notify"
	"github.com/thebtf/substrate/internal/llm"
	"github.com/thebtf/substrate/internal/maintenance"
	"github.com/thebtf/substrate/internal/watcher"
	"github.com/thebtf/substrate/internal/work"
	"github.com/thebtf/substrate/internal/worker/sse"
)

// Service configuration constants
const (
	// DefaultHTTPTimeout bounds every non-streaming request.
	DefaultHTTPTimeout = 30 * time.Second

	// MaxRequestBodyBytes caps JSON request bodies.
	MaxRequestBodyBytes = 1 << 20

	// ReadyPollInterval is how often WaitReady checks initialization status.
	ReadyPollInterval = 50 * time.Millisecond
)

// Service is the main worker service orchestrator.
type Service struct {
	startTime time.Time

	config  *config.Config
	version string

	// Serving dependencies, set once initialization succeeds.
	deps Deps

	// Owned infrastructure, nil until initialized.
	store       *gorm.Store
	dispatcher  *work.HTTPDispatcher
	processor   *work.Processor
	maintenance *maintenance.Service
	statsCache  cache.Cache
	statsLoader *cache.Loader

	sseBroadcaster *sse.Broadcaster
	chatLimiter    *PerClientRateLimiter
	routesWatcher  *watcher.Watcher

	router *chi.Mux
	server *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	ready     atomic.Bool
	initError error
	initMu    sync.RWMutex
}

// NewService creates the service with deferred initialization: health routes
// answer immediately while the database and clients connect in the background.
func NewService(cfg *config.Config, version string) *Service {
	svc := newService(cfg, version)
	go svc.initializeAsync()
	return svc
}

func newService(cfg *config.Config, version string) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	svc := &Service{
		version:        version,
		config:         cfg,
		sseBroadcaster: sse.NewBroadcaster(),
		chatLimiter:    NewPerClientRateLimiter(cfg.ChatRate, cfg.ChatBurst),
		statsCache:     cache.NewMemoryCache(),
		router:         chi.NewRouter(),
		ctx:            ctx,
		cancel:         cancel,
		startTime:      time.Now(),
	}
	svc.statsLoader = cache.NewLoader(svc.statsCache)

	svc.setupMiddleware()
	svc.setupRoutes()
	return svc
}

// initializeAsync connects the database and builds every component.
func (s *Service) initializeAsync() {
	log.Info().Msg("Starting async initialization...")

	if s.config.DatabaseDSN == "" {
		s.setInitError(fmt.Errorf("SUBSTRATE_DATABASE_DSN is not set"))
		return
	}

	gormLevel := logger.Silent
	if s.config.LogLevel == "debug" {
		gormLevel = logger.Info
	}
	store, err := gorm.NewStore(gorm.Config{
		DSN:      s.config.DatabaseDSN,
		MaxConns: s.config.MaxConns,
		LogLevel: gormLevel,
	})
	if err != nil {
		s.setInitError(fmt.Errorf("init database: %w", err))
		return
	}

	characters := gorm.NewCharacterStore(store)
	series := gorm.NewSeriesStore(store)
	episodes := gorm.NewEpisodeStore(store)
	sessions := gorm.NewSessionStore(store)
	messages := gorm.NewMessageStore(store)
	relationships := gorm.NewRelationshipStore(store)
	scenes := gorm.NewSceneStore(store)
	sparks := gorm.NewSparkStore(store, s.config.StartingSparks)
	tickets := gorm.NewTicketStore(store)

	tokens, err := llm.DefaultTokenCounter()
	if err != nil {
		log.Warn().Err(err).Msg("Tokenizer unavailable - chat history will not be trimmed")
	}
	director := chat.NewDirector(chat.Stores{
		Sessions:      sessions,
		Episodes:      episodes,
		Characters:    characters,
		Messages:      messages,
		Relationships: relationships,
		Scenes:        scenes,
		Sparks:        sparks,
	}, llm.NewClient(s.config.LLMBaseURL, s.config.LLMAPIKey, s.config.LLMModel), tokens, chat.Config{
		Model:            s.config.LLMModel,
		MaxTokens:        s.config.LLMMaxTokens,
		Temperature:      s.config.LLMTemperature,
		ContextBudget:    s.config.ContextTokenBudget,
		SparkCostPerTurn: s.config.SparkCostPerTurn,
		VisualEveryTurns: s.config.VisualEveryTurns,
	})

	routes, err := config.LoadWorkflowRoutes(s.config.WorkflowRoutesPath)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load workflow routes - using defaults")
		routes, _ = config.LoadWorkflowRoutes("")
	}
	dispatcher := work.NewHTTPDispatcher(s.config.WorkflowBaseURL, s.config.CronSecret, routes, s.config.WorkflowTimeout)
	processor := work.NewProcessor(tickets, dispatcher, s.config.ProcessBatchSize)
	processor.SetNotifier(s.sseBroadcaster)

	statsCache, err := cache.Open(s.ctx, s.config.RedisURL)
	if err != nil {
		log.Warn().Err(err).Msg("Redis unavailable - admin stats cached in memory")
		statsCache = cache.NewMemoryCache()
	}

	maint := maintenance.NewService(tickets, store, maintenance.Config{
		Interval:     s.config.MaintenanceInterval,
		StaleAfter:   s.config.StaleTicketAfter,
		InitialDelay: time.Minute,
	}, log.With().Str("component", "maintenance").Logger())

	s.initMu.Lock()
	s.store = store
	s.dispatcher = dispatcher
	s.processor = processor
	s.maintenance = maint
	s.statsCache = statsCache
	s.statsLoader = cache.NewLoader(statsCache)
	s.initMu.Unlock()

	s.setDeps(Deps{
		Characters:    characters,
		Series:        series,
		Episodes:      episodes,
		Sessions:      sessions,
		Messages:      messages,
		Relationships: relationships,
		Scenes:        scenes,
		Sparks:        sparks,
		Tickets:       tickets,
		Context:       gorm.NewContextStore(store),
		Stats:         gorm.NewStatsStore(store),
		Processor:     processor,
		Director:      director,
		Health:        store,
	})
	log.Info().Msg("Async initialization complete - service ready")

	s.startBackground()
}

// setDeps installs the serving dependencies and marks the service ready.
func (s *Service) setDeps(d Deps) {
	s.initMu.Lock()
	s.deps = d
	s.initError = nil
	s.initMu.Unlock()
	s.ready.Store(true)
}

// startBackground launches the queue loop, the notify listener, maintenance
// and the workflow routes watcher.
func (s *Service) startBackground() {
	var wake chan struct{}
	if s.config.ListenNotify {
		wake = make(chan struct{}, 1)
		listener := notify.NewListener(s.config.DatabaseDSN, gorm.WorkTicketChannel)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := listener.Run(s.ctx, wake); err != nil && s.ctx.Err() == nil {
				log.Error().Err(err).Msg("Ticket listener stopped")
			}
		}()
	}

	if s.config.ProcessInterval > 0 || wake != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.processor.Run(s.ctx, s.config.ProcessInterval, wake)
		}()
	}

	s.maintenance.Start(s.ctx)
	s.startRoutesWatcher()
}

// startRoutesWatcher reloads workflow routes whenever the routes file changes.
func (s *Service) startRoutesWatcher() {
	path := s.config.WorkflowRoutesPath
	if path == "" {
		return
	}
	w, err := watcher.New(path, func() {
		routes, err := config.LoadWorkflowRoutes(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Workflow routes reload failed - keeping previous routes")
			return
		}
		s.dispatcher.SetRoutes(routes)
		log.Info().Str("path", path).Int("routes", len(routes)).Msg("Workflow routes reloaded")
		s.sseBroadcaster.Broadcast(map[string]any{"type": "routes_reloaded", "routes": len(routes)})
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create workflow routes watcher")
		return
	}
	if err := w.Start(); err != nil {
		log.Warn().Err(err).Msg("Failed to start workflow routes watcher")
		return
	}
	s.initMu.Lock()
	s.routesWatcher = w
	s.initMu.Unlock()
	log.Info().Str("path", path).Msg("Workflow routes watcher started")
}

// setInitError records an initialization error.
func (s *Service) setInitError(err error) {
	s.initMu.Lock()
	s.initError = err
	s.initMu.Unlock()
	log.Error().Err(err).Msg("Async initialization failed")
}

// GetInitError returns any initialization error.
func (s *Service) GetInitError() error {
	s.initMu.RLock()
	defer s.initMu.RUnlock()
	return s.initError
}

// WaitReady blocks until initialization succeeds, fails or ctx ends.
func (s *Service) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(ReadyPollInterval)
	defer ticker.Stop()
	for {
		if s.ready.Load() {
			return nil
		}
		if err := s.GetInitError(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// setupMiddleware configures HTTP middleware.
func (s *Service) setupMiddleware() {
	s.router.Use(RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(SecurityHeaders(s.config.AllowedOrigins))
	s.router.Use(MaxBodySize(MaxRequestBodyBytes))
}

// setupRoutes configures HTTP routes.
func (s *Service) setupRoutes() {
	// Available during initialization
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/version", s.handleVersion)
	s.router.Get("/api/ready", s.handleReady)
	s.router.Get("/api/events", s.sseBroadcaster.HandleSSE)

	s.router.Group(func(r chi.Router) {
		r.Use(s.requireReady)

		// Service-to-service routes guarded by the shared secret
		r.Group(func(r chi.Router) {
			r.Use(CronAuth(s.config.CronSecret))
			r.Use(RequireJSONContentType)

			// A batch runs as long as its dispatches; the workflow timeout bounds each one.
			r.Post("/api/work/process", s.handleProcessWork)

			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(DefaultHTTPTimeout))
				r.Post("/api/scenes/{id}/complete", s.handleCompleteScene)
				r.Post("/api/admin/sparks/grant", s.handleGrantSparks)
				r.Get("/api/admin/stats", s.handleAdminStats)
			})
		})

		// User routes
		r.Group(func(r chi.Router) {
			r.Use(RequireUser)

			// Streaming, so no request timeout
			r.With(PerUserRateLimitMiddleware(s.chatLimiter), RequireJSONContentType).
				Post("/api/sessions/{id}/chat", s.handleChat)

			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(DefaultHTTPTimeout))
				r.Use(RequireJSONContentType)

				r.Route("/api/characters", func(r chi.Router) {
					r.Get("/", s.handleListCharacters)
					r.Post("/", s.handleCreateCharacter)
					r.Get("/{id}", s.handleGetCharacter)
					r.Patch("/{id}", s.handleUpdateCharacter)
					r.Delete("/{id}", s.handleDeleteCharacter)
					r.Get("/{id}/gallery", s.handleCharacterGallery)
				})

				r.Route("/api/series", func(r chi.Router) {
					r.Get("/", s.handleListSeries)
					r.Post("/", s.handleCreateSeries)
					r.Get("/{id}", s.handleGetSeries)
					r.Patch("/{id}", s.handleUpdateSeries)
					r.Delete("/{id}", s.handleDeleteSeries)
					r.Get("/{id}/episodes", s.handleListEpisodes)
					r.Post("/{id}/episodes", s.handleCreateEpisode)
				})

				r.Route("/api/episodes/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetEpisode)
					r.Patch("/", s.handleUpdateEpisode)
					r.Delete("/", s.handleDeleteEpisode)
					r.Post("/sessions", s.handleStartSession)
				})

				r.Get("/api/sessions", s.handleListSessions)
				r.Get("/api/sessions/{id}", s.handleGetSession)
				r.Get("/api/sessions/{id}/messages", s.handleListMessages)
				r.Get("/api/sessions/{id}/scenes", s.handleListScenes)
				r.Get("/api/scenes/{id}", s.handleGetScene)

				r.Get("/api/relationships", s.handleListRelationships)
				r.Get("/api/relationships/{characterID}", s.handleGetRelationship)

				r.Get("/api/sparks", s.handleGetSparks)

				r.Route("/api/work/tickets", func(r chi.Router) {
					r.Get("/", s.handleListTickets)
					r.Post("/", s.handleCreateTicket)
					r.Get("/{id}", s.handleGetTicket)
					r.Post("/{id}/cancel", s.handleCancelTicket)
					r.Post("/{id}/retry", s.handleRetryTicket)
				})

				r.Route("/api/workspaces/{ws}/context", func(r chi.Router) {
					r.Use(requireWorkspace)
					r.Get("/", s.handleListContext)
					r.Post("/", s.handleCreateContext)
					r.Get("/{id}", s.handleGetContext)
					r.Patch("/{id}", s.handleUpdateContext)
					r.Delete("/{id}", s.handleArchiveContext)
				})
			})
		})
	})
}

// Handler exposes the router, mainly for tests.
func (s *Service) Handler() http.Handler { return s.router }

// Start starts the HTTP server. Initialization continues in the background.
func (s *Service) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	log.Info().
		Int("port", s.config.Port).
		Int("pid", os.Getpid()).
		Msg("Worker HTTP server started (initialization in progress)")
	return nil
}

// Shutdown stops background loops, drains HTTP connections and closes the
// database and cache.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()

	s.initMu.RLock()
	routesWatcher := s.routesWatcher
	maint := s.maintenance
	store := s.store
	statsCache := s.statsCache
	s.initMu.RUnlock()

	if routesWatcher != nil {
		_ = routesWatcher.Stop()
	}

	if maint != nil {
		maint.Stop()
	}

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	if statsCache != nil {
		if err := statsCache.Close(); err != nil {
			log.Error().Err(err).Msg("Cache close error")
		}
	}
	if store != nil {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("Database close error")
		}
	}

	log.Info().Msg("Worker service shutdown complete")
	return nil
}
