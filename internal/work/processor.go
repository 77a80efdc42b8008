package work

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/thebtf/substrate/internal/privacy"
	"github.com/thebtf/substrate/pkg/models"
)

// MaxBatchSize caps how many tickets one pass may claim.
const MaxBatchSize = 50

// Queue is the persistence the processor needs. *gorm.TicketStore implements it.
type Queue interface {
	ListPending(ctx context.Context, limit int) ([]*models.WorkTicket, error)
	Claim(ctx context.Context, id string) (bool, error)
	Complete(ctx context.Context, id string, result json.RawMessage) error
	Fail(ctx context.Context, id, message string) error
}

// Notifier is told about every status change the processor makes.
type Notifier interface {
	TicketStatus(ticketID string, status models.TicketStatus)
}

// Processor claims pending tickets and dispatches them one at a time.
type Processor struct {
	queue        Queue
	dispatcher   Dispatcher
	notifier     Notifier
	logger       zerolog.Logger
	metrics      *processorMetrics
	defaultLimit int
	// mu serializes batches started by the HTTP trigger and the background loop.
	mu sync.Mutex
}

// NewProcessor creates a processor. defaultLimit is used when a caller passes limit <= 0.
func NewProcessor(queue Queue, dispatcher Dispatcher, defaultLimit int) *Processor {
	if defaultLimit <= 0 {
		defaultLimit = 5
	}
	return &Processor{
		queue:        queue,
		dispatcher:   dispatcher,
		logger:       log.With().Str("component", "processor").Logger(),
		metrics:      newProcessorMetrics(),
		defaultLimit: defaultLimit,
	}
}

// SetNotifier attaches a status observer (the SSE broadcaster in the worker).
func (p *Processor) SetNotifier(n Notifier) {
	p.notifier = n
}

// ProcessBatch runs one pass of the claim loop:
//
//  1. list up to limit pending tickets, highest priority first, oldest first;
//  2. for each, conditionally flip pending → running; if another claimant won, skip it;
//  3. dispatch the claimed ticket and record completed or failed.
//
// A failing ticket never stops the batch. Only failing to list the queue is an error.
func (p *Processor) ProcessBatch(ctx context.Context, limit int) (*models.BatchSummary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if limit <= 0 {
		limit = p.defaultLimit
	}
	if limit > MaxBatchSize {
		limit = MaxBatchSize
	}

	tickets, err := p.queue.ListPending(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending tickets: %w", err)
	}

	summary := &models.BatchSummary{Tickets: make([]models.TicketOutcome, 0, len(tickets))}
	for _, ticket := range tickets {
		if ctx.Err() != nil {
			break
		}
		outcome := p.processOne(ctx, ticket)
		summary.Tickets = append(summary.Tickets, outcome)
		switch {
		case outcome.Skipped:
			summary.Skipped++
		case outcome.Status == models.TicketCompleted:
			summary.Processed++
			summary.Completed++
		default:
			summary.Processed++
			summary.Failed++
		}
	}

	if len(tickets) > 0 {
		p.logger.Info().
			Int("processed", summary.Processed).
			Int("completed", summary.Completed).
			Int("failed", summary.Failed).
			Int("skipped", summary.Skipped).
			Msg("Work batch finished")
	}
	return summary, nil
}

func (p *Processor) processOne(ctx context.Context, ticket *models.WorkTicket) models.TicketOutcome {
	outcome := models.TicketOutcome{TicketID: ticket.ID}
	logger := p.logger.With().Str("ticket_id", ticket.ID).Str("agent_type", string(ticket.AgentType)).Logger()

	claimed, err := p.queue.Claim(ctx, ticket.ID)
	if err != nil {
		// Nothing was written; the ticket stays pending for the next pass.
		logger.Error().Err(err).Msg("Failed to claim ticket")
		outcome.Status = models.TicketPending
		outcome.Skipped = true
		outcome.Error = err.Error()
		p.metrics.skipped(ctx, ticket.AgentType)
		return outcome
	}
	if !claimed {
		logger.Debug().Msg("Ticket claimed elsewhere, skipping")
		outcome.Status = models.TicketRunning
		outcome.Skipped = true
		p.metrics.skipped(ctx, ticket.AgentType)
		return outcome
	}

	p.metrics.claimed(ctx, ticket.AgentType)
	p.notify(ticket.ID, models.TicketRunning)
	ticket.Attempts++

	start := time.Now()
	result, dispatchErr := p.dispatcher.Dispatch(ctx, ticket)
	elapsed := time.Since(start)

	if dispatchErr != nil {
		// Agents sometimes echo request headers back in their error bodies.
		message := privacy.RedactError(dispatchErr)
		outcome.Status = models.TicketFailed
		outcome.Error = message
		logger.Warn().Str("error", message).Dur("elapsed", elapsed).Msg("Ticket failed")
		// Record the failure even if the request context has gone away.
		if err := p.queue.Fail(context.WithoutCancel(ctx), ticket.ID, message); err != nil {
			logger.Error().Err(err).Msg("Failed to record ticket failure")
		}
		p.metrics.finished(ctx, ticket.AgentType, models.TicketFailed, elapsed)
		p.notify(ticket.ID, models.TicketFailed)
		return outcome
	}

	if err := p.queue.Complete(context.WithoutCancel(ctx), ticket.ID, result); err != nil {
		outcome.Status = models.TicketFailed
		outcome.Error = fmt.Sprintf("record completion: %v", err)
		logger.Error().Err(err).Msg("Failed to record ticket completion")
		if failErr := p.queue.Fail(context.WithoutCancel(ctx), ticket.ID, outcome.Error); failErr != nil {
			logger.Error().Err(failErr).Msg("Failed to record ticket failure")
		}
		p.metrics.finished(ctx, ticket.AgentType, models.TicketFailed, elapsed)
		p.notify(ticket.ID, models.TicketFailed)
		return outcome
	}

	outcome.Status = models.TicketCompleted
	logger.Info().Dur("elapsed", elapsed).Msg("Ticket completed")
	p.metrics.finished(ctx, ticket.AgentType, models.TicketCompleted, elapsed)
	p.notify(ticket.ID, models.TicketCompleted)
	return outcome
}

func (p *Processor) notify(id string, status models.TicketStatus) {
	if p.notifier != nil {
		p.notifier.TicketStatus(id, status)
	}
}

// Run processes a batch on every tick and every wake signal until ctx is done.
// A zero interval disables the ticker; with a nil wake channel as well Run returns at once.
func (p *Processor) Run(ctx context.Context, interval time.Duration, wake <-chan struct{}) {
	if interval <= 0 && wake == nil {
		p.logger.Info().Msg("Background processing disabled")
		return
	}

	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	p.logger.Info().Dur("interval", interval).Bool("listen", wake != nil).Msg("Background processing started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		case <-wake:
		}
		if _, err := p.ProcessBatch(ctx, 0); err != nil {
			p.logger.Error().Err(err).Msg("Background batch failed")
		}
	}
}

// processorMetrics holds the OTel instruments. With no MeterProvider installed
// they are no-ops.
type processorMetrics struct {
	claimedCount   metric.Int64Counter
	completedCount metric.Int64Counter
	failedCount    metric.Int64Counter
	skippedCount   metric.Int64Counter
	duration       metric.Float64Histogram
}

func newProcessorMetrics() *processorMetrics {
	meter := otel.Meter("github.com/thebtf/substrate/internal/work")
	m := &processorMetrics{}
	var err error
	if m.claimedCount, err = meter.Int64Counter("work.tickets.claimed",
		metric.WithDescription("Tickets moved from pending to running")); err != nil {
		log.Warn().Err(err).Msg("Failed to create metric")
	}
	if m.completedCount, err = meter.Int64Counter("work.tickets.completed",
		metric.WithDescription("Tickets whose workflow succeeded")); err != nil {
		log.Warn().Err(err).Msg("Failed to create metric")
	}
	if m.failedCount, err = meter.Int64Counter("work.tickets.failed",
		metric.WithDescription("Tickets whose workflow failed")); err != nil {
		log.Warn().Err(err).Msg("Failed to create metric")
	}
	if m.skippedCount, err = meter.Int64Counter("work.tickets.skipped",
		metric.WithDescription("Tickets another claimant won")); err != nil {
		log.Warn().Err(err).Msg("Failed to create metric")
	}
	if m.duration, err = meter.Float64Histogram("work.ticket.duration",
		metric.WithDescription("Workflow dispatch time"), metric.WithUnit("ms")); err != nil {
		log.Warn().Err(err).Msg("Failed to create metric")
	}
	return m
}

func agentAttr(agent models.AgentType) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("agent_type", string(agent)))
}

func (m *processorMetrics) claimed(ctx context.Context, agent models.AgentType) {
	if m.claimedCount != nil {
		m.claimedCount.Add(ctx, 1, agentAttr(agent))
	}
}

func (m *processorMetrics) skipped(ctx context.Context, agent models.AgentType) {
	if m.skippedCount != nil {
		m.skippedCount.Add(ctx, 1, agentAttr(agent))
	}
}

func (m *processorMetrics) finished(ctx context.Context, agent models.AgentType, status models.TicketStatus, elapsed time.Duration) {
	counter := m.completedCount
	if status == models.TicketFailed {
		counter = m.failedCount
	}
	if counter != nil {
		counter.Add(ctx, 1, agentAttr(agent))
	}
	if m.duration != nil {
		m.duration.Record(ctx, float64(elapsed.Milliseconds()),
			metric.WithAttributes(attribute.String("agent_type", string(agent)), attribute.String("status", string(status))))
	}
}
