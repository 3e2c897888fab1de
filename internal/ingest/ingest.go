// Package ingest drives payment events from a Source through the risk
// pipeline: aggregator record, engine evaluation, optional summary
// enrichment, and fan-out to the recent-alerts store, the live alert
// publisher, and the webhook dispatcher.
//
// The consumer's per-partition goroutine loop, panic recovery, and
// graceful-shutdown shape follow the platform's baseline recomputation
// worker; there is no message-broker client anywhere in this codebase's
// dependency surface, so the channel a partition reads from is a small
// interface (Source) rather than a concrete kafka/nats/sqs client — an
// in-process implementation is the default, and a real broker consumer
// is a drop-in behind the same interface.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mbd888/payment-risk-engine/internal/alertpublish"
	"github.com/mbd888/payment-risk-engine/internal/alertstore"
	"github.com/mbd888/payment-risk-engine/internal/metrics"
	"github.com/mbd888/payment-risk-engine/internal/riskevents"
	"github.com/mbd888/payment-risk-engine/internal/webhookdispatch"
)

// Source yields PaymentEvents for a single partition. Partition is a
// logical shard id — events for the same entity should be routed to the
// same partition by the producer to preserve per-entity ordering.
type Source interface {
	// Events returns the channel a partition goroutine reads from. The
	// consumer stops reading when ctx is done or the channel is closed;
	// ChannelSource closes its channels only when Close is called.
	Events(ctx context.Context, partition int) <-chan *riskevents.PaymentEvent
}

// Engine is the subset of *riskengine.Engine the consumer depends on.
type Engine interface {
	Evaluate(ctx context.Context, event *riskevents.PaymentEvent) (*riskevents.RiskAlert, bool)
}

// SummaryService optionally enriches an alert with a human-readable
// explanation. Implementations must be non-blocking or internally
// bounded — the consumer never waits more than this call allows.
type SummaryService interface {
	GenerateSummary(ctx context.Context, alert *riskevents.RiskAlert) (string, bool)
}

// NoopSummaryService is the default SummaryService: it never produces an
// explanation, per the documented external-collaborator contract.
type NoopSummaryService struct{}

func (NoopSummaryService) GenerateSummary(ctx context.Context, alert *riskevents.RiskAlert) (string, bool) {
	return "", false
}

// AuditSink durably persists an alert beyond the in-memory recent-alerts
// ring, for audit/operator history. It is never read from the hot path —
// a write failure here must never block or drop alert delivery to the
// publisher or webhook dispatcher.
type AuditSink interface {
	Add(ctx context.Context, alert *riskevents.RiskAlert) error
}

// Config controls the consumer's shape.
type Config struct {
	Partitions int
	GroupID    string
}

// DefaultConfig returns the published defaults.
func DefaultConfig() Config {
	return Config{Partitions: 1, GroupID: "payment-risk-engine"}
}

// Consumer drives events from a Source through the risk pipeline.
type Consumer struct {
	source    Source
	engine    Engine
	summaries SummaryService
	recent    *alertstore.Store
	publisher *alertpublish.Publisher
	dispatch  *webhookdispatch.Dispatcher
	audit     AuditSink
	cfg       Config
	logger    *slog.Logger
}

// SetAuditSink attaches a durable audit sink. Optional — nil (the
// default) means alerts are kept only in the in-memory recent-alerts
// ring. Safe to call once before Run.
func (c *Consumer) SetAuditSink(sink AuditSink) {
	c.audit = sink
}

// New creates a Consumer. summaries may be nil, in which case
// NoopSummaryService is used.
func New(
	source Source,
	engine Engine,
	summaries SummaryService,
	recent *alertstore.Store,
	publisher *alertpublish.Publisher,
	dispatch *webhookdispatch.Dispatcher,
	cfg Config,
	logger *slog.Logger,
) *Consumer {
	if summaries == nil {
		summaries = NoopSummaryService{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Partitions <= 0 {
		cfg.Partitions = 1
	}
	if cfg.GroupID == "" {
		cfg.GroupID = DefaultConfig().GroupID
	}
	return &Consumer{
		source:    source,
		engine:    engine,
		summaries: summaries,
		recent:    recent,
		publisher: publisher,
		dispatch:  dispatch,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run starts one goroutine per partition and blocks until ctx is done
// and every partition goroutine has exited.
func (c *Consumer) Run(ctx context.Context) {
	c.logger.Info("stream consumer started", "groupId", c.cfg.GroupID, "partitions", c.cfg.Partitions)

	var wg sync.WaitGroup
	for p := 0; p < c.cfg.Partitions; p++ {
		wg.Add(1)
		go func(partition int) {
			defer wg.Done()
			c.runPartition(ctx, partition)
		}(p)
	}
	wg.Wait()

	c.logger.Info("stream consumer stopped")
}

func (c *Consumer) runPartition(ctx context.Context, partition int) {
	events := c.source.Events(ctx, partition)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			c.handleSafely(ctx, event)
		}
	}
}

// handleSafely recovers from a panic in handle so one malformed message
// never takes down a partition goroutine.
func (c *Consumer) handleSafely(ctx context.Context, event *riskevents.PaymentEvent) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("recovered from panic handling event",
				"eventId", eventIDOrUnknown(event), "panic", fmt.Sprint(r))
		}
	}()
	c.handle(ctx, event)
}

func (c *Consumer) handle(ctx context.Context, event *riskevents.PaymentEvent) {
	if event == nil || event.IsPoison() {
		c.logger.Warn("ingest: dropping poison message")
		metrics.EventsPoisonedTotal.Inc()
		return
	}

	metrics.EventsIngestedTotal.WithLabelValues(string(event.EventType)).Inc()
	c.logger.Info("event received",
		"eventId", event.EventID, "idempotencyKey", event.IdempotencyKey,
		"amount", event.AmountOrZero(), "eventType", event.EventType,
		"merchantReference", event.MerchantReference)

	alert, ok := c.engine.Evaluate(ctx, event)
	if !ok {
		return
	}

	for _, sig := range alert.SignalTypes {
		metrics.SignalTriggeredTotal.WithLabelValues(string(sig)).Inc()
	}
	metrics.AlertsGeneratedTotal.WithLabelValues(string(alert.Level)).Inc()

	if explanation, has := c.summaries.GenerateSummary(ctx, alert); has {
		alert.DetailedExplanation = &explanation
	}

	c.recent.Add(alert)
	c.publisher.Publish(alert)
	if c.dispatch != nil {
		if err := c.dispatch.Dispatch(ctx, alert); err != nil {
			c.logger.Warn("ingest: webhook dispatch failed", "alertId", alert.AlertID, "error", err)
		}
	}
	if c.audit != nil {
		c.writeAudit(alert)
	}
}

// writeAudit persists alert to the durable audit sink off the hot path —
// a slow or failing database must never throttle consumer progress or
// drop the alert from the in-memory store/publisher/webhook fan-out it
// already reached.
func (c *Consumer) writeAudit(alert *riskevents.RiskAlert) {
	go func() {
		if err := c.audit.Add(context.Background(), alert); err != nil {
			c.logger.Error("ingest: audit sink write failed", "alertId", alert.AlertID, "error", err)
		}
	}()
}

func eventIDOrUnknown(event *riskevents.PaymentEvent) string {
	if event == nil {
		return "unknown"
	}
	return event.EventID
}
