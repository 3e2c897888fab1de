// Package alertpublish fans risk alerts out to in-process subscribers
// (the live alert feed) without ever letting a slow subscriber apply
// backpressure to the risk engine that produced the alert.
//
// The shape is the same register/unregister/broadcast hub used for
// WebSocket fan-out elsewhere in this codebase, generalized from
// *websocket.Conn subscribers to a plain channel-of-alert interface.
// Webhook delivery does not go through it: the stream consumer calls
// the webhook dispatcher directly.
package alertpublish

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mbd888/payment-risk-engine/internal/metrics"
	"github.com/mbd888/payment-risk-engine/internal/riskevents"
)

// SubscriberBuffer is the per-subscriber channel capacity. A subscriber
// that falls this far behind loses alerts rather than stalling the hub.
const SubscriberBuffer = 256

// BroadcastBuffer is the hub's internal intake queue depth.
const BroadcastBuffer = 256

type subscriber struct {
	name string
	ch   chan *riskevents.RiskAlert
}

// Publisher is a non-blocking fan-out hub for risk alerts. Zero value is
// not usable; construct with New.
type Publisher struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	incoming    chan *riskevents.RiskAlert
	logger      *slog.Logger
	done        chan struct{}
}

// New creates a Publisher. A nil logger defaults to slog.Default().
func New(logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		subscribers: make(map[string]*subscriber),
		incoming:    make(chan *riskevents.RiskAlert, BroadcastBuffer),
		logger:      logger,
		done:        make(chan struct{}),
	}
}

// Subscribe registers a named subscriber and returns the channel it
// should range over to receive alerts, plus an unsubscribe func. Calling
// Subscribe again with the same name replaces the previous subscription.
func (p *Publisher) Subscribe(name string) (<-chan *riskevents.RiskAlert, func()) {
	ch := make(chan *riskevents.RiskAlert, SubscriberBuffer)

	p.mu.Lock()
	if old, ok := p.subscribers[name]; ok {
		close(old.ch)
	}
	p.subscribers[name] = &subscriber{name: name, ch: ch}
	p.mu.Unlock()

	return ch, func() { p.unsubscribe(name) }
}

func (p *Publisher) unsubscribe(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sub, ok := p.subscribers[name]; ok {
		close(sub.ch)
		delete(p.subscribers, name)
	}
}

// Publish enqueues alert for fan-out. Never blocks: if the hub's own
// intake queue is full, the alert is logged and dropped rather than
// slowing the risk engine that called Publish.
func (p *Publisher) Publish(alert *riskevents.RiskAlert) {
	select {
	case p.incoming <- alert:
	default:
		p.logger.Warn("alertpublish: intake queue full, dropping alert",
			"alertId", alert.AlertID, "key", alert.PublishKey())
		metrics.AlertsDroppedTotal.WithLabelValues("intake").Inc()
	}
}

// Run drains the intake queue and fans each alert out to every current
// subscriber until ctx is done. Intended to run in its own goroutine for
// the lifetime of the process.
func (p *Publisher) Run(ctx context.Context) {
	p.logger.Info("alert publisher started")
	defer close(p.done)

	for {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			for name, sub := range p.subscribers {
				close(sub.ch)
				delete(p.subscribers, name)
			}
			p.mu.Unlock()
			p.logger.Info("alert publisher stopped")
			return

		case alert := <-p.incoming:
			p.broadcast(alert)
		}
	}
}

// broadcast fans alert out to every current subscriber. key is the same
// entityId-or-alertId PublishKey a real topic-backed Producer would key
// its message on; this in-process hub has no partitioning to do with it,
// but logs it on every subscriber outcome so delivery can be traced by
// the same key a broker-backed implementation would use.
func (p *Publisher) broadcast(alert *riskevents.RiskAlert) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	key := alert.PublishKey()
	for _, sub := range p.subscribers {
		select {
		case sub.ch <- alert:
		default:
			p.logger.Warn("alertpublish: subscriber channel full, dropping alert",
				"subscriber", sub.name, "alertId", alert.AlertID, "key", key)
			metrics.AlertsDroppedTotal.WithLabelValues(sub.name).Inc()
		}
	}
}

// SubscriberCount returns the number of currently registered subscribers.
func (p *Publisher) SubscriberCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subscribers)
}
