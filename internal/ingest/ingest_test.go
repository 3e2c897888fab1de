package ingest

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/mbd888/payment-risk-engine/internal/alertpublish"
	"github.com/mbd888/payment-risk-engine/internal/alertstore"
	"github.com/mbd888/payment-risk-engine/internal/riskevents"
)

type fakeEngine struct {
	evaluated []string
	alertFor  map[string]*riskevents.RiskAlert
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{alertFor: make(map[string]*riskevents.RiskAlert)}
}

func (f *fakeEngine) Evaluate(ctx context.Context, event *riskevents.PaymentEvent) (*riskevents.RiskAlert, bool) {
	f.evaluated = append(f.evaluated, event.EventID)
	alert, ok := f.alertFor[event.EventID]
	return alert, ok
}

func ptrFloat(v float64) *float64 { return &v }

func mkEvent(id, entity string) *riskevents.PaymentEvent {
	now := time.Now()
	return &riskevents.PaymentEvent{
		EventID:           id,
		EventType:         riskevents.EventCompleted,
		MerchantReference: entity,
		Amount:            ptrFloat(10),
		Timestamp:         &now,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func newTestConsumer(source Source, engine Engine) (*Consumer, *alertstore.Store, *alertpublish.Publisher) {
	recent := alertstore.New()
	publisher := alertpublish.New(slog.Default())
	consumer := New(source, engine, nil, recent, publisher, nil, DefaultConfig(), slog.Default())
	return consumer, recent, publisher
}

func TestPoisonMessageIsDroppedNotCrashed(t *testing.T) {
	src := NewChannelSource(1)
	engine := newFakeEngine()
	consumer, recent, _ := newTestConsumer(src, engine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go consumer.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	src.Publish(ctx, &riskevents.PaymentEvent{}) // all-null record
	src.Publish(ctx, mkEvent("e1", "m1"))

	waitFor(t, time.Second, func() bool { return len(engine.evaluated) == 1 })
	if engine.evaluated[0] != "e1" {
		t.Errorf("expected only the valid event to reach the engine, got %v", engine.evaluated)
	}
	if len(recent.GetRecent(10)) != 0 {
		t.Error("expected no alert for a non-triggering event")
	}
}

func TestAlertFlowsToRecentStoreAndPublisher(t *testing.T) {
	src := NewChannelSource(1)
	engine := newFakeEngine()
	engine.alertFor["e1"] = &riskevents.RiskAlert{AlertID: "a1", EntityID: "m1", Level: riskevents.LevelHigh}

	consumer, recent, publisher := newTestConsumer(src, engine)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, unsub := publisher.Subscribe("test")
	defer unsub()

	go consumer.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	src.Publish(ctx, mkEvent("e1", "m1"))

	waitFor(t, time.Second, func() bool { return len(recent.GetRecent(10)) == 1 })
	if recent.GetRecent(10)[0].AlertID != "a1" {
		t.Errorf("expected alert a1 in recent store, got %+v", recent.GetRecent(10))
	}

	select {
	case published := <-ch:
		if published.AlertID != "a1" {
			t.Errorf("expected published alert a1, got %s", published.AlertID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for published alert")
	}
}

func TestNoAlertProducesNoSideEffects(t *testing.T) {
	src := NewChannelSource(1)
	engine := newFakeEngine()
	consumer, recent, publisher := newTestConsumer(src, engine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, unsub := publisher.Subscribe("test")
	defer unsub()
	go consumer.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	src.Publish(ctx, mkEvent("e1", "m1"))
	waitFor(t, time.Second, func() bool { return len(engine.evaluated) == 1 })
	time.Sleep(50 * time.Millisecond)

	if len(recent.GetRecent(10)) != 0 {
		t.Error("expected no alert recorded for a non-triggering event")
	}
}

func TestSameEntityEventsRouteToSamePartition(t *testing.T) {
	src := NewChannelSource(4)

	first := src.partitionFor("merchant-xyz")
	second := src.partitionFor("merchant-xyz")
	if first != second {
		t.Errorf("expected deterministic partition assignment, got %d then %d", first, second)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	src := NewChannelSource(1)
	engine := newFakeEngine()
	consumer, _, _ := newTestConsumer(src, engine)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		consumer.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	src.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop after context cancellation")
	}
}
