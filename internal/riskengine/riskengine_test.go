package riskengine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/mbd888/payment-risk-engine/internal/linkstore"
	"github.com/mbd888/payment-risk-engine/internal/riskevents"
)

// fakeAggregator lets a test dictate exactly the WindowFeatures the engine
// sees for a given entity, isolating signal-evaluation logic from the real
// aggregator's windowing behavior (that's aggregator_test.go's job).
type fakeAggregator struct {
	features map[string]*riskevents.WindowFeatures
	recorded []string
}

func newFakeAggregator() *fakeAggregator {
	return &fakeAggregator{features: make(map[string]*riskevents.WindowFeatures)}
}

func (f *fakeAggregator) Record(event *riskevents.PaymentEvent) {
	f.recorded = append(f.recorded, event.EventID)
}

func (f *fakeAggregator) GetFeatures(entityID string) (*riskevents.WindowFeatures, bool) {
	feat, ok := f.features[entityID]
	return feat, ok
}

func (f *fakeAggregator) RecentEventIDs(entityID string, limit int) []string {
	if limit <= 0 || limit > len(f.recorded) {
		limit = len(f.recorded)
	}
	return f.recorded[len(f.recorded)-limit:]
}

func ptrFloat(v float64) *float64 { return &v }

func baseEvent(id, entity string) *riskevents.PaymentEvent {
	now := time.Now()
	return &riskevents.PaymentEvent{
		EventID:           id,
		EventType:         riskevents.EventCompleted,
		MerchantReference: entity,
		Amount:            ptrFloat(30),
		CurrencyCode:      "USD",
		Timestamp:         &now,
	}
}

func TestNoFeaturesNoAlert(t *testing.T) {
	agg := newFakeAggregator()
	engine := New(agg, linkstore.NewMemoryStore())

	alert, ok := engine.Evaluate(context.Background(), baseEvent("e1", "m1"))
	if ok || alert != nil {
		t.Fatalf("expected no alert for an entity with no window features, got %+v", alert)
	}
}

func TestVelocitySpikeCombinedWithLargeAmountAlerts(t *testing.T) {
	agg := newFakeAggregator()
	agg.features["m1"] = &riskevents.WindowFeatures{
		EntityID:      "m1",
		TotalCount:    0,
		CountLast1Min: 10,
		AvgAmount:     10,
		HourOfDay:     12,
	}
	engine := New(agg, linkstore.NewMemoryStore())

	event := baseEvent("e1", "m1")
	alert, ok := engine.Evaluate(context.Background(), event)
	if !ok {
		t.Fatal("expected an alert")
	}
	if alert.RiskScore < 0.30 {
		t.Errorf("expected risk score at least 0.30, got %f", alert.RiskScore)
	}
	if alert.Level != riskevents.LevelMedium {
		t.Errorf("expected MEDIUM level, got %s", alert.Level)
	}

	hasVelocity := false
	hasLargeAmount := false
	for _, sig := range alert.SignalTypes {
		if sig == riskevents.SignalVelocitySpike {
			hasVelocity = true
		}
		if sig == riskevents.SignalLargeAmount {
			hasLargeAmount = true
		}
	}
	if !hasVelocity {
		t.Error("expected VELOCITY_SPIKE among triggered signals")
	}
	if !hasLargeAmount {
		t.Error("expected LARGE_AMOUNT among triggered signals")
	}
}

func TestLinkageSignalRequiresThreePriorDistinctLinks(t *testing.T) {
	agg := newFakeAggregator()
	links := linkstore.NewMemoryStore()
	// A low threshold isolates the linkage signal (weight 0.30) so this
	// test can focus on exactly when it starts firing, independent of
	// the default alert threshold.
	engine := New(agg, links, WithThreshold(0.25))

	mkEvent := func(id, par string) *riskevents.PaymentEvent {
		e := baseEvent(id, "m1")
		e.Email = "buyer@example.com"
		e.PAR = par
		return e
	}

	for i, par := range []string{"par-1", "par-2", "par-3"} {
		_, ok := engine.Evaluate(context.Background(), mkEvent(fmt.Sprintf("e%d", i), par))
		if ok {
			t.Fatalf("event %d should not trigger EMAIL_MULTIPLE_PAR yet (only %d prior link(s))", i, i)
		}
	}

	alert, ok := engine.Evaluate(context.Background(), mkEvent("e4", "par-4"))
	if !ok {
		t.Fatal("expected the 4th distinct PAR to trigger EMAIL_MULTIPLE_PAR")
	}
	found := false
	for _, sig := range alert.SignalTypes {
		if sig == riskevents.SignalEmailMultiplePAR {
			found = true
		}
	}
	if !found {
		t.Errorf("expected EMAIL_MULTIPLE_PAR among triggered signals, got %v", alert.SignalTypes)
	}

	// Once scored, the 4th event's own (email, par-4) pair is linked too,
	// so four PARs are now recorded for the email.
	pars := links.ParsForEmail("buyer@example.com")
	if len(pars) != 4 {
		t.Errorf("expected 4 linked pars after the 4th event, got %d: %v", len(pars), pars)
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	build := func() (*Engine, *riskevents.PaymentEvent) {
		agg := newFakeAggregator()
		agg.features["m1"] = &riskevents.WindowFeatures{
			EntityID:      "m1",
			CountLast1Min: 10,
			AvgAmount:     10,
		}
		return New(agg, linkstore.NewMemoryStore()), baseEvent("e1", "m1")
	}

	engineA, eventA := build()
	alertA, okA := engineA.Evaluate(context.Background(), eventA)

	engineB, eventB := build()
	alertB, okB := engineB.Evaluate(context.Background(), eventB)

	if okA != okB {
		t.Fatalf("determinism mismatch: ok=%v vs ok=%v", okA, okB)
	}
	if !okA {
		return
	}
	if alertA.AlertID != alertB.AlertID {
		t.Errorf("expected identical alert ids, got %s vs %s", alertA.AlertID, alertB.AlertID)
	}
	if alertA.RiskScore != alertB.RiskScore {
		t.Errorf("expected identical risk scores, got %f vs %f", alertA.RiskScore, alertB.RiskScore)
	}
}

func TestScoreIsClampedToOne(t *testing.T) {
	agg := newFakeAggregator()
	agg.features["m1"] = &riskevents.WindowFeatures{
		EntityID:              "m1",
		TotalCount:            5,
		FailureRate:           1.0,
		CountLast1Min:         10,
		AvgAmount:             1,
		IncreasingAmountCount: 3,
		AvgTimeGapSeconds:     5,
		HourOfDay:             2,
	}
	links := linkstore.NewMemoryStore()
	event := baseEvent("e1", "m1")
	event.Email = "buyer@example.com"
	event.PAR = "par-1"
	event.Amount = ptrFloat(1000)

	links.Link("buyer@example.com", "par-a")
	links.Link("buyer@example.com", "par-b")
	links.Link("buyer@example.com", "par-c")

	engine := New(agg, links)
	alert, ok := engine.Evaluate(context.Background(), event)
	if !ok {
		t.Fatal("expected an alert")
	}
	if alert.RiskScore > 1.0 {
		t.Errorf("expected score clamped to 1.0, got %f", alert.RiskScore)
	}
	if alert.Level != riskevents.LevelCritical {
		t.Errorf("expected CRITICAL level for a fully-clamped score, got %s", alert.Level)
	}
}
