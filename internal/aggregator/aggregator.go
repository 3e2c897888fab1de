// Package aggregator maintains, per entity id, a rolling 5-minute window
// of payment events and computes the derived features the risk engine
// scores against.
//
// The design mirrors a sliding-window sliding-score pattern already used
// elsewhere in this codebase for per-key velocity tracking: one mutex-
// guarded entry slice per key, snapshotted under lock and then processed
// lock-free. Different entities never contend with each other.
package aggregator

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/payment-risk-engine/internal/riskevents"
)

// WindowDuration is the trailing interval over which features are
// computed. Fixed per spec — not configurable per entity.
const WindowDuration = 5 * time.Minute

// Velocity1MinWindow is the short window used for CountLast1Min.
const Velocity1MinWindow = 1 * time.Minute

type keyWindow struct {
	mu      sync.Mutex
	entries []riskevents.EventEntry
}

// Aggregator is a per-entity rolling window store. Zero value is not
// usable — construct with New.
type Aggregator struct {
	windows sync.Map // map[string]*keyWindow
	logger  *slog.Logger
	now     func() time.Time // overridable for tests
}

// New creates an Aggregator. A nil logger defaults to slog.Default().
func New(logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{logger: logger, now: time.Now}
}

func (a *Aggregator) clock() time.Time {
	if a.now != nil {
		return a.now()
	}
	return time.Now()
}

func (a *Aggregator) getWindow(entityID string) *keyWindow {
	v, _ := a.windows.LoadOrStore(entityID, &keyWindow{})
	return v.(*keyWindow)
}

// Record derives the entity id from event, normalizes a missing
// timestamp/amount, appends an EventEntry, and evicts entries older than
// WindowDuration from that entity's sequence. It never blocks on another
// entity's critical section and never panics on malformed input.
func (a *Aggregator) Record(event *riskevents.PaymentEvent) {
	if event.IsPoison() {
		a.logger.Warn("aggregator: refusing to record poison event")
		return
	}

	now := a.clock()
	entityID := event.EntityID()

	if event.Amount == nil {
		a.logger.Warn("aggregator: event missing amount, defaulting to zero",
			"eventId", event.EventID, "entityId", entityID)
	}
	if event.Timestamp == nil {
		a.logger.Warn("aggregator: event missing timestamp, substituting receive time",
			"eventId", event.EventID, "entityId", entityID)
	}

	entry := riskevents.EventEntry{
		EventID:     event.EventID,
		TimestampMs: event.TimestampOrNow(now).UnixMilli(),
		Amount:      event.AmountOrZero(),
		IsFailure:   event.EventType == riskevents.EventFailed,
	}

	w := a.getWindow(entityID)
	w.mu.Lock()
	w.entries = append(w.entries, entry)
	evict(w, now)
	w.mu.Unlock()
}

// evict drops entries older than now-WindowDuration. Caller holds w.mu.
func evict(w *keyWindow, now time.Time) {
	cutoff := now.Add(-WindowDuration).UnixMilli()
	i := 0
	for i < len(w.entries) && w.entries[i].TimestampMs < cutoff {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}

// GetFeatures snapshots the in-window entries for entityID and computes
// WindowFeatures. Returns (nil, false) when no in-window entries exist.
func (a *Aggregator) GetFeatures(entityID string) (*riskevents.WindowFeatures, bool) {
	v, ok := a.windows.Load(entityID)
	if !ok {
		return nil, false
	}
	w := v.(*keyWindow)
	now := a.clock()

	w.mu.Lock()
	evict(w, now)
	snapshot := make([]riskevents.EventEntry, len(w.entries))
	copy(snapshot, w.entries)
	w.mu.Unlock()

	if len(snapshot) == 0 {
		return nil, false
	}

	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].TimestampMs < snapshot[j].TimestampMs
	})

	return computeFeatures(entityID, snapshot, now), true
}

// RecentEventIDs returns up to limit of the most recent in-window event
// ids for entityID, oldest-of-the-selected-tail first (i.e. the same
// ascending order GetFeatures computes features over). Used by the risk
// engine to populate RiskAlert.RelatedEventIDs.
func (a *Aggregator) RecentEventIDs(entityID string, limit int) []string {
	v, ok := a.windows.Load(entityID)
	if !ok {
		return nil
	}
	w := v.(*keyWindow)
	now := a.clock()

	w.mu.Lock()
	evict(w, now)
	snapshot := make([]riskevents.EventEntry, len(w.entries))
	copy(snapshot, w.entries)
	w.mu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].TimestampMs < snapshot[j].TimestampMs
	})

	if limit <= 0 || limit > len(snapshot) {
		limit = len(snapshot)
	}
	start := len(snapshot) - limit
	out := make([]string, 0, limit)
	for _, e := range snapshot[start:] {
		out = append(out, e.EventID)
	}
	return out
}

// GetFeaturesFromEvent is equivalent to GetFeatures(entityIdFrom(event))
// — it looks up, it never records. Callers wanting a "pre-event" view of
// the window should use this instead of Record+GetFeatures.
func (a *Aggregator) GetFeaturesFromEvent(event *riskevents.PaymentEvent) (*riskevents.WindowFeatures, bool) {
	return a.GetFeatures(event.EntityID())
}

func computeFeatures(entityID string, entries []riskevents.EventEntry, now time.Time) *riskevents.WindowFeatures {
	f := &riskevents.WindowFeatures{
		EntityID:      entityID,
		EntityType:    riskevents.EntityMerchant,
		WindowStartMs: now.Add(-WindowDuration).UnixMilli(),
		WindowEndMs:   now.UnixMilli(),
		TotalCount:    len(entries),
	}

	oneMinAgo := now.Add(-Velocity1MinWindow).UnixMilli()

	f.MinAmount = entries[0].Amount
	f.MaxAmount = entries[0].Amount

	for _, e := range entries {
		f.TotalAmount += e.Amount
		if e.IsFailure {
			f.FailureCount++
		}
		if e.Amount > f.MaxAmount {
			f.MaxAmount = e.Amount
		}
		if e.Amount < f.MinAmount {
			f.MinAmount = e.Amount
		}
		if e.TimestampMs >= oneMinAgo {
			f.CountLast1Min++
		}
	}

	if f.TotalCount > 0 {
		f.FailureRate = float64(f.FailureCount) / float64(f.TotalCount)
		f.AvgAmount = roundHalfUp2dp(f.TotalAmount / float64(f.TotalCount))
	}

	// countLast5Min is, by design, equal to totalCount — the window
	// itself is 5 minutes wide. Preserved as-is; not a bug to fix here.
	f.CountLast5Min = f.TotalCount

	last := entries[len(entries)-1]
	lastTs := time.UnixMilli(last.TimestampMs).UTC()
	f.HourOfDay = lastTs.Hour()
	f.DayOfWeek = mondayZeroWeekday(lastTs)

	if f.TotalCount >= 2 {
		prev := entries[len(entries)-2]
		f.SecondsSinceLastTransaction = float64(last.TimestampMs-prev.TimestampMs) / 1000.0
	}

	f.AmountVariance = variance(entries, f.TotalAmount)
	f.AmountTrend = sign(last.Amount - entries[0].Amount)

	var gapSum float64
	for i := 1; i < len(entries); i++ {
		diff := entries[i].Amount - entries[i-1].Amount
		switch {
		case diff > 0:
			f.IncreasingAmountCount++
		case diff < 0:
			f.DecreasingAmountCount++
		}
		gapSum += float64(entries[i].TimestampMs-entries[i-1].TimestampMs) / 1000.0
	}
	if f.TotalCount >= 2 {
		f.AvgTimeGapSeconds = gapSum / float64(f.TotalCount-1)
	}

	return f
}

func variance(entries []riskevents.EventEntry, total float64) float64 {
	if len(entries) < 2 {
		return 0
	}
	mean := total / float64(len(entries))
	var sumSq float64
	for _, e := range entries {
		d := e.Amount - mean
		sumSq += d * d
	}
	return sumSq / float64(len(entries))
}

func sign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

// mondayZeroWeekday converts Go's Sunday=0 weekday numbering to the
// spec's Monday=0 numbering.
func mondayZeroWeekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// roundHalfUp2dp rounds v to 2 decimal places using HALF_UP rounding.
// No decimal/money library exists anywhere in the example corpus this
// codebase is grounded on, so this is a deliberate small stdlib helper
// rather than a borrowed dependency.
func roundHalfUp2dp(v float64) float64 {
	scaled := v * 100
	_, frac := math.Modf(math.Abs(scaled))
	var rounded float64
	if frac >= 0.5 {
		rounded = math.Ceil(math.Abs(scaled))
	} else {
		rounded = math.Floor(math.Abs(scaled))
	}
	if scaled < 0 {
		rounded = -rounded
	}
	return rounded / 100
}
