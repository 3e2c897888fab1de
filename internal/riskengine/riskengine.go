// Package riskengine fuses per-entity window features and cross-entity
// identity linkage into a single weighted risk score for each incoming
// payment event, emitting at most one RiskAlert per event.
//
// Structurally this generalizes the same weighted-factor scoring shape
// used elsewhere in this codebase for session-key transaction risk
// (velocity / novelty / time-of-day / burn-rate, clamped and summed) to
// the seven-signal battery this domain's spec requires, adding the
// cross-entity identity-linkage signals a single sliding window can't
// see on its own.
package riskengine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/mbd888/payment-risk-engine/internal/linkstore"
	"github.com/mbd888/payment-risk-engine/internal/riskevents"
)

// Signal weights, per the published signal battery. Declared as a table
// so Evaluate's iteration order — and therefore alert determinism — is
// fixed at package init, not derived from map iteration.
type signalDef struct {
	Type        riskevents.SignalType
	Weight      float64
	AlwaysAlert bool
}

var signalTable = []signalDef{
	{riskevents.SignalHighFailureRate, 0.35, false},
	{riskevents.SignalVelocitySpike, 0.30, false},
	{riskevents.SignalLargeAmount, 0.20, false},
	{riskevents.SignalAmountEscalation, 0.25, false},
	{riskevents.SignalOffHours, 0.10, false},
	{riskevents.SignalEmailMultiplePAR, 0.30, false},
	{riskevents.SignalPARMultipleEmail, 0.30, false},
}

// Default threshold and level boundaries.
const (
	DefaultThreshold      = 0.5
	DefaultMediumLevel    = 0.50
	DefaultHighLevel      = 0.65
	DefaultCriticalLevel  = 0.85
	relatedEventIDsLimit  = 10
	minPARsForEmailSignal = 3
	minEmailsForPARSignal = 3
)

// LevelThresholds is the score-to-severity mapping, configurable per
// spec.md's risk.level.thresholds.
type LevelThresholds struct {
	Medium   float64
	High     float64
	Critical float64
}

// DefaultLevelThresholds returns the published defaults.
func DefaultLevelThresholds() LevelThresholds {
	return LevelThresholds{Medium: DefaultMediumLevel, High: DefaultHighLevel, Critical: DefaultCriticalLevel}
}

// Aggregator is the subset of *aggregator.Aggregator the engine depends
// on — declared as an interface so the engine can be tested and so a
// distributed backend can be substituted without the engine importing
// a concrete storage package.
type Aggregator interface {
	Record(event *riskevents.PaymentEvent)
	GetFeatures(entityID string) (*riskevents.WindowFeatures, bool)
	RecentEventIDs(entityID string, limit int) []string
}

// Engine is a pure function of (event, aggregator state, link-store
// state) → optional alert. It holds no mutable state of its own besides
// the references to its two collaborators, which it never owns the
// lifecycle of (no back-reference from either store to the engine).
type Engine struct {
	aggregator      Aggregator
	links           linkstore.Store
	threshold       float64
	levelThresholds LevelThresholds
	logger          *slog.Logger
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithThreshold overrides the default alert threshold.
func WithThreshold(t float64) Option {
	return func(e *Engine) { e.threshold = t }
}

// WithLevelThresholds overrides the default level boundaries.
func WithLevelThresholds(lt LevelThresholds) Option {
	return func(e *Engine) { e.levelThresholds = lt }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// New creates a RiskEngine wired to the given aggregator and link store.
func New(agg Aggregator, links linkstore.Store, opts ...Option) *Engine {
	e := &Engine{
		aggregator:      agg,
		links:           links,
		threshold:       DefaultThreshold,
		levelThresholds: DefaultLevelThresholds(),
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate records event into the aggregator (so the current event
// participates in its own window, per observed/specified behavior),
// scores it against the resulting window features and the link store's
// current state, links email↔par *after* scoring (so this event's own
// linkage never self-triggers a linkage signal), and returns an alert
// when the aggregate score clears the threshold or any triggered signal
// is marked always-alert.
func (e *Engine) Evaluate(ctx context.Context, event *riskevents.PaymentEvent) (*riskevents.RiskAlert, bool) {
	_ = ctx // reserved for tracing spans at the call site; pure otherwise
	entityID := event.EntityID()

	e.aggregator.Record(event)
	features, haveFeatures := e.aggregator.GetFeatures(entityID)

	var triggered []riskevents.SignalType
	var score float64
	var alwaysAlert bool

	for _, sig := range signalTable {
		hit := e.evaluateSignal(sig.Type, event, features, haveFeatures)
		if !hit {
			continue
		}
		triggered = append(triggered, sig.Type)
		score += sig.Weight
		if sig.AlwaysAlert {
			alwaysAlert = true
		}
	}

	if score > 1.0 {
		score = 1.0
	}
	if score < 0.0 {
		score = 0.0
	}

	// Link this event's identity pair only after it has been scored, so
	// it can never be the event that makes itself look linked.
	if event.Email != "" && event.PAR != "" {
		e.links.Link(event.Email, event.PAR)
	}

	if len(triggered) == 0 || (score < e.threshold && !alwaysAlert) {
		return nil, false
	}

	sort.Slice(triggered, func(i, j int) bool { return triggered[i] < triggered[j] })

	alert := &riskevents.RiskAlert{
		AlertID:         alertID(event.EventID, triggered),
		Timestamp:       event.TimestampOrNow(time.Now()),
		Level:           levelFor(score, e.levelThresholds),
		SignalTypes:     triggered,
		RiskScore:       score,
		EntityID:        entityID,
		EntityType:      riskevents.EntityMerchant,
		RelatedEventIDs: e.aggregator.RecentEventIDs(entityID, relatedEventIDsLimit),
		Amount:          event.AmountOrZero(),
		CurrencyCode:    event.CurrencyCode,
		Summary:         summaryFor(triggered),
	}
	return alert, true
}

func (e *Engine) evaluateSignal(sig riskevents.SignalType, event *riskevents.PaymentEvent, f *riskevents.WindowFeatures, haveFeatures bool) bool {
	switch sig {
	case riskevents.SignalHighFailureRate:
		return haveFeatures && f.TotalCount >= 3 && f.FailureRate >= 0.5

	case riskevents.SignalVelocitySpike:
		return haveFeatures && f.CountLast1Min >= 10

	case riskevents.SignalLargeAmount:
		return haveFeatures && f.AvgAmount > 0 && event.AmountOrZero() >= 3*f.AvgAmount

	case riskevents.SignalAmountEscalation:
		return haveFeatures && f.IncreasingAmountCount >= 3 && f.AvgTimeGapSeconds < 30

	case riskevents.SignalOffHours:
		if !haveFeatures {
			return false
		}
		if f.HourOfDay < 0 || f.HourOfDay > 5 {
			return false
		}
		threshold := f.AvgAmount
		if threshold < 500 {
			threshold = 500
		}
		return event.AmountOrZero() > threshold

	case riskevents.SignalEmailMultiplePAR:
		if event.Email == "" {
			return false
		}
		return len(e.links.ParsForEmail(event.Email)) >= minPARsForEmailSignal

	case riskevents.SignalPARMultipleEmail:
		if event.PAR == "" {
			return false
		}
		return len(e.links.EmailsForPar(event.PAR)) >= minEmailsForPARSignal

	default:
		return false
	}
}

func levelFor(score float64, lt LevelThresholds) riskevents.Level {
	switch {
	case score >= lt.Critical:
		return riskevents.LevelCritical
	case score >= lt.High:
		return riskevents.LevelHigh
	case score >= lt.Medium:
		return riskevents.LevelMedium
	default:
		return riskevents.LevelLow
	}
}

// alertID is a stable hash of the triggering event id and the sorted
// signal set, so replaying the same event against the same state always
// yields the same alert identity — the dedupe key downstream consumers
// rely on.
func alertID(eventID string, signals []riskevents.SignalType) string {
	parts := make([]string, len(signals))
	for i, s := range signals {
		parts[i] = string(s)
	}
	h := sha256.New()
	h.Write([]byte(eventID))
	h.Write([]byte("|"))
	h.Write([]byte(strings.Join(parts, ",")))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// summaryFor renders a one-line summary keyed off the highest-weight
// triggered signal. signalTable is not itself in weight order, so the
// signals are walked by descending weight (equal weights keep their
// signalTable order) and the first one found in triggered wins.
func summaryFor(triggered []riskevents.SignalType) string {
	triggeredSet := make(map[riskevents.SignalType]struct{}, len(triggered))
	for _, s := range triggered {
		triggeredSet[s] = struct{}{}
	}
	for _, sig := range signalsByWeightDesc() {
		if _, ok := triggeredSet[sig]; ok {
			return summaryTemplates[sig]
		}
	}
	return "risk signals triggered"
}

var summaryTemplates = map[riskevents.SignalType]string{
	riskevents.SignalHighFailureRate:  "elevated failure rate in rolling window",
	riskevents.SignalVelocitySpike:    "transaction velocity spike",
	riskevents.SignalAmountEscalation: "escalating transaction amounts consistent with card testing",
	riskevents.SignalEmailMultiplePAR: "email linked to multiple payment account references",
	riskevents.SignalPARMultipleEmail: "payment account reference linked to multiple emails",
	riskevents.SignalLargeAmount:      "transaction amount far above entity average",
	riskevents.SignalOffHours:         "large off-hours transaction",
}

func signalsByWeightDesc() []riskevents.SignalType {
	sorted := make([]signalDef, len(signalTable))
	copy(sorted, signalTable)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Weight > sorted[j].Weight })
	out := make([]riskevents.SignalType, len(sorted))
	for i, s := range sorted {
		out[i] = s.Type
	}
	return out
}
