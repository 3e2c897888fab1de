// Package riskevents defines the immutable value records shared by every
// stage of the risk pipeline: the inbound PaymentEvent, the internal
// EventEntry recorded into a rolling window, the WindowFeatures derived
// from a window snapshot, and the outbound RiskAlert.
package riskevents

import (
	"encoding/json"
	"time"
)

// EventType enumerates the payment lifecycle states a PaymentEvent may
// report. Unknown values are tolerated — they simply never match
// EventFailed.
type EventType string

const (
	EventRequested EventType = "REQUESTED"
	EventCompleted EventType = "COMPLETED"
	EventFailed    EventType = "FAILED"
	EventRefunded  EventType = "REFUNDED"
)

// EntityType groups the entityId derived from an event. MERCHANT is the
// only type produced today; the field exists so a future derivation
// (e.g. CUSTOMER) doesn't require a WindowFeatures shape change.
type EntityType string

const EntityMerchant EntityType = "MERCHANT"

// PaymentEvent is the inbound record read off the payment-events topic.
// Every field besides EventID is allowed to be absent; StreamConsumer and
// WindowAggregator default missing fields rather than rejecting the event.
type PaymentEvent struct {
	EventID           string     `json:"eventId"`
	IdempotencyKey    string     `json:"idempotencyKey"`
	EventType         EventType  `json:"eventType"`
	Amount            *float64   `json:"amount"` // nil means "absent" — treated as 0 with a warning
	CurrencyCode      string     `json:"currencyCode"`
	Timestamp         *time.Time `json:"timestamp"` // nil means "absent" — substituted with receive time
	MerchantReference string     `json:"merchantReference"`
	CorrelationID     string     `json:"correlationId"`
	CustomerID        string     `json:"customerId"`
	Email             string     `json:"email"`
	ClientIP          string     `json:"clientIp"`
	PaymentMethodID   string     `json:"paymentMethodId"`
	CardBin           string     `json:"cardBin"`
	CardLast4         string     `json:"cardLast4"`
	NetworkToken      string     `json:"networkToken"`
	PAR               string     `json:"par"`
	CardFingerprint   string     `json:"cardFingerprint"`
}

// DecodeEvent parses a single payment-events message body into a
// PaymentEvent. A "null" payload or an event that decodes but carries no
// identifying fields is not an error — the caller checks IsPoison and logs
// it rather than treating it as a deserialization failure.
func DecodeEvent(data []byte) (*PaymentEvent, error) {
	var e PaymentEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// IsPoison reports whether the event carries no identifying information
// at all — StreamConsumer logs and skips these without ever reaching the
// aggregator or engine.
func (e *PaymentEvent) IsPoison() bool {
	if e == nil {
		return true
	}
	return e.EventID == "" && e.MerchantReference == "" && e.CorrelationID == "" &&
		e.CustomerID == "" && e.Email == "" && e.PAR == ""
}

// EntityID derives the aggregation key for an event: merchantReference if
// non-blank, else correlationId, else the literal "default". Deterministic
// and pure — never touches the clock or any store.
func (e *PaymentEvent) EntityID() string {
	if e.MerchantReference != "" {
		return e.MerchantReference
	}
	if e.CorrelationID != "" {
		return e.CorrelationID
	}
	return "default"
}

// AmountOrZero returns the event amount, defaulting a nil Amount to 0.
func (e *PaymentEvent) AmountOrZero() float64 {
	if e.Amount == nil {
		return 0
	}
	return *e.Amount
}

// TimestampOrNow returns the event timestamp, defaulting a nil Timestamp
// to the given wall-clock reading.
func (e *PaymentEvent) TimestampOrNow(now time.Time) time.Time {
	if e.Timestamp == nil {
		return now
	}
	return *e.Timestamp
}

// EventEntry is the internal, append-only record stored inside a window.
// isFailure is derived once at record time, not recomputed from EventType
// later — entries are never mutated after creation.
type EventEntry struct {
	EventID     string
	TimestampMs int64
	Amount      float64
	IsFailure   bool
}

// WindowFeatures is the set of derived statistics WindowAggregator
// computes on demand from a window snapshot. All fields are computed
// fresh on every call — nothing here is cached between reads.
type WindowFeatures struct {
	EntityID      string
	EntityType    EntityType
	WindowStartMs int64
	WindowEndMs   int64

	TotalCount   int
	FailureCount int
	FailureRate  float64

	TotalAmount float64
	AvgAmount   float64
	MaxAmount   float64
	MinAmount   float64

	CountLast1Min int
	CountLast5Min int

	HourOfDay int
	DayOfWeek int // Monday = 0

	SecondsSinceLastTransaction float64

	AmountVariance        float64
	AmountTrend           int // sign of (last - first): -1, 0, 1
	IncreasingAmountCount int
	DecreasingAmountCount int
	AvgTimeGapSeconds     float64
}

// SignalType names a single triggered risk condition.
type SignalType string

const (
	SignalHighFailureRate  SignalType = "HIGH_FAILURE_RATE"
	SignalVelocitySpike    SignalType = "VELOCITY_SPIKE"
	SignalLargeAmount      SignalType = "LARGE_AMOUNT"
	SignalAmountEscalation SignalType = "AMOUNT_ESCALATION"
	SignalOffHours         SignalType = "OFF_HOURS"
	SignalEmailMultiplePAR SignalType = "EMAIL_MULTIPLE_PAR"
	SignalPARMultipleEmail SignalType = "PAR_MULTIPLE_EMAIL"
)

// Level is the severity bucket a RiskAlert's score maps to.
type Level string

const (
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

// RiskAlert is the output of a triggered risk evaluation.
type RiskAlert struct {
	AlertID             string       `json:"alertId"`
	Timestamp           time.Time    `json:"timestamp"`
	Level               Level        `json:"level"`
	SignalTypes         []SignalType `json:"signalTypes"`
	RiskScore           float64      `json:"riskScore"`
	EntityID            string       `json:"entityId"`
	EntityType          EntityType   `json:"entityType"`
	RelatedEventIDs     []string     `json:"relatedEventIds"`
	Amount              float64      `json:"amount"`
	CurrencyCode        string       `json:"currencyCode"`
	Summary             string       `json:"summary"`
	DetailedExplanation *string      `json:"detailedExplanation,omitempty"`
}

// PublishKey is the key AlertPublisher and the risk-alerts topic use:
// entityId if present, else the alert id.
func (a *RiskAlert) PublishKey() string {
	if a.EntityID != "" {
		return a.EntityID
	}
	return a.AlertID
}
