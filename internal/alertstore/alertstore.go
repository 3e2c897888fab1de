// Package alertstore holds the bounded, newest-first ring of recent risk
// alerts exposed to operators via the read-only HTTP surface.
package alertstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mbd888/payment-risk-engine/internal/riskevents"
)

// MaxRecent is the maximum number of alerts the in-memory store retains.
const MaxRecent = 100

// Store is the in-process, authoritative recent-alerts cache. Safe for
// concurrent use — add and getRecent share one lock, matching the
// teacher store triad's single-writer-lock shape for small, frequently
// read collections.
type Store struct {
	mu     sync.RWMutex
	alerts []*riskevents.RiskAlert // newest first
	max    int
}

// New creates a RecentAlertsStore bounded at MaxRecent.
func New() *Store {
	return &Store{max: MaxRecent}
}

// NewWithCapacity creates a RecentAlertsStore bounded at the given
// capacity — used when config overrides recentAlerts.max.
func NewWithCapacity(max int) *Store {
	if max <= 0 {
		max = MaxRecent
	}
	return &Store{max: max}
}

// Add prepends alert and drops the oldest entry if the store is now over
// capacity.
func (s *Store) Add(alert *riskevents.RiskAlert) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.alerts = append([]*riskevents.RiskAlert{alert}, s.alerts...)
	if len(s.alerts) > s.max {
		s.alerts = s.alerts[:s.max]
	}
}

// GetRecent returns up to limit newest-first alerts. A limit <= 0 or
// greater than the store's size returns everything available.
func (s *Store) GetRecent(limit int) []*riskevents.RiskAlert {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.alerts) {
		limit = len(s.alerts)
	}
	out := make([]*riskevents.RiskAlert, limit)
	copy(out, s.alerts[:limit])
	return out
}

// PostgresStore durably persists alerts for audit/operator history
// beyond the in-memory ring's MaxRecent cap. RiskEngine and the read-only
// HTTP surface both read from the in-memory Store; this is purely a
// write-behind audit sink, mirroring risk.Engine's async-persist-to-Store
// pattern.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed alert audit sink.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the recent_alerts table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS recent_alerts (
			alert_id     TEXT PRIMARY KEY,
			entity_id    TEXT NOT NULL,
			level        TEXT NOT NULL,
			risk_score   NUMERIC(5,4) NOT NULL,
			signal_types JSONB NOT NULL,
			amount       NUMERIC(20,2) NOT NULL DEFAULT 0,
			currency     TEXT,
			summary      TEXT,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_recent_alerts_entity
			ON recent_alerts (entity_id, created_at DESC);
	`)
	return err
}

// Add persists alert. Errors are the caller's responsibility to log —
// this store is an audit sink, never read in the engine's hot path, so
// a failure here must never block alert delivery.
func (s *PostgresStore) Add(ctx context.Context, alert *riskevents.RiskAlert) error {
	signalsJSON, err := json.Marshal(alert.SignalTypes)
	if err != nil {
		return fmt.Errorf("alertstore: marshal signals: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO recent_alerts (alert_id, entity_id, level, risk_score, signal_types, amount, currency, summary, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (alert_id) DO NOTHING
	`,
		alert.AlertID, alert.EntityID, string(alert.Level), alert.RiskScore,
		signalsJSON, alert.Amount, alert.CurrencyCode, alert.Summary, alert.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("alertstore: insert alert: %w", err)
	}
	return nil
}

// ListByEntity returns the most recent alerts for entityID, newest first.
func (s *PostgresStore) ListByEntity(ctx context.Context, entityID string, limit int) ([]*riskevents.RiskAlert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT alert_id, entity_id, level, risk_score, signal_types, amount, currency, summary, created_at
		FROM recent_alerts
		WHERE entity_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("alertstore: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*riskevents.RiskAlert
	for rows.Next() {
		var a riskevents.RiskAlert
		var level string
		var signalsJSON []byte
		var createdAt time.Time
		var currency sql.NullString

		if err := rows.Scan(&a.AlertID, &a.EntityID, &level, &a.RiskScore, &signalsJSON, &a.Amount, &currency, &a.Summary, &createdAt); err != nil {
			continue
		}
		a.Level = riskevents.Level(level)
		a.Timestamp = createdAt
		a.CurrencyCode = currency.String
		_ = json.Unmarshal(signalsJSON, &a.SignalTypes)
		out = append(out, &a)
	}
	return out, nil
}
