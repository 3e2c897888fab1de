// Package webhookregistry holds webhook subscriptions: which external
// URL should be notified when a given entity produces a risk alert, and
// the shared secret used to sign deliveries.
//
// The subscription shape and Store interface are carried over from the
// platform-wide webhook subscription registry, narrowed from per-agent
// multi-event-type subscriptions to per-entity risk-alert subscriptions
// (this pipeline has exactly one event kind worth notifying on).
package webhookregistry

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/mbd888/payment-risk-engine/internal/idgen"
)

// Subscription is a single entity's webhook registration.
type Subscription struct {
	ID                  string
	EntityID            string
	URL                 string
	Secret              string
	Active              bool
	CreatedAt           time.Time
	LastSuccess         *time.Time
	LastError           string
	ConsecutiveFailures int
}

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByEntity(ctx context.Context, entityID string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// NewSubscription builds a Subscription with a generated id, secret, and
// creation timestamp, ready to hand to a Store's Create.
func NewSubscription(entityID, url string) (*Subscription, error) {
	secret, err := generateSecret()
	if err != nil {
		return nil, fmt.Errorf("webhookregistry: generate secret: %w", err)
	}
	return &Subscription{
		ID:        idgen.WithPrefix("whsub_"),
		EntityID:  entityID,
		URL:       url,
		Secret:    secret,
		Active:    true,
		CreatedAt: time.Now(),
	}, nil
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// MemoryStore is an in-memory Store, suitable as the default when no
// Postgres connection is configured.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewMemoryStore creates an empty in-memory subscription store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return sub, nil
	}
	return nil, fmt.Errorf("webhookregistry: subscription %s not found", id)
}

func (m *MemoryStore) GetByEntity(ctx context.Context, entityID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Subscription
	for _, sub := range m.subs {
		if sub.EntityID == entityID {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}

// PostgresStore durably persists webhook subscriptions.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed subscription store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the webhook_subscriptions table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS webhook_subscriptions (
			id                   TEXT PRIMARY KEY,
			entity_id            TEXT NOT NULL,
			url                  TEXT NOT NULL,
			secret               TEXT NOT NULL,
			active               BOOLEAN NOT NULL DEFAULT TRUE,
			created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_success         TIMESTAMPTZ,
			last_error           TEXT,
			consecutive_failures INT NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_webhook_subscriptions_entity
			ON webhook_subscriptions (entity_id) WHERE active;
	`)
	return err
}

func (s *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (id, entity_id, url, secret, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, sub.ID, sub.EntityID, sub.URL, sub.Secret, sub.Active, sub.CreatedAt)
	if err != nil {
		return fmt.Errorf("webhookregistry: insert subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, entity_id, url, secret, active, created_at, last_success, last_error, consecutive_failures
		FROM webhook_subscriptions WHERE id = $1
	`, id)
	return scanSubscription(row)
}

func (s *PostgresStore) GetByEntity(ctx context.Context, entityID string) ([]*Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_id, url, secret, active, created_at, last_success, last_error, consecutive_failures
		FROM webhook_subscriptions WHERE entity_id = $1 AND active
	`, entityID)
	if err != nil {
		return nil, fmt.Errorf("webhookregistry: query by entity: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Subscription
	for rows.Next() {
		sub, err := scanSubscriptionRows(rows)
		if err != nil {
			continue
		}
		out = append(out, sub)
	}
	return out, nil
}

func (s *PostgresStore) Update(ctx context.Context, sub *Subscription) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_subscriptions
		SET url = $2, active = $3, last_success = $4, last_error = $5, consecutive_failures = $6
		WHERE id = $1
	`, sub.ID, sub.URL, sub.Active, sub.LastSuccess, sub.LastError, sub.ConsecutiveFailures)
	if err != nil {
		return fmt.Errorf("webhookregistry: update subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("webhookregistry: delete subscription: %w", err)
	}
	return nil
}

// row is the subset of *sql.Row / *sql.Rows Scan needs.
type row interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(r row) (*Subscription, error) {
	return scanSubscriptionRows(r)
}

func scanSubscriptionRows(r row) (*Subscription, error) {
	var sub Subscription
	var lastSuccess sql.NullTime
	var lastError sql.NullString
	if err := r.Scan(&sub.ID, &sub.EntityID, &sub.URL, &sub.Secret, &sub.Active,
		&sub.CreatedAt, &lastSuccess, &lastError, &sub.ConsecutiveFailures); err != nil {
		return nil, fmt.Errorf("webhookregistry: scan subscription: %w", err)
	}
	if lastSuccess.Valid {
		sub.LastSuccess = &lastSuccess.Time
	}
	sub.LastError = lastError.String
	return &sub, nil
}
