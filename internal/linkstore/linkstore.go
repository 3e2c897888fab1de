// Package linkstore implements the bidirectional many-to-many map
// between email addresses and Payment Account References (PARs) used to
// detect identity-linkage risk signals.
//
// The in-memory Store is the one the risk engine reads in its hot path,
// per spec: single-process authoritative state. PostgresStore is the
// documented extension point for durable/cross-process linkage data —
// RiskEngine never reads from it directly.
package linkstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/mbd888/payment-risk-engine/internal/syncutil"
)

// Store is the read/write surface RiskEngine and StreamConsumer use.
type Store interface {
	Link(email, par string)
	ParsForEmail(email string) []string
	EmailsForPar(par string) []string
}

type stringSet map[string]struct{}

// MemoryStore is the authoritative in-process LinkStore. Safe for
// concurrent use: readers never block writers beyond Go map access
// rules because each side is read under its own lock, and the
// symmetric two-map update is serialized per key pair by a sharded
// mutex rather than one global lock.
type MemoryStore struct {
	emailToPars map[string]stringSet
	parToEmails map[string]stringSet
	mu          syncutil.ShardedMutex
}

// NewMemoryStore creates an empty in-memory LinkStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		emailToPars: make(map[string]stringSet),
		parToEmails: make(map[string]stringSet),
	}
}

// Link records a bidirectional association between email and par. A
// no-op if either is blank. Each side of the association is inserted
// under a lock keyed by that side's own key, the same key a concurrent
// reader of that side locks on — so ParsForEmail(email) and
// EmailsForPar(par) are always consistent with a completed Link call on
// their respective side, even though the two sides aren't updated as one
// atomic transaction.
func (s *MemoryStore) Link(email, par string) {
	if email == "" || par == "" {
		return
	}

	func() {
		unlock := s.mu.Lock(email)
		defer unlock()
		if _, ok := s.emailToPars[email]; !ok {
			s.emailToPars[email] = make(stringSet)
		}
		s.emailToPars[email][par] = struct{}{}
	}()

	func() {
		unlock := s.mu.Lock(par)
		defer unlock()
		if _, ok := s.parToEmails[par]; !ok {
			s.parToEmails[par] = make(stringSet)
		}
		s.parToEmails[par][email] = struct{}{}
	}()
}

// ParsForEmail returns a sorted, read-only snapshot of PARs linked to
// email. Empty (never nil) if none are known.
func (s *MemoryStore) ParsForEmail(email string) []string {
	unlock := s.mu.Lock(email)
	defer unlock()
	return snapshotSorted(s.emailToPars[email])
}

// EmailsForPar returns a sorted, read-only snapshot of emails linked to
// par. Empty (never nil) if none are known.
func (s *MemoryStore) EmailsForPar(par string) []string {
	unlock := s.mu.Lock(par)
	defer unlock()
	return snapshotSorted(s.parToEmails[par])
}

func snapshotSorted(set stringSet) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// PostgresStore persists link entries durably for audit/replay outside
// the risk engine's hot path. It implements the same Store interface so
// it can be swapped in for single-node deployments that need linkage
// data to survive a restart, at the cost of the engine no longer being
// purely in-memory (not done today — see spec's single-process
// assumption).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed LinkStore.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the link_store_entries table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS link_store_entries (
			email      TEXT NOT NULL,
			par        TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (email, par)
		);

		CREATE INDEX IF NOT EXISTS idx_link_store_entries_par
			ON link_store_entries (par);
	`)
	return err
}

// Link is a no-op if either side is blank. Uses ON CONFLICT DO NOTHING
// since link entries are append-only and idempotent by (email, par).
func (s *PostgresStore) Link(ctx context.Context, email, par string) error {
	if email == "" || par == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO link_store_entries (email, par)
		VALUES ($1, $2)
		ON CONFLICT (email, par) DO NOTHING
	`, email, par)
	if err != nil {
		return fmt.Errorf("linkstore: record link: %w", err)
	}
	return nil
}

// ParsForEmail lists the distinct PARs ever linked to email.
func (s *PostgresStore) ParsForEmail(ctx context.Context, email string) ([]string, error) {
	return s.query(ctx, "SELECT par FROM link_store_entries WHERE email = $1 ORDER BY par", email)
}

// EmailsForPar lists the distinct emails ever linked to par.
func (s *PostgresStore) EmailsForPar(ctx context.Context, par string) ([]string, error) {
	return s.query(ctx, "SELECT email FROM link_store_entries WHERE par = $1 ORDER BY email", par)
}

func (s *PostgresStore) query(ctx context.Context, query, arg string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("linkstore: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}
