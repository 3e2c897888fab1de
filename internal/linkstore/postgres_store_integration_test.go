//go:build integration

package linkstore

import (
	"context"
	"testing"

	"github.com/mbd888/payment-risk-engine/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStoreLinkAndQuery(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	store := NewPostgresStore(db)
	require.NoError(t, store.Migrate(ctx))

	require.NoError(t, store.Link(ctx, "a@x.com", "par1"))
	require.NoError(t, store.Link(ctx, "a@x.com", "par2"))
	require.NoError(t, store.Link(ctx, "b@x.com", "par1"))

	// Repeated link of the same pair must not error or duplicate.
	require.NoError(t, store.Link(ctx, "a@x.com", "par1"))

	pars, err := store.ParsForEmail(ctx, "a@x.com")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"par1", "par2"}, pars)

	emails, err := store.EmailsForPar(ctx, "par1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a@x.com", "b@x.com"}, emails)
}

func TestPostgresStoreLinkNoOpOnBlank(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	store := NewPostgresStore(db)
	require.NoError(t, store.Migrate(ctx))

	require.NoError(t, store.Link(ctx, "", "par1"))
	require.NoError(t, store.Link(ctx, "a@x.com", ""))

	pars, err := store.ParsForEmail(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Empty(t, pars)
}
