//go:build integration

package webhookregistry

import (
	"context"
	"testing"

	"github.com/mbd888/payment-risk-engine/internal/testutil"
	"github.com/stretchr/testify/require"
)

func TestPostgresStoreCRUD(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	store := NewPostgresStore(db)
	require.NoError(t, store.Migrate(ctx))

	sub, err := NewSubscription("m1", "https://example.com/hook")
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, sub))

	got, err := store.Get(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, sub.URL, got.URL)

	got.ConsecutiveFailures = 2
	got.Active = false
	require.NoError(t, store.Update(ctx, got))

	byEntity, err := store.GetByEntity(ctx, "m1")
	require.NoError(t, err)
	require.Empty(t, byEntity, "inactive subscriptions are excluded from GetByEntity")

	require.NoError(t, store.Delete(ctx, sub.ID))
	_, err = store.Get(ctx, sub.ID)
	require.Error(t, err)
}
