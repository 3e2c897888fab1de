package webhookregistry

import (
	"context"
	"testing"
)

func TestNewSubscriptionGeneratesIDAndSecret(t *testing.T) {
	sub, err := NewSubscription("m1", "https://example.com/hook")
	if err != nil {
		t.Fatalf("NewSubscription failed: %v", err)
	}
	if sub.ID == "" {
		t.Error("expected a generated id")
	}
	if sub.Secret == "" {
		t.Error("expected a generated secret")
	}
	if !sub.Active {
		t.Error("expected a new subscription to be active")
	}
}

func TestMemoryStoreCRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sub, err := NewSubscription("m1", "https://example.com/hook")
	if err != nil {
		t.Fatalf("NewSubscription failed: %v", err)
	}

	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, sub.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.URL != sub.URL {
		t.Errorf("expected url %s, got %s", sub.URL, got.URL)
	}

	got.ConsecutiveFailures = 3
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	updated, _ := store.Get(ctx, sub.ID)
	if updated.ConsecutiveFailures != 3 {
		t.Errorf("expected consecutive failures 3, got %d", updated.ConsecutiveFailures)
	}

	if err := store.Delete(ctx, sub.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, sub.ID); err == nil {
		t.Error("expected an error looking up a deleted subscription")
	}
}

func TestGetByEntityFiltersOthers(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	subA, _ := NewSubscription("m1", "https://a.example.com/hook")
	subB, _ := NewSubscription("m2", "https://b.example.com/hook")
	_ = store.Create(ctx, subA)
	_ = store.Create(ctx, subB)

	got, err := store.GetByEntity(ctx, "m1")
	if err != nil {
		t.Fatalf("GetByEntity failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != subA.ID {
		t.Errorf("expected exactly subA for m1, got %+v", got)
	}
}
