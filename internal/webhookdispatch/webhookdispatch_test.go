package webhookdispatch

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbd888/payment-risk-engine/internal/riskevents"
	"github.com/mbd888/payment-risk-engine/internal/webhookregistry"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.BaseDelay = 1 * time.Millisecond
	cfg.BreakerOpenFor = 10 * time.Millisecond
	return cfg
}

func testAlert() *riskevents.RiskAlert {
	return &riskevents.RiskAlert{
		AlertID:     "alert1",
		EntityID:    "m1",
		Level:       riskevents.LevelHigh,
		SignalTypes: []riskevents.SignalType{riskevents.SignalVelocitySpike},
		RiskScore:   0.72,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestDeliverySucceedsAndSignsPayload(t *testing.T) {
	var gotSignature, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		gotSignature = r.Header.Get("X-Risk-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	registry := webhookregistry.NewMemoryStore()
	sub, _ := webhookregistry.NewSubscription("m1", srv.URL)
	_ = registry.Create(context.Background(), sub)

	d := New(registry, fastConfig(), nil)
	if err := d.Dispatch(context.Background(), testAlert()); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	waitFor(t, time.Second, func() bool { return gotBody != "" })

	expectedMAC := hmac.New(sha256.New, []byte(sub.Secret))
	expectedMAC.Write([]byte(gotBody))
	expected := hex.EncodeToString(expectedMAC.Sum(nil))
	if gotSignature != expected {
		t.Errorf("signature mismatch: got %s, want %s", gotSignature, expected)
	}

	waitFor(t, time.Second, func() bool {
		updated, _ := registry.Get(context.Background(), sub.ID)
		return updated.LastSuccess != nil
	})
}

func TestRetriesTransientFailureThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := attempts.Add(1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	registry := webhookregistry.NewMemoryStore()
	sub, _ := webhookregistry.NewSubscription("m1", srv.URL)
	_ = registry.Create(context.Background(), sub)

	d := New(registry, fastConfig(), nil)
	_ = d.Dispatch(context.Background(), testAlert())

	waitFor(t, 2*time.Second, func() bool { return attempts.Load() >= 3 })

	waitFor(t, time.Second, func() bool {
		updated, _ := registry.Get(context.Background(), sub.ID)
		return updated.LastSuccess != nil
	})
}

func TestClientErrorRetriesLikeAnyOtherNon2xx(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	registry := webhookregistry.NewMemoryStore()
	sub, _ := webhookregistry.NewSubscription("m1", srv.URL)
	_ = registry.Create(context.Background(), sub)

	cfg := fastConfig()
	d := New(registry, cfg, nil)
	_ = d.Dispatch(context.Background(), testAlert())

	waitFor(t, time.Second, func() bool {
		updated, _ := registry.Get(context.Background(), sub.ID)
		return updated.LastError != ""
	})
	time.Sleep(50 * time.Millisecond)
	if got := attempts.Load(); got != int32(cfg.MaxAttempts) {
		t.Errorf("expected all %d attempts to be spent retrying a 4xx response, got %d", cfg.MaxAttempts, got)
	}
}

func TestLinearBackoffIsDefault(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.BackoffExponential {
		t.Error("expected linear backoff (BackoffExponential=false) to be the default, per spec.md §4.6")
	}
}

func TestSubscriptionDeactivatesAfterMaxFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	registry := webhookregistry.NewMemoryStore()
	sub, _ := webhookregistry.NewSubscription("m1", srv.URL)
	_ = registry.Create(context.Background(), sub)

	cfg := fastConfig()
	cfg.MaxFailuresDisable = 2
	d := New(registry, cfg, nil)

	for i := 0; i < 2; i++ {
		_ = d.Dispatch(context.Background(), testAlert())
		waitFor(t, time.Second, func() bool {
			updated, _ := registry.Get(context.Background(), sub.ID)
			return updated.ConsecutiveFailures == i+1
		})
	}

	updated, _ := registry.Get(context.Background(), sub.ID)
	if updated.Active {
		t.Error("expected subscription to be deactivated after reaching max consecutive failures")
	}
}
