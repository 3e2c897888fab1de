package alertstream

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/payment-risk-engine/internal/alertpublish"
	"github.com/mbd888/payment-risk-engine/internal/riskevents"
)

func testHub() (*Hub, *alertpublish.Publisher) {
	pub := alertpublish.New(slog.Default())
	return NewHub(pub, slog.Default()), pub
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestHub_StatsInitial(t *testing.T) {
	h, _ := testHub()
	stats := h.Stats()
	if stats["connectedClients"] != 0 || stats["totalAlerts"] != 0 {
		t.Errorf("expected zeroed stats, got %+v", stats)
	}
}

func TestHub_ClientReceivesBroadcastAlert(t *testing.T) {
	h, pub := testHub()
	srv := httptest.NewServer(h2(h))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pub.Run(ctx)
	go h.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	time.Sleep(20 * time.Millisecond)

	pub.Publish(&riskevents.RiskAlert{AlertID: "a1", EntityID: "m1", Level: riskevents.LevelHigh})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected message, got error: %v", err)
	}
	if !strings.Contains(string(msg), "a1") {
		t.Errorf("expected alert payload to contain alertId, got %s", msg)
	}
}

func TestHub_EntityFilterExcludesNonMatching(t *testing.T) {
	h, pub := testHub()
	srv := httptest.NewServer(h2(h))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pub.Run(ctx)
	go h.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?entityId=m1", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	time.Sleep(20 * time.Millisecond)

	pub.Publish(&riskevents.RiskAlert{AlertID: "other", EntityID: "m2"})
	pub.Publish(&riskevents.RiskAlert{AlertID: "mine", EntityID: "m1"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected message, got error: %v", err)
	}
	if !strings.Contains(string(msg), "mine") {
		t.Errorf("expected only the matching entity's alert, got %s", msg)
	}
}

func TestHub_RunStopsOnContextCancel(t *testing.T) {
	h, pub := testHub()

	ctx, cancel := context.WithCancel(context.Background())
	go pub.Run(ctx)

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after context cancellation")
	}
}

// h2 wraps HandleWebSocket as an http.Handler for httptest.
func h2(h *Hub) http.Handler {
	return http.HandlerFunc(h.HandleWebSocket)
}
