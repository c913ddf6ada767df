package market_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/charmarket/market-engine/internal/market"
	"github.com/charmarket/market-engine/internal/metrics"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestWSHub_BroadcastAndDisconnect(t *testing.T) {
	hub := market.NewWSHub()
	go hub.Run()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	base := testutil.ToFloat64(metrics.WebSocketClients)

	conn := dialWS(t, srv)
	waitFor(t, func() bool {
		return testutil.ToFloat64(metrics.WebSocketClients) == base+1
	}, "client gauge should rise after connect")

	hub.Broadcast(market.WSMessage{
		Type: "price_update", StockID: "s1", Symbol: "SPIKE", Price: "1.25", Cause: "trade",
	})
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	var msg market.WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != "price_update" || msg.Symbol != "SPIKE" {
		t.Errorf("broadcast message = %+v", msg)
	}

	// Close the client and keep broadcasting: the hub must evict the dead
	// connection and decrement the gauge exactly once, even while the ping
	// goroutine reads the client set concurrently.
	conn.Close()
	waitFor(t, func() bool {
		hub.Broadcast(market.WSMessage{Type: "price_update", StockID: "s1"})
		return testutil.ToFloat64(metrics.WebSocketClients) == base
	}, "client gauge should return to base after disconnect")
}

func TestWSHub_BroadcastReachesAllClients(t *testing.T) {
	hub := market.NewWSHub()
	go hub.Run()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	base := testutil.ToFloat64(metrics.WebSocketClients)
	first := dialWS(t, srv)
	defer first.Close()
	second := dialWS(t, srv)
	defer second.Close()
	waitFor(t, func() bool {
		return testutil.ToFloat64(metrics.WebSocketClients) == base+2
	}, "both clients should register")

	hub.Broadcast(market.WSMessage{Type: "price_update", StockID: "s1", Price: "2.00"})

	for _, conn := range []*websocket.Conn{first, second} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read broadcast: %v", err)
		}
		var msg market.WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.Price != "2.00" {
			t.Errorf("broadcast price = %s, want 2.00", msg.Price)
		}
	}
}
