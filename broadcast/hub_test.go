package broadcast

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	kiosksync "github.com/tillpoint/go-kiosk-sync"
)

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+srv.URL[len("http"):], nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("malformed frame %q: %v", data, err)
	}
	return msg
}

func waitForClients(t *testing.T, hub *Hub, want int) {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		hub.clientsMu.RLock()
		n := len(hub.clients)
		hub.clientsMu.RUnlock()
		if n >= want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("only %d of %d clients connected", n, want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestNotifyReachesConnectedClient(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	conn := dialHub(t, hub)
	waitForClients(t, hub, 1)

	hub.Notify(context.Background(), kiosksync.Notification{
		Status: kiosksync.NotifyCompleted,
		Type:   kiosksync.EntitySale.ChannelName(),
	})

	msg := readMessage(t, conn)
	if msg.Status != string(kiosksync.NotifyCompleted) {
		t.Errorf("status = %q", msg.Status)
	}
	if msg.Type != kiosksync.EntitySale.ChannelName() {
		t.Errorf("type = %q, want %q", msg.Type, kiosksync.EntitySale.ChannelName())
	}
}

func TestAnnounceFansOutToAllClients(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	first := dialHub(t, hub)
	second := dialHub(t, hub)
	waitForClients(t, hub, 2)

	hub.Announce("NEW_VERSION_AVAILABLE")

	for _, conn := range []*websocket.Conn{first, second} {
		msg := readMessage(t, conn)
		if msg.Type != "NEW_VERSION_AVAILABLE" {
			t.Errorf("type = %q, want NEW_VERSION_AVAILABLE", msg.Type)
		}
	}
}

func TestInboundMessageDispatchesToHandler(t *testing.T) {
	var mu sync.Mutex
	var received []string
	got := make(chan struct{}, 8)

	hub := NewHub(func(_ context.Context, msgType string) {
		mu.Lock()
		received = append(received, msgType)
		mu.Unlock()
		got <- struct{}{}
	})
	defer hub.Close()

	conn := dialHub(t, hub)
	waitForClients(t, hub, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"TRIGGER_SYNC_SALES"}`)); err != nil {
		t.Fatal(err)
	}

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never received the inbound message")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0] != "TRIGGER_SYNC_SALES" {
		t.Errorf("handler received %v", received)
	}
}

func TestMalformedInboundFramesAreIgnored(t *testing.T) {
	got := make(chan string, 8)
	hub := NewHub(func(_ context.Context, msgType string) {
		got <- msgType
	})
	defer hub.Close()

	conn := dialHub(t, hub)
	waitForClients(t, hub, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Garbage and an empty type are skipped; the valid frame still arrives.
	for _, frame := range []string{`not json`, `{"status":"x"}`, `{"type":"TRIGGER_SYNC_BILLS"}`} {
		if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case msgType := <-got:
		if msgType != "TRIGGER_SYNC_BILLS" {
			t.Errorf("handler received %q, want TRIGGER_SYNC_BILLS", msgType)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid frame never reached the handler")
	}
}

func TestCloseDisconnectsClients(t *testing.T) {
	hub := NewHub(nil)

	conn := dialHub(t, hub)
	waitForClients(t, hub, 1)

	if err := hub.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); err == nil {
		t.Error("expected the connection to be closed")
	}
}
