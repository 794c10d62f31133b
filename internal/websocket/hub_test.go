package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func newTestServer(t *testing.T, hub *Hub) (*httptest.Server, func(auditID string) *websocket.Conn) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auditID := r.URL.Query().Get("audit_id")
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Fatalf("upgrade failed: %v", err)
		}
		hub.ServeClient(conn, auditID)
	}))

	dial := func(auditID string) *websocket.Conn {
		wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "?audit_id=" + auditID
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			t.Fatalf("dial failed: %v", err)
		}
		return conn
	}

	return server, dial
}

func TestBroadcastToAuditOnlyReachesSubscribedClients(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	server, dial := newTestServer(t, hub)
	defer server.Close()

	connA := dial("audit-a")
	defer connA.Close()
	connB := dial("audit-b")
	defer connB.Close()

	waitForClientCount(t, hub, 2)

	hub.BroadcastToAudit("audit-a", []byte("hello-a"))

	connA.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := connA.ReadMessage()
	if err != nil {
		t.Fatalf("expected subscribed client to receive message: %v", err)
	}
	if string(msg) != "hello-a" {
		t.Errorf("expected message %q, got %q", "hello-a", msg)
	}

	connB.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, _, err := connB.ReadMessage(); err == nil {
		t.Error("expected unsubscribed client to receive nothing")
	}
}

func TestAuditClientCountTracksPerAuditSubscribers(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	server, dial := newTestServer(t, hub)
	defer server.Close()

	conn1 := dial("audit-x")
	defer conn1.Close()
	conn2 := dial("audit-x")
	defer conn2.Close()
	conn3 := dial("audit-y")
	defer conn3.Close()

	waitForClientCount(t, hub, 3)

	if got := hub.AuditClientCount("audit-x"); got != 2 {
		t.Errorf("expected 2 clients for audit-x, got %d", got)
	}
	if got := hub.AuditClientCount("audit-y"); got != 1 {
		t.Errorf("expected 1 client for audit-y, got %d", got)
	}
	if got := hub.ClientCount(); got != 3 {
		t.Errorf("expected 3 total clients, got %d", got)
	}
}

// waitForClientCount polls until the hub's register channel has been
// drained by Run(), avoiding a fixed sleep racing the goroutine.
func waitForClientCount(t *testing.T, hub *Hub, want int) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.ClientCount() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for client count %d, got %d", want, hub.ClientCount())
}
