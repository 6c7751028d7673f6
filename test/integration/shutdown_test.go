package integration

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/geochat-live/geochat/internal/hub"
	"github.com/geochat-live/geochat/test/testhelpers"
)

// TestGracefulShutdown verifies the hub loop exits cleanly with no sessions.
func TestGracefulShutdown(t *testing.T) {
	h := hub.NewHub(zap.NewNop())
	go h.Run()

	if err := h.Shutdown(5 * time.Second); err != nil {
		t.Errorf("hub shutdown failed: %v", err)
	}
}

// TestGracefulShutdownWithClients verifies that connected WebSocket clients
// are closed when the hub shuts down.
func TestGracefulShutdownWithClients(t *testing.T) {
	stack := testhelpers.StartStack(t)

	c1 := testhelpers.ConnectSocket(t, stack, "u1", "")
	testhelpers.ExpectUsers(t, c1, 1)
	c2 := testhelpers.ConnectSocket(t, stack, "u2", "")
	testhelpers.ExpectUsers(t, c1, 2)
	testhelpers.ExpectUsers(t, c2, 2)

	if err := stack.Hub.Shutdown(5 * time.Second); err != nil {
		t.Fatalf("hub shutdown failed: %v", err)
	}

	// Each client's connection should terminate promptly once its session
	// sink is closed; drain any frames that raced the shutdown.
	for _, conn := range []*websocket.Conn{c1, c2} {
		if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
			t.Fatalf("set deadline: %v", err)
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}
}
