// Package testhelpers provides shared utilities for exercising the geochat
// hub over its two transports in unit and integration tests.
package testhelpers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/geochat-live/geochat/internal/hub"
	"github.com/geochat-live/geochat/internal/server"
)

// TestStack bundles a running hub, poll manager, and HTTP test server.
type TestStack struct {
	Hub     *hub.Hub
	Poll    *server.PollManager
	HTTP    *httptest.Server
	BaseURL string
}

// StartStack spins up a complete server over httptest with test-friendly
// poll timing and registers cleanup on t.
func StartStack(t *testing.T) *TestStack {
	t.Helper()

	cfg := server.NewConfig()
	cfg.Poll.Wait = server.Duration(250 * time.Millisecond)
	cfg.Poll.IdleTimeout = server.Duration(5 * time.Second)
	return StartStackWithConfig(t, cfg)
}

// StartStackWithConfig is StartStack with caller-provided configuration.
func StartStackWithConfig(t *testing.T, cfg *server.Config) *TestStack {
	t.Helper()

	logger := zap.NewNop()
	h := hub.NewHub(logger)
	go h.Run()

	pm := server.NewPollManager(h, cfg, logger)
	mux := server.SetupRoutes(h, pm, cfg, logger)
	ts := httptest.NewServer(mux)

	t.Cleanup(func() {
		ts.Close()
		pm.Stop()
		_ = h.Shutdown(2 * time.Second)
	})

	return &TestStack{Hub: h, Poll: pm, HTTP: ts, BaseURL: ts.URL}
}

// SocketURL builds the WebSocket endpoint URL with identity parameters.
func (s *TestStack) SocketURL(userID, tabID string) string {
	wsBase := "ws" + strings.TrimPrefix(s.BaseURL, "http")
	return fmt.Sprintf("%s/socket?userId=%s&tabId=%s", wsBase, userID, tabID)
}

// ConnectSocket dials the WebSocket endpoint for the given identity.
func ConnectSocket(t *testing.T, stack *TestStack, userID, tabID string) *websocket.Conn {
	t.Helper()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(stack.SocketURL(userID, tabID), nil)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("failed to connect websocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// SendEnvelope writes one event envelope to the connection.
func SendEnvelope(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()

	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	env := hub.Envelope{Event: event, Data: raw}
	if err := conn.WriteJSON(env); err != nil {
		t.Fatalf("failed to send %s event: %v", event, err)
	}
}

// ReadEnvelope reads the next envelope, failing the test after timeout.
func ReadEnvelope(t *testing.T, conn *websocket.Conn, timeout time.Duration) hub.Envelope {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("failed to set read deadline: %v", err)
	}
	var env hub.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("failed to read envelope: %v", err)
	}
	return env
}

// ExpectUsers reads the next envelope and asserts it is a presence count
// broadcast with the expected value.
func ExpectUsers(t *testing.T, conn *websocket.Conn, want int) {
	t.Helper()

	env := ReadEnvelope(t, conn, 2*time.Second)
	if env.Event != hub.EventUsers {
		t.Fatalf("expected users event, got %q", env.Event)
	}
	var count int
	if err := json.Unmarshal(env.Data, &count); err != nil {
		t.Fatalf("users payload is not an integer: %v", err)
	}
	if count != want {
		t.Fatalf("expected presence count %d, got %d", want, count)
	}
}

// ExpectNoEnvelope asserts that nothing arrives on the connection within the
// wait window.
func ExpectNoEnvelope(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		t.Fatalf("failed to set read deadline: %v", err)
	}
	var env hub.Envelope
	if err := conn.ReadJSON(&env); err == nil {
		t.Fatalf("expected no envelope, got %q event", env.Event)
	}
}

// PollConnect registers a long-poll session and returns its session ID.
func PollConnect(t *testing.T, stack *TestStack, userID, tabID string) string {
	t.Helper()

	url := fmt.Sprintf("%s/poll/connect?userId=%s&tabId=%s", stack.BaseURL, userID, tabID)
	resp, err := http.Post(url, "application/json", http.NoBody)
	if err != nil {
		t.Fatalf("poll connect failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("poll connect returned status %d", resp.StatusCode)
	}

	var body struct {
		SID string `json:"sid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("poll connect response is not JSON: %v", err)
	}
	if body.SID == "" {
		t.Fatal("poll connect returned empty sid")
	}
	return body.SID
}

// PollEvents performs one blocking events request and returns the batch.
func PollEvents(t *testing.T, stack *TestStack, sid string) []hub.Envelope {
	t.Helper()

	resp, err := http.Get(fmt.Sprintf("%s/poll/events?sid=%s", stack.BaseURL, sid))
	if err != nil {
		t.Fatalf("poll events failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("poll events returned status %d", resp.StatusCode)
	}

	var envs []hub.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&envs); err != nil {
		t.Fatalf("poll events response is not a JSON array: %v", err)
	}
	return envs
}

// PollSend submits one envelope through the fallback transport.
func PollSend(t *testing.T, stack *TestStack, sid, event string, data any) {
	t.Helper()

	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	body, err := json.Marshal(hub.Envelope{Event: event, Data: raw})
	if err != nil {
		t.Fatalf("failed to marshal envelope: %v", err)
	}

	url := fmt.Sprintf("%s/poll/send?sid=%s", stack.BaseURL, sid)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("poll send failed: %v", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("poll send returned status %d", resp.StatusCode)
	}
}

// PollDisconnect closes a long-poll session.
func PollDisconnect(t *testing.T, stack *TestStack, sid string) {
	t.Helper()

	url := fmt.Sprintf("%s/poll/disconnect?sid=%s", stack.BaseURL, sid)
	resp, err := http.Post(url, "application/json", http.NoBody)
	if err != nil {
		t.Fatalf("poll disconnect failed: %v", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("poll disconnect returned status %d", resp.StatusCode)
	}
}

// DecodeData unmarshals an envelope payload into out.
func DecodeData(t *testing.T, env hub.Envelope, out any) {
	t.Helper()
	if err := json.Unmarshal(env.Data, out); err != nil {
		t.Fatalf("failed to decode %s payload: %v", env.Event, err)
	}
}
