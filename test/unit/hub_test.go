// Package unit contains unit tests for the hub's registry, presence
// publishing, and event routing, using an in-memory Sink in place of a real
// transport.
package unit

import (
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/geochat-live/geochat/internal/hub"
)

// recordingSink captures every frame the hub delivers to a session. With
// reject set it refuses all frames, simulating a connection whose send
// buffer is full.
type recordingSink struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	reject bool
}

func (s *recordingSink) TrySend(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.reject {
		return false
	}
	buf := make([]byte, len(frame))
	copy(buf, frame)
	s.frames = append(s.frames, buf)
	return true
}

func (s *recordingSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *recordingSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// envelopes decodes every captured frame.
func (s *recordingSink) envelopes(t *testing.T) []hub.Envelope {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	envs := make([]hub.Envelope, 0, len(s.frames))
	for _, frame := range s.frames {
		var env hub.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			t.Fatalf("captured frame is not a valid envelope: %v", err)
		}
		envs = append(envs, env)
	}
	return envs
}

// waitForFrames polls until the sink holds at least n frames.
func (s *recordingSink) waitForFrames(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.count() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d frames, have %d", n, s.count())
}

func usersValue(t *testing.T, env hub.Envelope) int {
	t.Helper()
	if env.Event != hub.EventUsers {
		t.Fatalf("expected users event, got %q", env.Event)
	}
	var count int
	if err := json.Unmarshal(env.Data, &count); err != nil {
		t.Fatalf("users payload is not an integer: %v", err)
	}
	return count
}

func startHub(t *testing.T) *hub.Hub {
	t.Helper()
	h := hub.NewHub(zap.NewNop())
	go h.Run()
	t.Cleanup(func() { _ = h.Shutdown(2 * time.Second) })
	return h
}

func TestRegisterPublishesPresenceToAllIncludingNewSession(t *testing.T) {
	h := startHub(t)

	sinkA := &recordingSink{}
	sessA := hub.NewSession("u1", "tab1", sinkA)
	if err := h.Register(sessA); err != nil {
		t.Fatalf("register A failed: %v", err)
	}

	if got := usersValue(t, sinkA.envelopes(t)[0]); got != 1 {
		t.Errorf("expected A to see count 1 after its own connect, got %d", got)
	}

	sinkB := &recordingSink{}
	if err := h.Register(hub.NewSession("u2", "tab2", sinkB)); err != nil {
		t.Fatalf("register B failed: %v", err)
	}

	envsA := sinkA.envelopes(t)
	if got := usersValue(t, envsA[len(envsA)-1]); got != 2 {
		t.Errorf("expected A to see count 2 after B connects, got %d", got)
	}
	if got := usersValue(t, sinkB.envelopes(t)[0]); got != 2 {
		t.Errorf("expected B to see count 2 on connect, got %d", got)
	}
	if h.Count() != 2 {
		t.Errorf("expected registry count 2, got %d", h.Count())
	}
}

func TestUnregisterSilentSessionPublishesExactlyOnce(t *testing.T) {
	h := startHub(t)

	sinkA := &recordingSink{}
	sessA := hub.NewSession("u1", "", sinkA)
	if err := h.Register(sessA); err != nil {
		t.Fatalf("register A failed: %v", err)
	}

	sinkB := &recordingSink{}
	sessB := hub.NewSession("u2", "", sinkB)
	if err := h.Register(sessB); err != nil {
		t.Fatalf("register B failed: %v", err)
	}
	sinkA.waitForFrames(t, 2)

	// B never sent an event; its disconnect must still produce exactly one
	// presence broadcast.
	h.Unregister(sessB.ID())
	sinkA.waitForFrames(t, 3)

	envs := sinkA.envelopes(t)
	if got := usersValue(t, envs[2]); got != 1 {
		t.Errorf("expected count 1 after B disconnects, got %d", got)
	}

	time.Sleep(50 * time.Millisecond)
	if sinkA.count() != 3 {
		t.Errorf("expected exactly 3 frames on A, got %d", sinkA.count())
	}
	if !sinkB.isClosed() {
		t.Error("expected B's sink to be closed after unregister")
	}
}

func TestUnregisterUnknownHandleIsNoOp(t *testing.T) {
	h := startHub(t)

	sinkA := &recordingSink{}
	if err := h.Register(hub.NewSession("u1", "", sinkA)); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	h.Unregister("no-such-handle")
	time.Sleep(50 * time.Millisecond)

	if sinkA.count() != 1 {
		t.Errorf("expected no broadcast for unknown handle, frames went from 1 to %d", sinkA.count())
	}
	if h.Count() != 1 {
		t.Errorf("expected registry count 1, got %d", h.Count())
	}
}

func TestDuplicateRegistrationIsRejected(t *testing.T) {
	h := startHub(t)

	sink := &recordingSink{}
	sess := hub.NewSession("u1", "", sink)
	if err := h.Register(sess); err != nil {
		t.Fatalf("first register failed: %v", err)
	}

	err := h.Register(sess)
	if !errors.Is(err, hub.ErrDuplicateConnection) {
		t.Fatalf("expected ErrDuplicateConnection, got %v", err)
	}
	if h.Count() != 1 {
		t.Errorf("duplicate registration corrupted registry, count %d", h.Count())
	}
	if sink.count() != 1 {
		t.Errorf("duplicate registration produced a broadcast, frames %d", sink.count())
	}
}

func TestChatDeliveredToAllIncludingSenderVerbatim(t *testing.T) {
	h := startHub(t)

	sinkA, sinkB := &recordingSink{}, &recordingSink{}
	sessA := hub.NewSession("u1", "", sinkA)
	if err := h.Register(sessA); err != nil {
		t.Fatalf("register A failed: %v", err)
	}
	if err := h.Register(hub.NewSession("u2", "", sinkB)); err != nil {
		t.Fatalf("register B failed: %v", err)
	}
	sinkA.waitForFrames(t, 2)

	payload := json.RawMessage(`{"name":"Alice","message":"hi","id":"1","userId":"u1","timestamp":"t1"}`)
	h.Submit(sessA.ID(), hub.Envelope{Event: hub.EventChat, Data: payload})

	sinkA.waitForFrames(t, 3)
	sinkB.waitForFrames(t, 2)

	var want map[string]any
	if err := json.Unmarshal(payload, &want); err != nil {
		t.Fatalf("bad test payload: %v", err)
	}

	for name, sink := range map[string]*recordingSink{"sender": sinkA, "receiver": sinkB} {
		envs := sink.envelopes(t)
		env := envs[len(envs)-1]
		if env.Event != hub.EventChat {
			t.Fatalf("%s: expected chat event, got %q", name, env.Event)
		}
		var got map[string]any
		if err := json.Unmarshal(env.Data, &got); err != nil {
			t.Fatalf("%s: chat payload not decodable: %v", name, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("%s: chat payload changed in transit: got %v, want %v", name, got, want)
		}
	}
}

func TestTypingExcludesSender(t *testing.T) {
	h := startHub(t)

	sinkA, sinkB := &recordingSink{}, &recordingSink{}
	sessA := hub.NewSession("u1", "", sinkA)
	if err := h.Register(sessA); err != nil {
		t.Fatalf("register A failed: %v", err)
	}
	if err := h.Register(hub.NewSession("u2", "", sinkB)); err != nil {
		t.Fatalf("register B failed: %v", err)
	}
	sinkA.waitForFrames(t, 2)

	h.Submit(sessA.ID(), hub.Envelope{Event: hub.EventTyping, Data: json.RawMessage(`"Alice"`)})
	sinkB.waitForFrames(t, 2)

	envsB := sinkB.envelopes(t)
	last := envsB[len(envsB)-1]
	if last.Event != hub.EventTyping {
		t.Fatalf("expected typing event on B, got %q", last.Event)
	}
	var name string
	if err := json.Unmarshal(last.Data, &name); err != nil || name != "Alice" {
		t.Errorf("typing payload changed in transit: %s", last.Data)
	}

	time.Sleep(50 * time.Millisecond)
	if sinkA.count() != 2 {
		t.Errorf("sender received its own typing event, frames %d", sinkA.count())
	}
}

func TestSignalingInjectsFromAndExcludesSender(t *testing.T) {
	h := startHub(t)

	sinkA, sinkB := &recordingSink{}, &recordingSink{}
	sessA := hub.NewSession("u1", "", sinkA)
	if err := h.Register(sessA); err != nil {
		t.Fatalf("register A failed: %v", err)
	}
	if err := h.Register(hub.NewSession("u2", "", sinkB)); err != nil {
		t.Fatalf("register B failed: %v", err)
	}
	sinkA.waitForFrames(t, 2)

	for _, event := range []string{hub.EventOffer, hub.EventAnswer, hub.EventCandidate} {
		before := sinkB.count()
		h.Submit(sessA.ID(), hub.Envelope{
			Event: event,
			Data:  json.RawMessage(`{"offer":{"sdp":"v=0"},"userId":"u1"}`),
		})
		sinkB.waitForFrames(t, before+1)

		envs := sinkB.envelopes(t)
		env := envs[len(envs)-1]
		if env.Event != event {
			t.Fatalf("expected %s event on B, got %q", event, env.Event)
		}

		var got struct {
			From   string          `json:"from"`
			Offer  json.RawMessage `json:"offer"`
			UserID string          `json:"userId"`
		}
		if err := json.Unmarshal(env.Data, &got); err != nil {
			t.Fatalf("signaling payload not decodable: %v", err)
		}
		if got.From != sessA.ID() {
			t.Errorf("%s: expected from=%q, got %q", event, sessA.ID(), got.From)
		}
		if got.UserID != "u1" {
			t.Errorf("%s: original payload fields were not preserved", event)
		}
	}

	time.Sleep(50 * time.Millisecond)
	if sinkA.count() != 2 {
		t.Errorf("sender received its own signaling events, frames %d", sinkA.count())
	}
}

func TestSignalingNonObjectPayloadStillGetsFrom(t *testing.T) {
	h := startHub(t)

	sinkA, sinkB := &recordingSink{}, &recordingSink{}
	sessA := hub.NewSession("u1", "", sinkA)
	if err := h.Register(sessA); err != nil {
		t.Fatalf("register A failed: %v", err)
	}
	if err := h.Register(hub.NewSession("u2", "", sinkB)); err != nil {
		t.Fatalf("register B failed: %v", err)
	}

	h.Submit(sessA.ID(), hub.Envelope{Event: hub.EventOffer, Data: json.RawMessage(`"garbage"`)})
	sinkB.waitForFrames(t, 2)

	envs := sinkB.envelopes(t)
	var got map[string]string
	if err := json.Unmarshal(envs[len(envs)-1].Data, &got); err != nil {
		t.Fatalf("payload not decodable: %v", err)
	}
	if got["from"] != sessA.ID() {
		t.Errorf("expected from=%q, got %v", sessA.ID(), got)
	}
}

func TestUnknownEventIsDropped(t *testing.T) {
	h := startHub(t)

	sinkA, sinkB := &recordingSink{}, &recordingSink{}
	sessA := hub.NewSession("u1", "", sinkA)
	if err := h.Register(sessA); err != nil {
		t.Fatalf("register A failed: %v", err)
	}
	if err := h.Register(hub.NewSession("u2", "", sinkB)); err != nil {
		t.Fatalf("register B failed: %v", err)
	}
	sinkA.waitForFrames(t, 2)

	h.Submit(sessA.ID(), hub.Envelope{Event: "messageHistory", Data: json.RawMessage(`[]`)})
	time.Sleep(50 * time.Millisecond)

	if sinkA.count() != 2 || sinkB.count() != 1 {
		t.Errorf("unknown event was delivered: A=%d B=%d frames", sinkA.count(), sinkB.count())
	}
}

func TestPresenceCountTracksRegistryThroughChurn(t *testing.T) {
	h := startHub(t)

	observer := &recordingSink{}
	if err := h.Register(hub.NewSession("observer", "", observer)); err != nil {
		t.Fatalf("register observer failed: %v", err)
	}

	const n = 5
	sessions := make([]*hub.Session, 0, n)
	for i := 0; i < n; i++ {
		s := hub.NewSession("churn", "", &recordingSink{})
		if err := h.Register(s); err != nil {
			t.Fatalf("register %d failed: %v", i, err)
		}
		sessions = append(sessions, s)
	}

	// Remove three of the five, interleaved with a redundant removal.
	h.Unregister(sessions[0].ID())
	observer.waitForFrames(t, n+2)
	h.Unregister(sessions[0].ID())
	h.Unregister(sessions[2].ID())
	observer.waitForFrames(t, n+3)
	h.Unregister(sessions[4].ID())
	observer.waitForFrames(t, n+4)

	envs := observer.envelopes(t)
	want := []int{1, 2, 3, 4, 5, 6, 5, 4, 3}
	if len(envs) != len(want) {
		t.Fatalf("expected %d presence broadcasts, got %d", len(want), len(envs))
	}
	for i, env := range envs {
		if got := usersValue(t, env); got != want[i] {
			t.Errorf("broadcast %d: expected count %d, got %d", i, want[i], got)
		}
	}

	if h.Count() != 3 {
		t.Errorf("expected final registry count 3 (observer + 2 churn), got %d", h.Count())
	}
}

func TestSessionWithFullBufferIsDroppedWithoutAffectingOthers(t *testing.T) {
	h := startHub(t)

	sinkA := &recordingSink{}
	if err := h.Register(hub.NewSession("u1", "", sinkA)); err != nil {
		t.Fatalf("register A failed: %v", err)
	}

	// B refuses every frame, as a connection with a saturated send buffer
	// would. The presence publish for its own registration already fails,
	// so the hub drops it and republishes the corrected count.
	sinkB := &recordingSink{reject: true}
	if err := h.Register(hub.NewSession("u2", "", sinkB)); err != nil {
		t.Fatalf("register B failed: %v", err)
	}
	sinkA.waitForFrames(t, 3)

	envs := sinkA.envelopes(t)
	counts := make([]int, 0, len(envs))
	for _, env := range envs {
		counts = append(counts, usersValue(t, env))
	}
	if !reflect.DeepEqual(counts, []int{1, 2, 1}) {
		t.Errorf("expected presence sequence [1 2 1], got %v", counts)
	}
	if !sinkB.isClosed() {
		t.Error("expected rejected session's sink to be closed")
	}
	if h.Count() != 1 {
		t.Errorf("expected registry count 1 after drop, got %d", h.Count())
	}
}

func TestShutdownClosesAllSessions(t *testing.T) {
	h := hub.NewHub(zap.NewNop())
	go h.Run()

	sink := &recordingSink{}
	if err := h.Register(hub.NewSession("u1", "", sink)); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if err := h.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if !sink.isClosed() {
		t.Error("expected sink to be closed by shutdown")
	}
	if err := h.Register(hub.NewSession("u2", "", &recordingSink{})); !errors.Is(err, hub.ErrHubClosed) {
		t.Errorf("expected ErrHubClosed after shutdown, got %v", err)
	}
}
