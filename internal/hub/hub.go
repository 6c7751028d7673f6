// Package hub coordinates session registration, presence publishing, and
// event routing for the geochat relay via the Hub type.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
)

// ErrHubClosed is returned by Register once the hub has shut down.
var ErrHubClosed = errors.New("hub is shut down")

// registration carries a new session into the event loop together with a
// channel that reports the outcome. The caller must not start reading client
// events until the result arrives: that ordering guarantees the session is
// counted in presence before its first event can be routed.
type registration struct {
	session *Session
	result  chan error
}

// inboundEvent is one client event awaiting routing.
type inboundEvent struct {
	sender   string
	envelope Envelope
}

// Hub owns the session registry and serializes every mutation and broadcast
// through a single event loop. It is constructed once at process start and
// handed to each transport; there is no package-level instance.
type Hub struct {
	registry   *Registry
	register   chan registration
	unregister chan string
	inbound    chan inboundEvent
	log        *zap.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewHub creates a hub ready to run. Call Run in its own goroutine before
// registering sessions.
func NewHub(log *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		registry:   NewRegistry(),
		register:   make(chan registration),
		unregister: make(chan string),
		inbound:    make(chan inboundEvent),
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Count returns the number of currently registered sessions.
func (h *Hub) Count() int {
	return h.registry.Count()
}

// Register adds a session to the registry and publishes the updated presence
// count to every session, including the new one. It returns only after both
// have happened, so callers can safely begin reading events from the
// connection once Register returns nil.
func (h *Hub) Register(s *Session) error {
	reg := registration{session: s, result: make(chan error, 1)}
	select {
	case h.register <- reg:
	case <-h.ctx.Done():
		return ErrHubClosed
	}

	select {
	case err := <-reg.result:
		return err
	case <-h.ctx.Done():
		return ErrHubClosed
	}
}

// Unregister removes the session registered under handle and publishes the
// updated presence count. Unknown handles are ignored, so it is safe to call
// from every teardown path.
func (h *Hub) Unregister(handle string) {
	select {
	case h.unregister <- handle:
	case <-h.ctx.Done():
	}
}

// Submit hands an inbound client event to the router. Delivery to recipients
// is fire-and-forget; Submit returns once the event is queued for routing.
func (h *Hub) Submit(sender string, env Envelope) {
	select {
	case h.inbound <- inboundEvent{sender: sender, envelope: env}:
	case <-h.ctx.Done():
	}
}

// Run executes the hub's event loop until Shutdown is called. Each
// registration, unregistration, and routed event is processed to completion
// before the next is accepted; this serialization is what keeps the presence
// count equal to the registry size at every publish.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.closeAll()
			return

		case reg := <-h.register:
			h.handleRegister(reg)

		case handle := <-h.unregister:
			h.handleUnregister(handle)

		case in := <-h.inbound:
			h.route(in)
		}
	}
}

func (h *Hub) handleRegister(reg registration) {
	if err := h.registry.Add(reg.session); err != nil {
		// Handles are server-generated UUIDs, so a duplicate means the
		// transport layer is broken. Drop the registration, keep running.
		h.log.Error("dropping registration with duplicate connection handle",
			zap.String("handle", reg.session.ID()),
			zap.String("user_id", reg.session.UserID()))
		reg.result <- err
		return
	}

	h.log.Info("session registered",
		zap.String("handle", reg.session.ID()),
		zap.String("user_id", reg.session.UserID()),
		zap.String("tab_id", reg.session.TabID()),
		zap.Int("sessions", h.registry.Count()))

	h.publishPresence()
	reg.result <- nil
}

func (h *Hub) handleUnregister(handle string) {
	s := h.registry.Remove(handle)
	if s == nil {
		return
	}
	s.sink.Close()

	h.log.Info("session unregistered",
		zap.String("handle", handle),
		zap.String("user_id", s.UserID()),
		zap.Int("sessions", h.registry.Count()))

	h.publishPresence()
}

// route applies the per-event-type delivery rule. Payloads are never
// validated: a malformed payload is relayed as-is, and a failed delivery to
// one recipient never aborts delivery to the rest.
func (h *Hub) route(in inboundEvent) {
	env := in.envelope

	var exclude string
	switch {
	case env.Event == EventChat:
		// Everyone including the sender: clients clear their pending UI
		// state only when their own message round-trips back.
	case env.Event == EventTyping:
		exclude = in.sender
	case IsSignaling(env.Event):
		env.Data = injectFrom(env.Data, in.sender)
		exclude = in.sender
	default:
		h.log.Warn("dropping event with unknown name",
			zap.String("event", env.Event),
			zap.String("sender", in.sender))
		return
	}

	frame, err := json.Marshal(env)
	if err != nil {
		h.log.Error("failed to encode outbound envelope",
			zap.String("event", env.Event), zap.Error(err))
		return
	}

	failed := h.deliver(frame, exclude)
	if len(failed) > 0 {
		h.dropSessions(failed)
		h.publishPresence()
	}
}

// publishPresence broadcasts the current session count to every session.
// Recipients that cannot accept the frame are dropped and the shrunken count
// is published again; the loop terminates because the registry only shrinks.
func (h *Hub) publishPresence() {
	for {
		count := h.registry.Count()
		frame, err := usersEnvelope(count)
		if err != nil {
			h.log.Error("failed to encode presence count", zap.Error(err))
			return
		}

		failed := h.deliver(frame, "")
		if len(failed) == 0 {
			return
		}
		h.dropSessions(failed)
	}
}

// deliver hands frame to every registered session except the excluded handle
// and returns the sessions that refused it. Sends are non-blocking; the hub
// never waits on a slow consumer.
func (h *Hub) deliver(frame []byte, exclude string) []*Session {
	var failed []*Session
	for _, s := range h.registry.Snapshot() {
		if exclude != "" && s.ID() == exclude {
			continue
		}
		if !s.sink.TrySend(frame) {
			failed = append(failed, s)
		}
	}
	return failed
}

func (h *Hub) dropSessions(sessions []*Session) {
	for _, s := range sessions {
		if removed := h.registry.Remove(s.ID()); removed != nil {
			removed.sink.Close()
			h.log.Warn("dropped session with full send buffer",
				zap.String("handle", s.ID()),
				zap.String("user_id", s.UserID()))
		}
	}
}

// closeAll tears down every remaining session during shutdown.
func (h *Hub) closeAll() {
	sessions := h.registry.Snapshot()
	for _, s := range sessions {
		h.registry.Remove(s.ID())
		s.sink.Close()
	}
	h.log.Info("closed all sessions", zap.Int("count", len(sessions)))
}

// Shutdown stops the event loop and closes every session. It returns
// context.DeadlineExceeded if the loop has not exited within timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.cancel()

	select {
	case <-h.done:
		h.log.Info("hub shutdown complete")
		return nil
	case <-time.After(timeout):
		h.log.Warn("hub shutdown timed out")
		return context.DeadlineExceeded
	}
}
