// Package server implements the long-poll fallback transport. Clients that
// cannot hold a WebSocket open (restrictive proxies, corporate middleboxes)
// connect with a POST, then alternate blocking GETs for outbound events with
// POSTs for inbound ones. Both transports feed the same hub, so WebSocket and
// polling clients see each other.
package server

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/geochat-live/geochat/internal/hub"
)

// pollSession is the long-poll binding of a hub session. Outbound frames
// queue in a buffered channel that blocking GET requests drain.
type pollSession struct {
	sid     string
	handle  string
	queue   chan []byte
	limiter *rateLimiter
	onClose func()

	mu       sync.Mutex
	closed   bool
	lastSeen time.Time
}

// TrySend queues a frame without blocking, reporting false when the session
// is closed or its buffer is full.
func (p *pollSession) TrySend(frame []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}
	select {
	case p.queue <- frame:
		return true
	default:
		return false
	}
}

// Close wakes any blocked events request and removes the session from the
// manager. Called from the hub's event loop, at most once per session.
func (p *pollSession) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	if p.onClose != nil {
		p.onClose()
	}
}

func (p *pollSession) touch() {
	p.mu.Lock()
	p.lastSeen = time.Now()
	p.mu.Unlock()
}

func (p *pollSession) idleSince() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen
}

// PollManager owns the live poll sessions and the HTTP handlers of the
// fallback transport.
type PollManager struct {
	hub    *hub.Hub
	cfg    *Config
	log    *zap.Logger
	policy *originPolicy

	mu       sync.Mutex
	sessions map[string]*pollSession

	done     chan struct{}
	stopOnce sync.Once
}

// NewPollManager creates the manager and starts its idle-session reaper.
// Call Stop during shutdown.
func NewPollManager(h *hub.Hub, cfg *Config, log *zap.Logger) *PollManager {
	pm := &PollManager{
		hub:      h,
		cfg:      cfg,
		log:      log,
		policy:   newOriginPolicy(cfg.AllowedOrigins, log),
		sessions: make(map[string]*pollSession),
		done:     make(chan struct{}),
	}
	go pm.reapLoop()
	return pm
}

// Stop halts the idle reaper. Live sessions are torn down by the hub's own
// shutdown.
func (pm *PollManager) Stop() {
	pm.stopOnce.Do(func() { close(pm.done) })
}

// ConnectHandler registers a new poll session. Identity parameters come from
// the query string exactly as on the WebSocket endpoint and default to empty
// strings when absent.
func (pm *PollManager) ConnectHandler(w http.ResponseWriter, r *http.Request) {
	pm.cors(w, r)
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "connect requires POST")
		return
	}
	if !pm.policy.check(r) {
		writeJSONError(w, http.StatusForbidden, "origin not allowed")
		return
	}

	ps := &pollSession{
		sid:      uuid.NewString(),
		queue:    make(chan []byte, sendBufferSize),
		limiter:  newRateLimiter(pm.cfg.RateLimit.Burst, time.Duration(pm.cfg.RateLimit.RefillInterval)),
		lastSeen: time.Now(),
	}
	ps.onClose = func() { pm.drop(ps.sid) }

	session := hub.NewSession(r.URL.Query().Get("userId"), r.URL.Query().Get("tabId"), ps)
	ps.handle = session.ID()

	if err := pm.hub.Register(session); err != nil {
		pm.log.Error("poll session registration failed", zap.Error(err))
		writeJSONError(w, http.StatusServiceUnavailable, "hub unavailable")
		return
	}

	pm.mu.Lock()
	pm.sessions[ps.sid] = ps
	pm.mu.Unlock()

	pm.log.Info("poll session connected",
		zap.String("sid", ps.sid),
		zap.String("handle", ps.handle))

	writeJSON(w, http.StatusOK, map[string]string{"sid": ps.sid})
}

// EventsHandler blocks until at least one event is queued or the poll wait
// elapses, then returns every queued envelope as a JSON array. An empty array
// means the client should poll again.
func (pm *PollManager) EventsHandler(w http.ResponseWriter, r *http.Request) {
	pm.cors(w, r)
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "events requires GET")
		return
	}

	ps := pm.lookup(r.URL.Query().Get("sid"))
	if ps == nil {
		writeJSONError(w, http.StatusNotFound, "unknown session")
		return
	}
	ps.touch()

	var frames []json.RawMessage
	select {
	case frame, ok := <-ps.queue:
		if !ok {
			writeJSONError(w, http.StatusGone, "session closed")
			return
		}
		frames = append(frames, json.RawMessage(frame))
		frames = append(frames, drainQueue(ps.queue)...)

	case <-time.After(time.Duration(pm.cfg.Poll.Wait)):

	case <-r.Context().Done():
		return
	}

	ps.touch()
	if frames == nil {
		frames = []json.RawMessage{}
	}
	writeJSON(w, http.StatusOK, frames)
}

// SendHandler submits one inbound envelope to the router.
func (pm *PollManager) SendHandler(w http.ResponseWriter, r *http.Request) {
	pm.cors(w, r)
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "send requires POST")
		return
	}

	ps := pm.lookup(r.URL.Query().Get("sid"))
	if ps == nil {
		writeJSONError(w, http.StatusNotFound, "unknown session")
		return
	}
	ps.touch()

	if !ps.limiter.allow() {
		writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, pm.cfg.MaxMessageSize))
	if err != nil {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "event too large")
		return
	}

	var env hub.Envelope
	if err := json.Unmarshal(body, &env); err != nil || env.Event == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid envelope")
		return
	}

	pm.hub.Submit(ps.handle, env)
	w.WriteHeader(http.StatusAccepted)
}

// DisconnectHandler unregisters a poll session. Unknown session IDs succeed
// silently; disconnects are idempotent.
func (pm *PollManager) DisconnectHandler(w http.ResponseWriter, r *http.Request) {
	pm.cors(w, r)
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "disconnect requires POST")
		return
	}

	if ps := pm.lookup(r.URL.Query().Get("sid")); ps != nil {
		pm.hub.Unregister(ps.handle)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (pm *PollManager) lookup(sid string) *pollSession {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.sessions[sid]
}

func (pm *PollManager) drop(sid string) {
	pm.mu.Lock()
	delete(pm.sessions, sid)
	pm.mu.Unlock()
}

// reapLoop unregisters sessions whose clients stopped polling. The hub close
// path removes them from the session map.
func (pm *PollManager) reapLoop() {
	ticker := time.NewTicker(time.Duration(pm.cfg.Poll.IdleTimeout) / 2)
	defer ticker.Stop()

	for {
		select {
		case <-pm.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-time.Duration(pm.cfg.Poll.IdleTimeout))
			for _, ps := range pm.snapshot() {
				if ps.idleSince().Before(cutoff) {
					pm.log.Info("reaping idle poll session",
						zap.String("sid", ps.sid),
						zap.String("handle", ps.handle))
					pm.hub.Unregister(ps.handle)
				}
			}
		}
	}
}

func (pm *PollManager) snapshot() []*pollSession {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	sessions := make([]*pollSession, 0, len(pm.sessions))
	for _, ps := range pm.sessions {
		sessions = append(sessions, ps)
	}
	return sessions
}

// cors mirrors the permissive CORS posture of the original deployment when
// every origin is allowed, and echoes allowed origins otherwise.
func (pm *PollManager) cors(w http.ResponseWriter, r *http.Request) {
	if pm.policy.allowAll {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		return
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	if normalized, ok := normalizeOrigin(origin); ok {
		if _, allowed := pm.policy.allowed[normalized]; allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
	}
}

func drainQueue(queue <-chan []byte) []json.RawMessage {
	var frames []json.RawMessage
	for {
		select {
		case frame, ok := <-queue:
			if !ok {
				return frames
			}
			frames = append(frames, json.RawMessage(frame))
		default:
			return frames
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
