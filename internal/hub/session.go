// Package hub defines the Session type that binds a live connection to its
// client-declared identity.
package hub

import "github.com/google/uuid"

// Sink is the outbound side of a session. Transports implement it so the hub
// can hand frames to a connection without knowing how they are framed on the
// wire.
//
// TrySend must never block: it reports false when the frame cannot be
// accepted (closed connection, full buffer). Close releases the transport
// resources and is called at most once, from the hub's event loop.
type Sink interface {
	TrySend(frame []byte) bool
	Close()
}

// Session represents one live connection. The connection handle is a UUID
// generated server-side, unique for the connection's lifetime and never
// reused. UserID is whatever identity the client claimed at connect time; it
// is unauthenticated, may collide across sessions, and is relayed as-is.
// TabID is a client-generated per-tab token kept for logging only.
type Session struct {
	id     string
	userID string
	tabID  string
	sink   Sink
}

// NewSession creates a session with a fresh connection handle. Empty userID
// or tabID values are accepted; clients that omit them still count toward
// presence.
func NewSession(userID, tabID string, sink Sink) *Session {
	return &Session{
		id:     uuid.NewString(),
		userID: userID,
		tabID:  tabID,
		sink:   sink,
	}
}

// ID returns the connection handle.
func (s *Session) ID() string { return s.id }

// UserID returns the client-claimed identity, possibly empty.
func (s *Session) UserID() string { return s.userID }

// TabID returns the client-generated tab token, possibly empty.
func (s *Session) TabID() string { return s.tabID }
