// Package hub defines the wire-level event envelope and the payload shapes
// exchanged between clients and the relay.
package hub

import (
	"encoding/json"
	"strconv"
)

// Event names carried in the envelope. The three webrtc events share one
// routing rule; the hub never models call state beyond tagging the sender.
const (
	EventChat      = "chat"
	EventTyping    = "typing"
	EventUsers     = "users"
	EventOffer     = "webrtc-offer"
	EventAnswer    = "webrtc-answer"
	EventCandidate = "webrtc-candidate"
)

// Envelope is the framing shared by both transports: a logical event name
// plus an opaque JSON payload. The hub validates only the framing; payload
// contents are relayed as-is.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ChatMessage documents the payload clients exchange on the chat event. The
// hub relays chat data verbatim and never decodes into this struct; it exists
// for boundary code and tests. UserID echoes the sender's claimed identity
// and is used by receivers only to tell own messages apart for rendering.
// Timestamp is client wall-clock time and is not re-stamped. Lat and Lng are
// the sender's last known location, attached opportunistically.
type ChatMessage struct {
	Name      string   `json:"name"`
	Message   string   `json:"message"`
	Image     string   `json:"image,omitempty"`
	ID        string   `json:"id"`
	UserID    string   `json:"userId"`
	Timestamp string   `json:"timestamp"`
	Lat       *float64 `json:"lat,omitempty"`
	Lng       *float64 `json:"lng,omitempty"`
}

// IsSignaling reports whether event is one of the webrtc relay events.
func IsSignaling(event string) bool {
	return event == EventOffer || event == EventAnswer || event == EventCandidate
}

// usersEnvelope encodes a presence-count broadcast.
func usersEnvelope(count int) ([]byte, error) {
	return json.Marshal(Envelope{
		Event: EventUsers,
		Data:  json.RawMessage(strconv.Itoa(count)),
	})
}

// injectFrom returns data with a "from" field set to the sender's connection
// handle so recipients can target their responses. Payloads that are not JSON
// objects are replaced by a bare {"from": ...} object, mirroring the
// object-spread semantics of the original relay; everything else is carried
// through untouched.
func injectFrom(data json.RawMessage, sender string) json.RawMessage {
	obj := make(map[string]json.RawMessage)
	if len(data) > 0 {
		_ = json.Unmarshal(data, &obj)
	}

	handle, err := json.Marshal(sender)
	if err != nil {
		return data
	}
	obj["from"] = handle

	out, err := json.Marshal(obj)
	if err != nil {
		return data
	}
	return out
}
