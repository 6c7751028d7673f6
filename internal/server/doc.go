// Package server binds the geochat hub to its transports: the WebSocket
// endpoint and the long-poll fallback, plus configuration, origin checks,
// per-connection rate limiting, and HTTP lifecycle helpers.
//
// The package holds no session state of its own; every connection is handed
// to the hub as a Session whose Sink is implemented by the transport.
package server
