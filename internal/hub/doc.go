// Package hub implements the transport-independent core of the geochat relay:
// the session registry, the presence publisher, and the event router.
//
// A single goroutine running Hub.Run serializes every registry mutation and
// every broadcast, which is what keeps the published presence count consistent
// with the registry under concurrent connect/disconnect churn. Transports feed
// the loop through Register, Unregister, and Submit and receive outbound
// frames through each session's Sink.
package hub
