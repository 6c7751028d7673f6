// Package server wires HTTP handlers into a ServeMux for the geochat
// application via routing helpers.
package server

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/geochat-live/geochat/internal/hub"
)

// SetupRoutes configures and returns an HTTP ServeMux with all application
// routes: health check, WebSocket endpoint, long-poll fallback, and the
// browser test page.
func SetupRoutes(h *hub.Hub, pm *PollManager, cfg *Config, log *zap.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.HandleFunc("/socket", SocketHandler(h, cfg, log))
	mux.HandleFunc("/test", TestPageHandler)
	mux.HandleFunc("/poll/connect", pm.ConnectHandler)
	mux.HandleFunc("/poll/events", pm.EventsHandler)
	mux.HandleFunc("/poll/send", pm.SendHandler)
	mux.HandleFunc("/poll/disconnect", pm.DisconnectHandler)
	return mux
}
