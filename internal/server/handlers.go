// Package server exposes the HTTP handlers that wire transports into the
// hub: the WebSocket upgrade endpoint, the health check, and the built-in
// test page.
package server

import (
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/geochat-live/geochat/internal/hub"
)

// SocketHandler returns the WebSocket endpoint. It reads the client-claimed
// userId and tabId from the query string (both optional, defaulting to empty
// strings so presence counting stays correct for clients that omit them),
// registers the session, and only then starts the connection pumps. That
// ordering guarantees no event can be routed from a session that is not yet
// reflected in the published presence count.
func SocketHandler(h *hub.Hub, cfg *Config, log *zap.Logger) http.HandlerFunc {
	policy := newOriginPolicy(cfg.AllowedOrigins, log)
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     policy.check,
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
			return
		}

		userID := r.URL.Query().Get("userId")
		tabID := r.URL.Query().Get("tabId")

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("websocket upgrade failed",
				zap.String("addr", r.RemoteAddr), zap.Error(err))
			return
		}

		client := newWSClient(conn, h, cfg, log, r.RemoteAddr)
		session := hub.NewSession(userID, tabID, client)
		client.session = session

		if err := h.Register(session); err != nil {
			log.Error("session registration failed",
				zap.String("addr", r.RemoteAddr), zap.Error(err))
			_ = conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}

// HealthHandler reports that the hub is up.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "geochat hub is running.")
}

// TestPageHandler serves a minimal browser page for exercising the hub by
// hand: it connects over WebSocket, shows the live presence count, and lets
// you send chat and typing events.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	html := `<!DOCTYPE html>
<html>
<head>
    <title>geochat hub test</title>
    <style>
        body { font-family: sans-serif; margin: 20px; }
        #log { border: 1px solid #ccc; height: 300px; padding: 10px; overflow-y: scroll; margin: 10px 0; }
        input[type="text"] { width: 280px; padding: 5px; margin-right: 8px; }
    </style>
</head>
<body>
    <h1>geochat hub test</h1>
    <div>Online: <span id="users">?</span></div>
    <div>
        <input type="text" id="name" placeholder="Name" value="tester">
        <input type="text" id="message" placeholder="Message">
        <button onclick="sendChat()">Send</button>
    </div>
    <div id="log"></div>
    <script>
        const userId = Math.random().toString(36).slice(2, 11);
        const tabId = Math.random().toString(36).slice(2, 11);
        const proto = location.protocol === 'https:' ? 'wss' : 'ws';
        const ws = new WebSocket(proto + '://' + location.host + '/socket?userId=' + userId + '&tabId=' + tabId);

        function log(text) {
            const div = document.createElement('div');
            div.textContent = text;
            const el = document.getElementById('log');
            el.appendChild(div);
            el.scrollTop = el.scrollHeight;
        }

        ws.onopen = () => log('connected');
        ws.onclose = () => log('disconnected');
        ws.onmessage = (e) => {
            const env = JSON.parse(e.data);
            if (env.event === 'users') {
                document.getElementById('users').textContent = env.data;
            } else if (env.event === 'chat') {
                log(env.data.name + ': ' + env.data.message);
            } else if (env.event === 'typing') {
                log(env.data + ' is typing...');
            } else {
                log(env.event + ' ' + JSON.stringify(env.data));
            }
        };

        function sendChat() {
            const input = document.getElementById('message');
            if (!input.value) return;
            ws.send(JSON.stringify({
                event: 'chat',
                data: {
                    name: document.getElementById('name').value,
                    message: input.value,
                    id: Math.random().toString(36).slice(2, 11),
                    userId: userId,
                    timestamp: new Date().toISOString()
                }
            }));
            input.value = '';
        }

        document.getElementById('message').addEventListener('input', () => {
            ws.send(JSON.stringify({
                event: 'typing',
                data: document.getElementById('name').value
            }));
        });
    </script>
</body>
</html>`
	if _, err := fmt.Fprint(w, html); err != nil {
		return
	}
}
