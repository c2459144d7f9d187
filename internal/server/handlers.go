package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/gorelay/internal/auth"
	"github.com/Tyrowin/gorelay/internal/presence"
)

const statsTimeout = 2 * time.Second

// handleWebSocket authenticates the handshake, upgrades the connection and
// hands the new session to the hub. Refused handshakes never reach the hub.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	addr := clientIP(r)
	if err := s.handshakes.Check("ip:" + addr); err != nil {
		s.metrics.RateLimited.WithLabelValues("handshake").Inc()
		s.logger.Warn("handshake rate limited", "addr", addr, "error", err)
		http.Error(w, "Too many connection attempts", http.StatusTooManyRequests)
		return
	}

	identity, err := s.verifier.Verify(r.Context(), tokenFromRequest(r))
	if err != nil {
		s.metrics.AuthFailures.Inc()
		s.logger.Warn("handshake rejected", "addr", addr, "error", err)
		status := http.StatusUnauthorized
		if errors.Is(err, context.Canceled) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, http.StatusText(status), status)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "addr", addr, "error", err)
		return
	}

	client := newClient(conn, s.hub, addr, s.config, s.events, s.metrics, s.logger.With("user_id", identity.UserID))
	client.session = presence.NewSession(uuid.NewString(), identity, addr, client, s.clock.Now())

	// The hub starts the pumps once the session is registered.
	if !s.hub.Register(client.session, client.writePump, client.readPump) {
		_ = conn.Close()
	}
}

// handleHealth reports that the process is up.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "Relay server is running!")
}

// handleStats returns hub counters as JSON.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), statsTimeout)
	defer cancel()

	stats, err := s.hub.Stats(ctx)
	if err != nil {
		http.Error(w, "stats unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		s.logger.Warn("write stats response", "error", err)
	}
}

// handleTestPage serves a small page for poking at the relay from a browser.
func (s *Server) handleTestPage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPage); err != nil {
		s.logger.Warn("write test page", "error", err)
	}
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>Relay WebSocket Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #log { border: 1px solid #ccc; height: 300px; padding: 10px; overflow-y: scroll; margin: 10px 0; background-color: #f9f9f9; font-family: monospace; }
        input[type="text"] { width: 300px; padding: 5px; margin-right: 10px; }
        textarea { width: 420px; height: 60px; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>Relay WebSocket Test</h1>
    <div id="status" class="status disconnected">Disconnected</div>
    <div>
        <input type="text" id="token" placeholder="Bearer token">
        <button onclick="toggleConnection()" id="connectButton">Connect</button>
    </div>
    <div>
        <input type="text" id="event" placeholder="event, e.g. send_message">
        <textarea id="data" placeholder='{"recipientId":"bob","content":"hi"}'></textarea>
        <button onclick="sendEvent()">Send</button>
    </div>
    <div id="log"></div>
    <script>
        let ws = null;
        const logDiv = document.getElementById('log');
        const statusDiv = document.getElementById('status');

        function log(line) {
            const el = document.createElement('div');
            el.textContent = line;
            logDiv.appendChild(el);
            logDiv.scrollTop = logDiv.scrollHeight;
        }

        function setStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            document.getElementById('connectButton').textContent = connected ? 'Disconnect' : 'Connect';
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
                return;
            }
            const token = encodeURIComponent(document.getElementById('token').value.trim());
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws?token=' + token);
            ws.onopen = () => { log('connected'); setStatus(true); };
            ws.onmessage = (e) => log('<- ' + e.data);
            ws.onclose = () => { log('closed'); setStatus(false); ws = null; };
        }

        function sendEvent() {
            if (!ws || ws.readyState !== WebSocket.OPEN) return;
            const raw = document.getElementById('data').value.trim();
            const frame = JSON.stringify({ event: document.getElementById('event').value.trim(), data: raw ? JSON.parse(raw) : {} });
            ws.send(frame);
            log('-> ' + frame);
        }
    </script>
</body>
</html>`

// tokenFromRequest reads the bearer credential from the Authorization header
// or, for browsers that cannot set headers on websockets, the token query
// parameter.
func tokenFromRequest(r *http.Request) string {
	if token := auth.BearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return r.URL.Query().Get("token")
}
