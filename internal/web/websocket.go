package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sweeney/treat-dispenser/internal/status"
)

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	maxMsgSize       = 1 << 12
	defaultInterval  = 1 * time.Second
	minInterval      = 100 * time.Millisecond
	maxInterval      = 10 * time.Second
	maxIntervalMilli = 10_000
)

// The page is served from the device itself, so any origin on the LAN may
// watch it.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWS streams status snapshots. The push interval comes from
// ?interval=2s or ?interval_ms=2000; out-of-range values use the default.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	interval := parseInterval(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("ws upgrade failed", "err", err)
		return
	}
	defer func() { _ = conn.Close() }()

	conn.SetReadLimit(maxMsgSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	go s.drain(conn, done)

	ticker := time.NewTicker(interval)
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ping.Stop()
	}()

	if err := s.sendStatus(conn); err != nil {
		s.log.Infow("ws initial write failed", "err", err)
		return
	}

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.log.Infow("ws ping failed", "err", err)
				return
			}
		case <-ticker.C:
			if err := s.sendStatus(conn); err != nil {
				s.log.Infow("ws write failed", "err", err)
				return
			}
		}
	}
}

func parseInterval(r *http.Request) time.Duration {
	q := r.URL.Query()
	if v := q.Get("interval"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= minInterval && d <= maxInterval {
			return d
		}
	}
	if v := q.Get("interval_ms"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= int(minInterval/time.Millisecond) && n <= maxIntervalMilli {
			return time.Duration(n) * time.Millisecond
		}
	}
	return defaultInterval
}

// drain reads control frames until the peer goes away.
func (s *Server) drain(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) sendStatus(conn *websocket.Conn) error {
	doc := status.Build(s.tracker.Snapshot())
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(wsEnvelope{Type: "status", Data: doc.Status})
}
