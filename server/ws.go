package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teranos/vigil/logger"
	"github.com/teranos/vigil/pulse/async"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second
)

// JobUpdateMessage is one frame on /ws/jobs.
type JobUpdateMessage struct {
	Type      string     `json:"type"`
	Job       *async.Job `json:"job"`
	Timestamp int64      `json:"timestamp"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 2048,
	CheckOrigin:     checkOrigin,
}

// checkOrigin admits clients without an Origin header and local browsers.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, prefix := range []string{"http://localhost", "https://localhost", "http://127.0.0.1", "https://127.0.0.1"} {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

// handleJobStream pushes every job transition to the client until it disconnects.
// Slow clients miss updates rather than stall the queue.
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		s.unavailable(w, "job queue")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debugw("WebSocket upgrade failed", logger.FieldError, err)
		return
	}

	updates := s.deps.Queue.Subscribe()
	s.trackClient(1)
	defer func() {
		s.deps.Queue.Unsubscribe(updates)
		s.trackClient(-1)
		conn.Close()
	}()

	// The read pump only exists to notice the peer going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case job := <-updates:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			msg := JobUpdateMessage{Type: "job_update", Job: job, Timestamp: time.Now().Unix()}
			if err := conn.WriteJSON(msg); err != nil {
				s.log.Debugw("Job stream write failed", logger.FieldJobID, job.ID, logger.FieldError, err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) trackClient(delta int) {
	s.mu.Lock()
	s.clients += delta
	s.mu.Unlock()
}
