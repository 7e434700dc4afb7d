package pushserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/taskforge/orchestrator/internal/eventbus"
)

// wsMessage is the envelope written to every WebSocket client: a snapshot
// on connect, heartbeats, or a relayed bus event. SSE clients get their own
// {type, content} envelope from writeSSE.
type wsMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

func (s *Server) handleWSPlan(w http.ResponseWriter, r *http.Request) {
	planID := chi.URLParam(r, "planID")
	s.serveWS(w, r, eventbus.ForPlan(planID), planID)
}

func (s *Server) handleWSAll(w http.ResponseWriter, r *http.Request) {
	s.serveWS(w, r, nil, "")
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, filter eventbus.Filter, planID string) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warning().Err(err).Log("pushserver.ws_upgrade_failed")
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe(filter)
	defer s.bus.Unsubscribe(sub)

	// All writes to conn go through outbox and the single pumpWS goroutine
	// below, so the send buffer depth the select loop sees is the real
	// backlog, not an immediately-decremented counter: a slow client backs
	// up outbox instead of blocking conn.WriteJSON inline.
	outbox := make(chan wsMessage, wsSendBuffer)
	defer close(outbox)
	writerDone := make(chan struct{})
	go s.pumpWS(conn, outbox, writerDone)

	enqueue := func(msg wsMessage) bool {
		select {
		case outbox <- msg:
			return true
		default:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(wsCloseOverflow, "send buffer overflow"),
				time.Now().Add(time.Second))
			return false
		}
	}

	if status, err := s.backend.GetStatus(r.Context(), planID); err == nil {
		enqueue(wsMessage{Type: "status", Payload: status})
	}

	heartbeat := time.NewTicker(wsHeartbeatInterval)
	defer heartbeat.Stop()

	// Drain client reads on a separate goroutine solely to notice when the
	// peer closes the connection (gorilla requires a reader to detect this).
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-writerDone:
			// pumpWS hit a write error or deadline; no point enqueueing more.
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if !enqueue(wsMessage{Type: ev.Type, Payload: ev}) {
				return
			}
		case <-heartbeat.C:
			if !enqueue(wsMessage{Type: "heartbeat"}) {
				return
			}
		}
	}
}

// pumpWS is the sole writer to conn, so every write gets a deadline without
// the producer-side select needing to know about it: a stalled peer fails
// the deadline here and pumpWS exits, rather than wedging the event loop.
func (s *Server) pumpWS(conn *websocket.Conn, outbox <-chan wsMessage, done chan<- struct{}) {
	defer close(done)
	for msg := range outbox {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := s.writeWS(conn, msg); err != nil {
			return
		}
	}
}

func (s *Server) writeWS(conn *websocket.Conn, msg wsMessage) error {
	return conn.WriteJSON(msg)
}

func (s *Server) handleLogsSSE(w http.ResponseWriter, r *http.Request) {
	planID := chi.URLParam(r, "planID")
	s.serveSSE(w, r, eventbus.ForPlan(planID), func(ev eventbus.Event) bool {
		return ev.Type == "worker.stdout" || ev.Type == "bus.dropped"
	})
}

func (s *Server) handleEventsSSE(w http.ResponseWriter, r *http.Request) {
	planID := chi.URLParam(r, "planID")
	s.serveSSE(w, r, eventbus.ForPlan(planID), nil)
}

func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, filter eventbus.Filter, admit func(eventbus.Event) bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, NewAPIError(CodeInternalError, "streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.bus.Subscribe(filter)
	defer s.bus.Unsubscribe(sub)

	heartbeat := time.NewTicker(wsHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if admit != nil && !admit(ev) {
				continue
			}
			if !writeSSE(w, "log", ev) {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if !writeSSE(w, "heartbeat", nil) {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, eventType string, content interface{}) bool {
	data, err := json.Marshal(map[string]interface{}{"type": eventType, "content": content})
	if err != nil {
		return false
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err == nil
}
