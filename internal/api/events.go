package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Event feed tuning. A slow client that falls more than eventFeedBuffer
// events behind starts losing events; the bus drops rather than blocks.
const (
	eventFeedBuffer  = 256
	eventWriteWait   = 10 * time.Second
	eventPingPeriod  = 30 * time.Second
	eventPongTimeout = 75 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Token auth gates the feed; origin is not checked.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents upgrades to a WebSocket and forwards every bus event as
// a JSON object until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, principal string) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event feed not configured")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe(eventFeedBuffer)
	defer s.bus.Unsubscribe(sub)

	s.logger.Info("event feed connected", "principal", principal, "remote", r.RemoteAddr)

	// Reads only service control frames and close detection.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(eventPongTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(eventPongTimeout))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug("event feed read error", "error", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingPeriod)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("event feed write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteWait)); err != nil {
				return
			}
		case <-done:
			s.logger.Info("event feed disconnected", "principal", principal)
			return
		case <-r.Context().Done():
			return
		}
	}
}
