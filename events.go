package paygate

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	eventWriteWait  = 10 * time.Second
	eventPongWait   = 60 * time.Second
	eventPingPeriod = eventPongWait * 9 / 10
)

var eventUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// reviewers authenticate with the API key, not cookies
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEvents streams authority events to a reviewer over a websocket.
// On connect the current pending flows are replayed as intake events.
func (s *AuthorityServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := eventUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	events, unsubscribe := s.Authority.Subscribe(64)
	defer unsubscribe()

	for _, d := range s.Authority.ListPending() {
		_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
		if err := conn.WriteJSON(Event{Type: EventIntake, ID: d.ID, Descriptor: d, Time: d.Timestamp}); err != nil {
			return
		}
	}

	// reader: only pongs and close frames are expected
	closed := make(chan struct{})
	_ = conn.SetReadDeadline(time.Now().Add(eventPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(eventPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.Logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
