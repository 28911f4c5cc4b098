package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/sentinel/internal/monitor"
	"github.com/MrWong99/sentinel/internal/observe"
)

// eventWriteTimeout bounds a single websocket write. A client slower than
// this is disconnected.
const eventWriteTimeout = 10 * time.Second

// handleEvents upgrades to a websocket and streams hub events as JSON text
// messages. The optional "stream" query parameter restricts the feed to one
// stream. Client messages are ignored.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("stream")
	log := observe.Logger(r.Context()).With("stream_filter", filter)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		log.Warn("events: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	sub := s.monitor.Hub().Subscribe()
	defer sub.Close()

	// CloseRead discards client frames and cancels ctx once the peer goes
	// away.
	ctx := conn.CloseRead(r.Context())
	log.Debug("events: subscriber connected")

	for {
		select {
		case <-ctx.Done():
			log.Debug("events: subscriber gone")
			return
		case ev, ok := <-sub.C:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "hub closed")
				return
			}
			if filter != "" && ev.Stream != filter {
				continue
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				if !errors.Is(err, context.Canceled) {
					log.Warn("events: write failed", "err", err)
				}
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev monitor.Event) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
