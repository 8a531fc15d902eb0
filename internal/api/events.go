package api

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/embedctl/internal/events"
)

const (
	// minFeedBuffer is the headroom a feed keeps for live events on top of
	// a full replay of the publisher queue.
	minFeedBuffer = 256

	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// handleEvents streams published events to a websocket client, one JSON
// object per message. Events queued while nobody listened are replayed first.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("event feed upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	feed := make(chan events.Event, feedSize(s.cmds.EventQueueSize()))
	var dropped atomic.Uint64
	id, err := s.cmds.Subscribe(func(e events.Event) {
		select {
		case feed <- e:
		default:
			dropped.Add(1)
		}
	})
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()),
			time.Now().Add(writeWait))
		return
	}
	defer s.cmds.Unsubscribe(id)
	s.logger.Debug("event feed attached", "consumer_id", id)

	// The read loop only detects the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			if n := dropped.Load(); n > 0 {
				s.logger.Warn("event feed dropped events", "consumer_id", id, "dropped", n)
			}
			return
		case <-r.Context().Done():
			return
		case e := <-feed:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("event feed write failed", "consumer_id", id, "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// feedSize sizes a subscriber's buffer so the whole replay fits.
func feedSize(queueSize int) int {
	return queueSize + minFeedBuffer
}
