package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/replicator/internal/events"
)

const (
	feedBuffer       = 256
	feedWriteTimeout = 5 * time.Second
	feedPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleEvents streams bus events to a websocket as JSON text messages.
// ?types=a,b limits the feed to those event types. A slow reader loses
// events rather than stalling the bus.
func (s *Server) handleEvents(c *gin.Context) {
	if s.eventBus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event bus not available"})
		return
	}

	var filter map[events.EventType]bool
	if raw := c.Query("types"); raw != "" {
		filter = make(map[events.EventType]bool)
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter[events.EventType(t)] = true
			}
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Debug().Err(err).Str("client_ip", c.ClientIP()).Msg("event feed upgrade failed")
		return
	}
	defer conn.Close()

	feed := make(chan events.Event, feedBuffer)
	name := "api.feed." + uuid.NewString()
	s.eventBus.Subscribe(events.AllEvents, name, func(_ context.Context, ev events.Event) error {
		if filter != nil && !filter[ev.Type] {
			return nil
		}
		select {
		case feed <- ev:
		default:
		}
		return nil
	})
	defer s.eventBus.Unsubscribe(events.AllEvents, name)

	log.Info().Str("client_ip", c.ClientIP()).Msg("event feed opened")

	// The reader only notices the peer going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(feedPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			log.Info().Str("client_ip", c.ClientIP()).Msg("event feed closed")
			return
		case <-s.eventBus.StopCh():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(feedWriteTimeout))
			return
		case ev := <-feed:
			conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug().Err(err).Msg("event feed write failed")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(feedWriteTimeout)); err != nil {
				return
			}
		}
	}
}
