package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/replicator/internal/peers"
	"github.com/energizer-project/replicator/internal/server"
)

// handleKick drops a peer. The optional JSON body {"reason": "..."} is
// shown to the client.
func (s *Server) handleKick(c *gin.Context) {
	if s.relay == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "relay not running"})
		return
	}
	id, err := strconv.ParseUint(c.Param("id"), 10, 16)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid peer id"})
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	switch err := s.relay.Kick(peers.PeerID(id), body.Reason); {
	case errors.Is(err, server.ErrUnknownPeer):
		c.JSON(http.StatusNotFound, gin.H{"error": "peer not found", "id": id})
		return
	case errors.Is(err, server.ErrNotRunning):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	log.Info().
		Uint64("peer", id).
		Str("reason", body.Reason).
		Str("client_ip", c.ClientIP()).
		Msg("API: peer kicked")

	c.JSON(http.StatusOK, gin.H{
		"status": "kicked",
		"id":     id,
	})
}
