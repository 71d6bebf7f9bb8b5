package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/replicator/internal/events"
)

// handleClient dispatches the form-encoded handshake calls. Replies are
// JSON objects; failures carry an "error" key.
func (s *Server) handleClient(c *gin.Context) {
	switch method := c.PostForm("method"); method {
	case "initConnect":
		s.handleInitConnect(c)
	case "getEndpoints":
		s.handleGetEndpoints(c)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown method " + method})
	}
}

// handleInitConnect issues a single-use session token for the UDP connect.
func (s *Server) handleInitConnect(c *gin.Context) {
	name := strings.TrimSpace(c.PostForm("name"))
	guid := strings.TrimSpace(c.PostForm("guid"))
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing name"})
		return
	}

	sc := s.cfg.GetServer()
	if s.relay != nil && s.relay.Registry().Count() >= s.relay.Registry().MaxPeers() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is full"})
		return
	}

	var token string
	if s.store != nil {
		var err error
		token, err = s.store.IssueToken(name, guid, c.ClientIP(), sc.TokenTTL())
		if err != nil {
			log.Error().Err(err).Str("guid", guid).Msg("failed to issue session token")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
			return
		}
	} else {
		token = uuid.NewString()
	}

	s.emit(events.EventTokenIssued, events.TokenIssuedPayload{
		Name:     name,
		GUID:     guid,
		RemoteIP: c.ClientIP(),
	})

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"protocol":   sc.ProtocolVersion,
		"gamename":   sc.GameName,
		"maxClients": sc.MaxClients,
	})
}

// handleGetEndpoints lists the UDP endpoints a token holder may connect to.
func (s *Server) handleGetEndpoints(c *gin.Context) {
	token := c.PostForm("token")
	if s.store != nil {
		_, ok, err := s.store.LookupToken(token)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check token"})
			return
		}
		if !ok {
			c.JSON(http.StatusForbidden, gin.H{"error": "invalid or expired token"})
			return
		}
	}

	var endpoints []string
	if s.relay != nil {
		for _, ap := range s.relay.EndpointAddrs() {
			endpoints = append(endpoints, ap.String())
		}
	}
	if len(endpoints) == 0 {
		endpoints = s.cfg.GetServer().Endpoints
	}
	c.JSON(http.StatusOK, gin.H{"endpoints": endpoints})
}
