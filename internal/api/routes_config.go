package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/replicator/internal/config"
	"github.com/energizer-project/replicator/internal/events"
)

// handleGetConfig returns the current configuration. Secrets are blanked.
func (s *Server) handleGetConfig(c *gin.Context) {
	app := s.cfg.GetApplicationData()
	if app.Security.MonitorToken != "" {
		app.Security.MonitorToken = "********"
	}
	if app.MQTT.Password != "" {
		app.MQTT.Password = "********"
	}
	c.JSON(http.StatusOK, gin.H{
		"server":           s.cfg.GetServer(),
		"client":           s.cfg.GetClient(),
		"application_data": app,
	})
}

// handleSetServerField changes one server setting by its JSON key and saves
// the file. Running endpoints and policies pick it up on restart.
func (s *Server) handleSetServerField(c *gin.Context) {
	var body struct {
		Key   string      `json:"key" binding:"required"`
		Value interface{} `json:"value"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	previous := s.cfg.GetServer()
	if err := s.cfg.UpdateServerField(body.Key, body.Value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if result := config.Validate(s.cfg); !result.IsValid() {
		s.cfg.SetServer(previous)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "invalid configuration",
			"errors": result.Errors,
		})
		return
	}
	if err := s.cfg.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config"})
		return
	}

	s.emit(events.EventConfigChanged, events.ConfigChangedPayload{
		Section: "server",
		Key:     body.Key,
		Value:   body.Value,
	})
	log.Info().Str("key", body.Key).Interface("value", body.Value).Msg("API: server setting updated")

	c.JSON(http.StatusOK, gin.H{
		"status":           "updated",
		"server":           s.cfg.GetServer(),
		"restart_required": true,
	})
}
