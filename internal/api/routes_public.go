package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/replicator/internal/util"
)

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "replicator",
		"version": Version,
	})
}

// handleInfo returns what getinfo reports over UDP, plus the host platform.
func (s *Server) handleInfo(c *gin.Context) {
	if s.relay == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "relay not running"})
		return
	}
	info := s.relay.Info()
	sysInfo := util.GetSystemInfo()

	c.JSON(http.StatusOK, gin.H{
		"hostname":    info.Hostname,
		"game_name":   info.GameName,
		"game_type":   info.GameType,
		"map_name":    info.MapName,
		"protocol":    info.Protocol,
		"clients":     info.Clients,
		"max_clients": info.MaxClients,
		"status":      s.relay.Status(),
		"version":     Version,
		"platform":    sysInfo.OS,
		"cpu_model":   sysInfo.CPUModel,
		"cpu_cores":   sysInfo.CPUCores,
	})
}

// handleStats returns relay counters and the process footprint.
func (s *Server) handleStats(c *gin.Context) {
	if s.relay == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "relay not running"})
		return
	}
	resp := gin.H{"relay": s.relay.Stats()}
	if usage, err := util.GetProcessUsage(); err == nil {
		resp["process"] = usage
	} else {
		resp["process_error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// handleHealth returns the last health report; 503 when it is unhealthy.
func (s *Server) handleHealth(c *gin.Context) {
	if s.health == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "health checks not enabled"})
		return
	}
	report := s.health.Report()
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}
