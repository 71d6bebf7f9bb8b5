package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/replicator/internal/peers"
)

type peerView struct {
	ID          peers.PeerID `json:"id"`
	Addr        string       `json:"addr"`
	GUID        string       `json:"guid"`
	Name        string       `json:"name"`
	Endpoint    int          `json:"endpoint"`
	ConnectedAt time.Time    `json:"connected_at"`
	LastSeen    time.Time    `json:"last_seen"`
	Entities    int          `json:"entities"`
	Host        bool         `json:"host"`
}

// handlePeers lists connected peers with their entity counts.
func (s *Server) handlePeers(c *gin.Context) {
	if s.relay == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "relay not running"})
		return
	}
	owned := s.relay.Store().CountByOwner()
	hostID, _, _ := s.relay.Registry().Host()

	all := s.relay.Registry().All()
	out := make([]peerView, 0, len(all))
	for _, p := range all {
		out = append(out, peerView{
			ID:          p.ID,
			Addr:        p.Addr.String(),
			GUID:        p.GUID,
			Name:        p.Name,
			Endpoint:    p.Endpoint,
			ConnectedAt: p.ConnectedAt,
			LastSeen:    p.LastSeen,
			Entities:    owned[p.ID],
			Host:        p.ID == hostID,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"peers":     out,
		"total":     len(out),
		"max_peers": s.relay.Registry().MaxPeers(),
	})
}

// handleEntities lists the entity table, optionally filtered by ?owner=.
func (s *Server) handleEntities(c *gin.Context) {
	if s.relay == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "relay not running"})
		return
	}

	var owner peers.PeerID
	if raw := c.Query("owner"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 16)
		if err != nil || n == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid owner"})
			return
		}
		owner = peers.PeerID(n)
	}

	snapshot := s.relay.Store().Snapshot()
	out := snapshot[:0]
	for _, e := range snapshot {
		if owner == 0 || e.Owner == owner {
			out = append(out, e)
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"entities": out,
		"total":    len(out),
	})
}

// handleSessions returns the most recent finished peer sessions.
func (s *Server) handleSessions(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session history not available"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	sessions, err := s.store.RecentSessions(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// handleTokens lists handshake tokens that have not been used yet.
func (s *Server) handleTokens(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "token store not available"})
		return
	}
	tokens, err := s.store.PendingTokens()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tokens": tokens,
		"count":  len(tokens),
	})
}

// handleGetLogEntries returns the newest lines of the current log file.
func (s *Server) handleGetLogEntries(c *gin.Context) {
	count, err := strconv.Atoi(c.DefaultQuery("count", "100"))
	if err != nil || count < 1 {
		count = 100
	}
	if count > 1000 {
		count = 1000
	}

	logDir := s.cfg.GetApplicationData().Logging.Directory
	entries, err := readRecentLogEntries(logDir, count)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

type logEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// readRecentLogEntries parses the last count JSON lines of the newest log
// file in logDir. Lines that are not JSON come back as plain messages.
func readRecentLogEntries(logDir string, count int) ([]logEntry, error) {
	dirEntries, err := os.ReadDir(logDir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range dirEntries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".log" {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return []logEntry{}, nil
	}
	// Files are named app_YYYY-MM-DD.log.
	sort.Strings(names)
	latest := filepath.Join(logDir, names[len(names)-1])

	data, err := os.ReadFile(latest)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(string(data), "\n")
	start := len(lines) - count - 1
	if start < 0 {
		start = 0
	}

	knownKeys := map[string]bool{
		"level": true, "time": true, "message": true,
		"caller": true, "app": true, "component": true,
	}

	result := make([]logEntry, 0, count)
	for _, line := range lines[start:] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var raw map[string]interface{}
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			result = append(result, logEntry{Message: line})
			continue
		}

		entry := logEntry{
			Level:     stringFromMap(raw, "level"),
			Component: stringFromMap(raw, "component"),
			Message:   stringFromMap(raw, "message"),
			Timestamp: stringFromMap(raw, "time"),
		}
		extra := make(map[string]interface{})
		for k, v := range raw {
			if !knownKeys[k] {
				extra[k] = v
			}
		}
		if len(extra) > 0 {
			entry.Fields = extra
		}
		result = append(result, entry)
	}
	if len(result) > count {
		result = result[len(result)-count:]
	}
	return result, nil
}

func stringFromMap(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return ""
}
