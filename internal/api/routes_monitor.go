package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/chatrelay-project/chatrelay/internal/scheduler"
	"github.com/chatrelay-project/chatrelay/internal/util"
)

// queryCount reads ?count=N, clamped to [1, max].
func queryCount(c *gin.Context, def, max int) int {
	count, err := strconv.Atoi(c.DefaultQuery("count", strconv.Itoa(def)))
	if err != nil || count < 1 {
		count = def
	}
	if count > max {
		count = max
	}
	return count
}

// handleGetStats returns session and colour counts.
func (s *Server) handleGetStats(c *gin.Context) {
	stats := s.manager.Stats()
	c.JSON(http.StatusOK, gin.H{
		"live_sessions":          stats.LiveSessions,
		"authenticated_sessions": stats.AuthenticatedSessions,
		"free_colours":           stats.FreeColours,
		"palette_size":           stats.PaletteSize,
		"started_at":             stats.StartedAt,
		"uptime":                 scheduler.FormatUptime(stats.Uptime),
		"shutting_down":          s.manager.IsShuttingDown(),
	})
}

// handleGetSessions lists every live session.
func (s *Server) handleGetSessions(c *gin.Context) {
	sessions := s.manager.Sessions()
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

type colourEntry struct {
	Colour string `json:"colour"`
	Holder string `json:"holder,omitempty"`
}

// handleGetColours returns the palette with the current holder of each
// colour, plus the server's own colour.
func (s *Server) handleGetColours(c *gin.Context) {
	reg := s.manager.Registry()

	holders := make(map[string]string)
	for _, info := range reg.Snapshot() {
		if info.Colour != "" {
			holders[info.Colour] = info.Username
		}
	}

	palette := reg.Palette()
	entries := make([]colourEntry, 0, len(palette))
	for _, colour := range palette {
		entries = append(entries, colourEntry{Colour: colour, Holder: holders[colour]})
	}

	c.JSON(http.StatusOK, gin.H{
		"palette": entries,
		"free":    reg.FreeColours(),
		"server":  reg.Server().Identity(),
	})
}

// handleGetAudit returns the newest audit rows and per-type counts.
func (s *Server) handleGetAudit(c *gin.Context) {
	if s.audit == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit store disabled"})
		return
	}

	count := queryCount(c, 50, 500)
	ctx := c.Request.Context()

	rows, err := s.audit.Recent(ctx, count)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	counts, err := s.audit.CountByType(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": rows,
		"count":  len(rows),
		"totals": counts,
	})
}

// handleGetSystem returns host and process resource usage.
func (s *Server) handleGetSystem(c *gin.Context) {
	resp := gin.H{
		"system":  util.GetSystemInfo(),
		"process": util.GetProcessStats(s.startedAt),
	}
	if usage, err := util.GetCPUUsage(); err == nil {
		resp["cpu_percent"] = usage
	}
	if mem, err := util.GetMemoryUsage(); err == nil {
		resp["memory"] = mem
	}
	c.JSON(http.StatusOK, resp)
}

// handleGetConfig returns the effective relay settings with secrets removed.
func (s *Server) handleGetConfig(c *gin.Context) {
	relay := s.cfg.GetRelay()
	passwordSet := relay.Password != "" || relay.PasswordHash != ""
	relay.Password = ""
	relay.PasswordHash = ""

	proto := s.cfg.GetProtocol()

	c.JSON(http.StatusOK, gin.H{
		"relay":        relay,
		"password_set": passwordSet,
		"protocol": gin.H{
			"max_frame_bytes":     proto.MaxFrameBytes,
			"payload_timeout_sec": proto.PayloadTimeoutSec,
			"codes":               s.manager.Vocabulary().Names(),
		},
		"palette": s.manager.Registry().Palette(),
	})
}

// handleGetLogEntries returns recent log entries.
func (s *Server) handleGetLogEntries(c *gin.Context) {
	count := queryCount(c, 100, 1000)

	logDir := s.cfg.GetApplicationData().Logging.Directory
	entries, err := readRecentLogEntries(logDir, count)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.JSON(http.StatusOK, gin.H{"entries": []logEntry{}, "count": 0})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// logEntry is a parsed log entry for the API response.
type logEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// readRecentLogEntries parses the last count lines of the newest log file.
func readRecentLogEntries(logDir string, count int) ([]logEntry, error) {
	dirEntries, err := os.ReadDir(logDir)
	if err != nil {
		return nil, err
	}

	if len(dirEntries) == 0 {
		return []logEntry{}, nil
	}

	var latestFile string
	for i := len(dirEntries) - 1; i >= 0; i-- {
		if !dirEntries[i].IsDir() && filepath.Ext(dirEntries[i].Name()) == ".log" {
			latestFile = filepath.Join(logDir, dirEntries[i].Name())
			break
		}
	}

	if latestFile == "" {
		return []logEntry{}, nil
	}

	data, err := os.ReadFile(latestFile)
	if err != nil {
		return nil, err
	}

	lines := strings.Split(string(data), "\n")

	start := len(lines) - count
	if start < 0 {
		start = 0
	}

	knownKeys := map[string]bool{
		"level": true, "time": true, "message": true,
		"caller": true, "app": true,
	}

	result := make([]logEntry, 0, count)
	for _, line := range lines[start:] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var raw map[string]interface{}
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			// console output or a partial line
			result = append(result, logEntry{Message: line})
			continue
		}

		entry := logEntry{
			Level:   stringFromMap(raw, "level"),
			Message: stringFromMap(raw, "message"),
		}

		if t, ok := raw["time"]; ok {
			entry.Timestamp = fmt.Sprintf("%v", t)
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

	return result, nil
}

// stringFromMap extracts a string value from a map, returning "" if missing.
func stringFromMap(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return ""
}
