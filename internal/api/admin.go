package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"pdfbot/internal/auth"
)

const (
	defaultStatsWindow = 24 * time.Hour
	defaultErrorLimit  = 20
	maxErrorLimit      = 200
)

// parseSince accepts an RFC3339 timestamp or a Go duration counted back from now.
func parseSince(raw string, now time.Time) (time.Time, bool) {
	if raw == "" {
		return now.Add(-defaultStatsWindow), true
	}
	if raw == "all" {
		return time.Time{}, true
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return now.Add(-d), true
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts, true
	}
	return time.Time{}, false
}

func (h *Handler) adminStats(c *gin.Context) {
	since, ok := parseSince(c.Query("since"), time.Now())
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since"})
		return
	}
	resp := gin.H{
		"workers":    h.workers.Stats(),
		"live_files": h.files.LiveCount(),
		"uptime":     time.Since(h.startedAt).Round(time.Second).String(),
	}
	if n, ok := h.workers.MirroredSessions(c.Request.Context()); ok {
		resp["mirrored_sessions"] = n
	}
	if files, bytes, err := h.files.Usage(); err != nil {
		h.log.Warn().Err(err).Msg("disk usage")
	} else {
		resp["disk"] = gin.H{"files": files, "bytes": bytes}
	}
	if h.stats != nil {
		sum, err := h.stats.Summary(c.Request.Context(), since)
		if err != nil {
			h.log.Error().Err(err).Msg("load summary")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "load statistics failed"})
			return
		}
		resp["operations"] = sum
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) adminErrors(c *gin.Context) {
	if h.stats == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "statistics disabled"})
		return
	}
	limit := defaultErrorLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(n, maxErrorLimit)
	}
	records, err := h.stats.RecentFailures(c.Request.Context(), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("load failures")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load failures failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"errors": records})
}

func (h *Handler) adminReset(c *gin.Context) {
	userID := pathUser(c)
	local := h.workers.Reset(userID)
	ev := h.log.Info().Int64("user_id", userID).Bool("local", local)
	if adminID, ok := auth.AdminIDFromContext(c); ok {
		ev = ev.Int64("admin_id", adminID)
	}
	ev.Msg("session reset")
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "local": local})
}

func (h *Handler) adminSweep(c *gin.Context) {
	maxAge := h.opts.FileRetention
	if maxAge <= 0 {
		maxAge = defaultStatsWindow
	}
	if raw := c.Query("max_age"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid max_age"})
			return
		}
		maxAge = d
	}
	removed, err := h.files.Sweep(maxAge)
	if err != nil {
		h.log.Error().Err(err).Msg("manual sweep")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sweep failed", "removed": removed})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}
