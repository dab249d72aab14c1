package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nebula/ptyhost/internal/config"
	"github.com/nebula/ptyhost/internal/stats"
)

// SystemHandler handles system endpoints
type SystemHandler struct {
	configManager  *config.Manager
	statsCollector *stats.Collector
}

// NewSystemHandler creates a new system handler. Either argument may be nil.
func NewSystemHandler(cfg *config.Manager, sc *stats.Collector) *SystemHandler {
	return &SystemHandler{
		configManager:  cfg,
		statsCollector: sc,
	}
}

// GetSystemInfo godoc
// @Summary Get system information
// @Description Returns general information about the host running the shells
// @Tags system
// @Produce json
// @Success 200 {object} stats.SystemInfo
// @Failure 500 {object} ErrorResponse
// @Router /api/v1/system/info [get]
func (h *SystemHandler) GetSystemInfo(c *gin.Context) {
	info, err := stats.GetSystemInfo()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// GetStats godoc
// @Summary Get session statistics
// @Description Returns the retained samples of session process usage, oldest first
// @Tags system
// @Produce json
// @Success 200 {array} stats.Snapshot
// @Router /api/v1/stats [get]
func (h *SystemHandler) GetStats(c *gin.Context) {
	if h.statsCollector == nil {
		c.JSON(http.StatusOK, []stats.Snapshot{})
		return
	}
	c.JSON(http.StatusOK, h.statsCollector.History())
}

// StreamStats godoc
// @Summary Stream session statistics
// @Description Server-sent events: the latest sample, then every new one as a terminal_stats event
// @Tags system
// @Produce text/event-stream
// @Success 200 {object} stats.Snapshot
// @Failure 503 {object} ErrorResponse
// @Router /api/v1/stats/stream [get]
func (h *SystemHandler) StreamStats(c *gin.Context) {
	if h.statsCollector == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "stats sampling is disabled", Kind: "unavailable"})
		return
	}

	sub := h.statsCollector.Subscribe()
	defer h.statsCollector.Unsubscribe(sub)

	// The stream outlives server.write_timeout.
	http.NewResponseController(c.Writer).SetWriteDeadline(time.Time{})

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	if snap, ok := h.statsCollector.Latest(); ok {
		c.SSEvent(stats.EventStats, snap)
	}
	c.Writer.Flush()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-sub:
			if !ok {
				return
			}
			c.SSEvent(stats.EventStats, snap)
			c.Writer.Flush()
		}
	}
}

// GetConfig godoc
// @Summary Get current configuration
// @Description Returns the current server configuration
// @Tags system
// @Produce json
// @Success 200 {object} config.Config
// @Router /api/v1/config [get]
func (h *SystemHandler) GetConfig(c *gin.Context) {
	if h.configManager == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, h.configManager.Get())
}

// ReloadConfig godoc
// @Summary Reload configuration
// @Description Reloads the configuration from file
// @Tags system
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 500 {object} ErrorResponse
// @Router /api/v1/config/reload [post]
func (h *SystemHandler) ReloadConfig(c *gin.Context) {
	if h.configManager != nil {
		if err := h.configManager.Reload(); err != nil {
			writeError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"message": "configuration reloaded"})
}
