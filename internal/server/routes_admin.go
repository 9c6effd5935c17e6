package server

import (
	"net/http"
	"strconv"
	"time"

	"contractai-go/internal/events"
	"contractai-go/internal/logging"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

func (h *handlers) clearCaches(c *gin.Context) {
	h.deps.Providers.ClearCaches()
	logging.WithReq(c, log.Fields{}).Info("provider caches cleared")
	if h.deps.Events != nil {
		rid := c.GetString("request_id")
		h.deps.Events.Publish(c.Request.Context(), events.TopicCachesCleared, map[string]any{
			"cleared_at": time.Now().UTC(),
		}, map[string]string{"request_id": rid})
	}
	c.JSON(http.StatusOK, gin.H{"cleared": []string{"credentials", "key_pool"}})
}

func (h *handlers) usageStats(c *gin.Context) {
	if h.deps.Usage == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"message": "usage tracking disabled", "type": "not_found"}})
		return
	}
	c.JSON(http.StatusOK, h.deps.Usage.Snapshot())
}

// recentEvents lists journaled events, newest first. ?limit= caps the count.
func (h *handlers) recentEvents(c *gin.Context) {
	if h.deps.Journal == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"message": "event journal disabled", "type": "not_found"}})
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	c.JSON(http.StatusOK, gin.H{"events": h.deps.Journal.Recent(limit)})
}
