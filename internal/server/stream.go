package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/events"
)

// heartbeatPayload also advertises the presence timeout so every client marks collaborators away at the same age.
type heartbeatPayload struct {
	Source                 string    `json:"source"`
	Timestamp              time.Time `json:"timestamp"`
	PresenceTimeoutSeconds int64     `json:"presence_timeout_seconds"`
}

// handleStream relays every event of the library topic as server-sent events until the client goes away. A
// heartbeat keeps idle connections open through proxies.
func (h *httpHandler) handleStream(c *gin.Context) {
	libraryID := libraryFrom(c)
	stream, cleanup := h.bus.Subscribe(c.Request.Context(), events.LibraryTopic(libraryID))
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	h.logger.Debug("stream opened", zap.String("library_id", libraryID.String()), zap.String("user_id", callerFrom(c).UserID))
	c.Stream(func(io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(event.Type, event)
			return true
		case now := <-ticker.C:
			c.SSEvent(events.TypeHeartbeat, heartbeatPayload{
				Source:                 events.SourceBackend,
				Timestamp:              now.UTC(),
				PresenceTimeoutSeconds: int64(h.presenceTimeout / time.Second),
			})
			return true
		}
	})
	h.logger.Debug("stream closed", zap.String("library_id", libraryID.String()))
}
