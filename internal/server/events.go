package server

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/chirp/internal/api"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// handleFeedEvents streams feed events over a websocket until either side disconnects.
func (h *httpHandler) handleFeedEvents(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("feed events upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	stream, cleanup := h.events.Subscribe(ctx)
	defer cleanup()
	h.metrics.SubscriberConnected(1)
	defer h.metrics.SubscriberConnected(-1)

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		var event api.FeedEvent
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case event = <-stream:
		case <-ticker.C:
			event = api.FeedEvent{Type: feedEventHeartbeat, Timestamp: h.clock().UTC()}
		}
		_ = conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
		if err := conn.WriteJSON(event); err != nil {
			h.logger.Debug("feed event write failed", zap.Error(err))
			return
		}
	}
}
