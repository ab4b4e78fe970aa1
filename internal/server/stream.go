package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/canvas/internal/canvas"
)

const (
	streamEventShapes    = "shapes"
	streamEventHeartbeat = "heartbeat"
)

// latestSnapshot holds the newest undelivered snapshot. A slow client skips
// intermediate snapshots but always receives the last one.
type latestSnapshot struct {
	mu      sync.Mutex
	pending []canvas.Shape
	has     bool
	notify  chan struct{}
}

func newLatestSnapshot() *latestSnapshot {
	return &latestSnapshot{notify: make(chan struct{}, 1)}
}

func (l *latestSnapshot) offer(shapes []canvas.Shape) {
	l.mu.Lock()
	l.pending = shapes
	l.has = true
	l.mu.Unlock()
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (l *latestSnapshot) take() ([]canvas.Shape, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.has {
		return nil, false
	}
	shapes := l.pending
	l.pending = nil
	l.has = false
	return shapes, true
}

func (h *httpHandler) handleShapeStream(c *gin.Context) {
	canvasID := c.Param("canvasId")
	if _, err := canvas.NewCanvasID(canvasID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming_unsupported"})
		return
	}

	ctx := c.Request.Context()
	snapshots := newLatestSnapshot()
	unsubscribe, err := h.shapes.Subscribe(ctx, canvasID, snapshots.offer)
	if err != nil {
		h.respondError(c, "shapes.subscribe", err)
		return
	}
	defer unsubscribe()

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(h.streamHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-snapshots.notify:
			shapes, ok := snapshots.take()
			if !ok {
				continue
			}
			if err := writeEvent(c.Writer, streamEventShapes, documents(shapes)); err != nil {
				h.logger.Debug("shape stream closed", zap.String("canvas_id", canvasID), zap.Error(err))
				return
			}
			flusher.Flush()
		case tick := <-ticker.C:
			if err := writeEvent(c.Writer, streamEventHeartbeat, gin.H{"ts": tick.UTC().UnixMilli()}); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
