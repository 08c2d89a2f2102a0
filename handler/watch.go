package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/ronvwieringen/AIbookReview/model"
	"github.com/ronvwieringen/AIbookReview/pkg/logger"
	"github.com/ronvwieringen/AIbookReview/service"
)

const (
	watchWriteWait  = 10 * time.Second
	watchPongWait   = 60 * time.Second
	watchPingPeriod = watchPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS is handled by the router
	},
}

type WatchHandler struct {
	store *service.Store
	hub   *service.Hub
}

func NewWatchHandler(store *service.Store, hub *service.Hub) *WatchHandler {
	return &WatchHandler{store: store, hub: hub}
}

// Watch streams status events for one manuscript over a websocket. The
// current status is sent first; the stream ends after a terminal status.
func (h *WatchHandler) Watch(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	ctx := logger.WithManuscript(c.Request.Context(), id)

	// subscribe before reading the row so no transition is missed
	events, unsubscribe := h.hub.Subscribe(id)
	defer unsubscribe()

	m, err := h.store.Get(ctx, id)
	if err != nil {
		unsubscribe()
		if errors.Is(err, service.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Manuscript not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load manuscript"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn(ctx, "websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	logger.Debug(ctx, "watch client connected")

	// read pump: only control frames are expected
	closed := make(chan struct{})
	ws.SetReadLimit(512)
	_ = ws.SetReadDeadline(time.Now().Add(watchPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(watchPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(evt service.StatusEvent) bool {
		_ = ws.SetWriteDeadline(time.Now().Add(watchWriteWait))
		return ws.WriteJSON(evt) == nil
	}

	current := service.NewStatusEvent(m.ID, m.Status)
	current.Error = m.ErrorMsg
	if !send(current) {
		return
	}
	if model.IsTerminal(m.Status) {
		h.closeNormal(ws)
		return
	}

	ticker := time.NewTicker(watchPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return
			}
			if !send(evt) {
				return
			}
			if model.IsTerminal(evt.Status) {
				h.closeNormal(ws)
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(watchWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			logger.Debug(ctx, "watch client disconnected")
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

func (h *WatchHandler) closeNormal(ws *websocket.Conn) {
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
		time.Now().Add(watchWriteWait))
}
