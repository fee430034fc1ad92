package handler

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/seckill/internal/push"
)

// PushHandler upgrades buyers to a websocket push channel.
type PushHandler struct {
	Hub      *push.Hub
	Upgrader websocket.Upgrader
	Log      *slog.Logger
}

// NewPushHandler constructs a PushHandler.  Origins are not checked since
// the channel is authenticated by JWT.
func NewPushHandler(hub *push.Hub, log *slog.Logger) *PushHandler {
	return &PushHandler{
		Hub: hub,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		Log: log,
	}
}

// Connect handles GET /v1/ws.  The connection replaces any earlier one of
// the same buyer and stays registered until either side closes it.
func (h *PushHandler) Connect(c echo.Context) error {
	buyerID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	ws, err := h.Upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return nil
	}
	conn := push.NewConn(ws, h.Log.With(slog.Uint64("buyer_id", buyerID)))
	if !h.Hub.Register(buyerID, conn) {
		_ = ws.Close()
		return nil
	}
	go conn.WritePump()
	conn.ReadLoop()
	h.Hub.Unregister(buyerID, conn)
	return nil
}
