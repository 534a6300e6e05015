package websocket

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ridewire/dispatch/pkg/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Deployments terminate at a gateway that enforces origin policy
		return true
	},
}

// HandleWebSocket upgrades the connection and subscribes the caller to
// notifications for their push address, supplied as the "address" query
// parameter.
func HandleWebSocket(c *gin.Context, hub *Hub) {
	address := strings.TrimSpace(c.Query("address"))
	if address == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "address query parameter is required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("failed to upgrade websocket", zap.Error(err))
		return
	}

	client := NewClient(address, conn, hub)
	hub.Register <- client

	go client.WritePump()
	go client.ReadPump()
}
