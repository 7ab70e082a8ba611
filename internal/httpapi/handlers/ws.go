package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/suPer8Hu/chat-dispatch/internal/common"
	"github.com/suPer8Hu/chat-dispatch/internal/dispatch"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxMsgSize = 64 << 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Stream upgrades to a websocket. Each text frame is one submitReq and is
// answered with one Ack frame, in order.
func (h *Handler) Stream(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws: upgrade failed user=%s err=%v", uid, err)
		return
	}
	defer conn.Close()

	conn.SetReadLimit(wsMaxMsgSize)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				// WriteControl may run concurrently with WriteJSON
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			}
		}
	}()

	ctx := c.Request.Context()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("ws: read error user=%s err=%v", uid, err)
			}
			return
		}

		ack := h.handleFrame(ctx, uid, data)
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(ack); err != nil {
			log.Printf("ws: write error user=%s err=%v", uid, err)
			return
		}
	}
}

func (h *Handler) handleFrame(ctx context.Context, uid string, data []byte) dispatch.Ack {
	var req submitReq
	if err := json.Unmarshal(data, &req); err != nil || req.Message == "" || req.ChannelID == "" {
		return dispatch.Ack{Status: dispatch.AckError, Error: "message and channel_id required", FallbackResponse: true}
	}
	tier, err := dispatch.ParseTier(req.Tier)
	if err != nil {
		return dispatch.Ack{Status: dispatch.AckError, Error: err.Error(), FallbackResponse: true}
	}
	return h.Engine.Submit(ctx, uid, req.Message, req.ChannelID, req.Context, tier)
}
