package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/chat-dispatch/internal/chat"
	"github.com/suPer8Hu/chat-dispatch/internal/common"
	"github.com/suPer8Hu/chat-dispatch/internal/dispatch"
	"github.com/suPer8Hu/chat-dispatch/internal/httpapi/middleware"
)

// Engine is the part of *dispatch.Engine the handlers use.
type Engine interface {
	Submit(ctx context.Context, userID, message, channelID string, msgCtx map[string]any, tier dispatch.Tier) dispatch.Ack
	Stats() dispatch.Stats
	Session(userID string) (dispatch.SessionContext, bool)
}

// HistoryStore reads persisted results and archived sessions. It may be nil.
type HistoryStore interface {
	ListResults(ctx context.Context, userID string, limit int) ([]chat.ResultRecord, error)
	GetResult(ctx context.Context, id string) (*chat.ResultRecord, error)
	ListArchivedSessions(ctx context.Context, userID string, limit int) ([]chat.SessionRecord, error)
}

type Handler struct {
	Engine  Engine
	History HistoryStore
}

func NewHandler(engine Engine, history HistoryStore) *Handler {
	return &Handler{Engine: engine, History: history}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func userIDFromContext(c *gin.Context) (string, bool) {
	uid := c.GetString(middleware.UserIDKey)
	return uid, uid != ""
}
