package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/chat-dispatch/internal/common"
	"github.com/suPer8Hu/chat-dispatch/internal/dispatch"
	"gorm.io/gorm"
)

type submitReq struct {
	Message   string         `json:"message" binding:"required"`
	ChannelID string         `json:"channel_id" binding:"required"`
	Tier      string         `json:"tier"`
	Context   map[string]any `json:"context"`
}

// SubmitMessage answers with the engine's Ack. An "error" Ack is still a 200:
// it carries fallback_response for the client to act on.
func (h *Handler) SubmitMessage(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req submitReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "message and channel_id required")
		return
	}
	tier, err := dispatch.ParseTier(req.Tier)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10002, "tier must be one of critical, high, normal, low")
		return
	}

	ack := h.Engine.Submit(c.Request.Context(), uid, req.Message, req.ChannelID, req.Context, tier)
	common.OK(c, ack)
}

func (h *Handler) Stats(c *gin.Context) {
	common.OK(c, h.Engine.Stats())
}

// GetSession returns the caller's own session; other users' sessions are hidden.
func (h *Handler) GetSession(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	target := c.Param("user_id")
	if target != uid {
		common.Fail(c, http.StatusForbidden, 40301, "forbidden")
		return
	}
	sc, found := h.Engine.Session(target)
	if !found {
		common.Fail(c, http.StatusNotFound, 40401, "no active session")
		return
	}
	common.OK(c, sc)
}

// queryLimit reads ?limit=. Absent means 0 (the repo default); anything
// other than a non-negative integer is rejected.
func queryLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func (h *Handler) ListResults(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	if h.History == nil {
		common.Fail(c, http.StatusServiceUnavailable, 50301, "result store disabled")
		return
	}
	limit, okk := queryLimit(c)
	if !okk {
		common.Fail(c, http.StatusBadRequest, 10001, "limit must be a non-negative integer")
		return
	}
	rows, err := h.History.ListResults(c.Request.Context(), uid, limit)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}
	common.OK(c, gin.H{"results": rows})
}

// GetResult returns one persisted result. Results owned by other users are
// reported as not found.
func (h *Handler) GetResult(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	if h.History == nil {
		common.Fail(c, http.StatusServiceUnavailable, 50301, "result store disabled")
		return
	}
	rec, err := h.History.GetResult(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40402, "result not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}
	if rec.UserID != uid {
		common.Fail(c, http.StatusNotFound, 40402, "result not found")
		return
	}
	common.OK(c, rec)
}

func (h *Handler) ListArchivedSessions(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	if c.Param("user_id") != uid {
		common.Fail(c, http.StatusForbidden, 40301, "forbidden")
		return
	}
	if h.History == nil {
		common.Fail(c, http.StatusServiceUnavailable, 50301, "result store disabled")
		return
	}
	limit, okk := queryLimit(c)
	if !okk {
		common.Fail(c, http.StatusBadRequest, 10001, "limit must be a non-negative integer")
		return
	}
	rows, err := h.History.ListArchivedSessions(c.Request.Context(), uid, limit)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}
	common.OK(c, gin.H{"sessions": rows})
}
