package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/chat-dispatch/internal/common"
	"github.com/suPer8Hu/chat-dispatch/internal/httpapi/handlers"
	"github.com/suPer8Hu/chat-dispatch/internal/httpapi/middleware"
)

func NewRouter(jwtSecret string, h *handlers.Handler) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())

	r.GET("/ping", h.Ping)

	// dispatch (JWT required)
	authGroup := r.Group("/dispatch")
	authGroup.Use(middleware.AuthRequired(jwtSecret))
	authGroup.POST("/messages", h.SubmitMessage)
	authGroup.GET("/ws", h.Stream)
	authGroup.GET("/stats", h.Stats)
	authGroup.GET("/sessions/:user_id", h.GetSession)
	authGroup.GET("/sessions/:user_id/archive", h.ListArchivedSessions)
	authGroup.GET("/results", h.ListResults)
	authGroup.GET("/results/:id", h.GetResult)
	return r
}
