package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/chat-relay/internal/common"
	"github.com/suPer8Hu/chat-relay/internal/httpapi/handlers"
	"github.com/suPer8Hu/chat-relay/internal/httpapi/middleware"
)

func NewRouter(h *handlers.Handler) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())
	r.Use(middleware.AccessLog())

	r.GET("/ping", h.Ping)

	// users
	r.POST("/users", h.CreateUser)
	r.POST("/login", h.Login)

	// chat widget (public)
	r.POST("/chatbot/session", h.CreateChatSession)
	r.PUT("/chatbot/session/:session_id", h.UpdateChatSession)
	r.POST("/chatbot/session/:session_id/unread", h.MarkSessionUnread)
	r.POST("/chatbot/answer", h.Answer)
	r.GET("/chatbot/answer_stream", h.AnswerStream)

	// live chat socket; operators authenticate inside the handshake
	r.GET("/ws", h.ServeWS)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(h.Cfg.JWTSecret))
	authGroup.GET("/me", h.Me)
	authGroup.POST("/knowledgebases", h.CreateKnowledgebase)
	authGroup.GET("/knowledgebases/:knowledgebase_id/sessions", h.ListChatSessions)
	authGroup.GET("/knowledgebases/:knowledgebase_id/operators", h.ListOnlineOperators)
	authGroup.GET("/chatbot/session/:session_id", h.GetChatSession)
	authGroup.POST("/chatbot/demo_session", h.CreateDemoSession)
	return r
}
