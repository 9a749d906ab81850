package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/common"
	"github.com/suPer8Hu/chat-relay/internal/config"
	"github.com/suPer8Hu/chat-relay/internal/email"
	"github.com/suPer8Hu/chat-relay/internal/relay"
	"github.com/suPer8Hu/chat-relay/internal/store/redisstore"
	"gorm.io/gorm"
)

type Handler struct {
	DB          *gorm.DB
	Cfg         config.Config
	Redis       *redisstore.Store
	SMTPSetting email.SMTPConfig
	ChatSvc     *chat.Service
	Relay       *relay.Router

	upgrader websocket.Upgrader
}

func NewHandler(db *gorm.DB, cfg config.Config, r *redisstore.Store, chatSvc *chat.Service, router *relay.Router) *Handler {
	return &Handler{
		DB:          db,
		Cfg:         cfg,
		Redis:       r,
		SMTPSetting: cfg.SMTP(),
		ChatSvc:     chatSvc,
		Relay:       router,
		upgrader:    newUpgrader(cfg.AllowOrigin),
	}
}

func (h *Handler) Ping(c *gin.Context) {
	if h.Redis != nil {
		if err := h.Redis.Ping(c.Request.Context()); err != nil {
			common.Fail(c, http.StatusServiceUnavailable, 50301, "session directory unavailable")
			return
		}
	}
	common.OK(c, gin.H{"pong": true, "instance": h.Cfg.InstanceID})
}
