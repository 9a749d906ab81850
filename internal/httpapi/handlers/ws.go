package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/suPer8Hu/chat-relay/internal/auth"
	"github.com/suPer8Hu/chat-relay/internal/common"
	"github.com/suPer8Hu/chat-relay/internal/httpapi/middleware"
	"github.com/suPer8Hu/chat-relay/internal/relay"
	"gorm.io/gorm"
)

func newUpgrader(allowOrigin string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowOrigin == "" || allowOrigin == "*" {
				return true
			}
			return r.Header.Get("Origin") == allowOrigin
		},
	}
}

// handshakeFromQuery reads id, knowledgeBaseId and isAdmin.
func handshakeFromQuery(c *gin.Context) relay.Handshake {
	isAdmin, _ := strconv.ParseBool(c.Query("isAdmin"))
	return relay.Handshake{
		SessionID: strings.TrimSpace(c.Query("id")),
		TopicID:   strings.TrimSpace(c.Query("knowledgeBaseId")),
		Operator:  isAdmin,
	}
}

// operatorSessionID scopes an operator's socket id to its account so it can
// not collide with visitor sessions, which are bare ULIDs.
func operatorSessionID(uid uint64, id string) string {
	return "op-" + strconv.FormatUint(uid, 10) + "-" + id
}

// ServeWS checks the handshake before upgrading: operators must own the
// knowledgebase, visitors must hold a session created for it.
func (h *Handler) ServeWS(c *gin.Context) {
	hs := handshakeFromQuery(c)
	if hs.SessionID == "" || hs.TopicID == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "id and knowledgeBaseId required")
		return
	}
	ctx := c.Request.Context()

	if hs.Operator {
		uid, err := auth.ParseJWT(middleware.BearerToken(c), h.Cfg.JWTSecret)
		if err != nil {
			common.Fail(c, http.StatusUnauthorized, 40102, "invalid token")
			return
		}
		if err := h.ChatSvc.OwnsKnowledgebase(ctx, uid, hs.TopicID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				common.Fail(c, http.StatusForbidden, 40301, "not your knowledgebase")
				return
			}
			common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
			return
		}
		// an operator id must never alias a visitor session
		if _, err := h.ChatSvc.GetSession(ctx, hs.SessionID); err == nil {
			common.Fail(c, http.StatusConflict, 40901, "id belongs to a visitor session")
			return
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
			return
		}
		hs.SessionID = operatorSessionID(uid, hs.SessionID)
	} else {
		sess, err := h.ChatSvc.GetSession(ctx, hs.SessionID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				common.Fail(c, http.StatusNotFound, 40004, "session not found")
				return
			}
			common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
			return
		}
		if sess.KnowledgebaseID != hs.TopicID {
			common.Fail(c, http.StatusBadRequest, 10005, "session belongs to another knowledgebase")
			return
		}
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Debug().Err(err).Str("component", "ws").Msg("upgrade failed")
		return
	}
	h.Relay.Serve(ctx, ws, hs, h.Cfg.SendBuffer)
}

func (h *Handler) ListOnlineOperators(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	topicID := c.Param("knowledgebase_id")
	if err := h.ChatSvc.OwnsKnowledgebase(c.Request.Context(), uid, topicID); err != nil {
		common.Fail(c, http.StatusNotFound, 40003, "knowledgebase not found")
		return
	}
	ids, err := h.Redis.ListOperatorPresence(c.Request.Context(), topicID)
	if err != nil {
		common.Fail(c, http.StatusServiceUnavailable, 50301, "session directory unavailable")
		return
	}
	common.OK(c, gin.H{"operators": ids, "online": len(ids) > 0})
}
