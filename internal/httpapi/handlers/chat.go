package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/suPer8Hu/chat-relay/internal/ai"
	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/common"
	"github.com/suPer8Hu/chat-relay/internal/httpapi/middleware"
	"gorm.io/gorm"
)

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}

// failAI maps completion errors onto the response envelope.
func failAI(c *gin.Context, err error) {
	var pe *ai.ProviderError
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		common.Fail(c, http.StatusNotFound, 40004, "session not found")
	case errors.Is(err, ai.ErrRateExceeded):
		common.Fail(c, http.StatusTooManyRequests, 42901, "too many requests, try again later")
	case errors.As(err, &pe):
		common.Fail(c, http.StatusBadGateway, 50201, "ai provider error")
	case errors.Is(err, ai.ErrNoCredentials):
		common.Fail(c, http.StatusServiceUnavailable, 50302, "ai provider not configured")
	case errors.Is(err, chat.ErrEmptyQuery):
		common.Fail(c, http.StatusBadRequest, 40001, "query is empty")
	default:
		log.Error().Err(err).Str("path", c.FullPath()).Msg("answer failed")
		common.Fail(c, http.StatusInternalServerError, 50005, "failed to answer")
	}
}

type createSessionReq struct {
	KnowledgebaseID string `json:"knowledgebaseId" binding:"required"`
	UserData        struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	} `json:"userData"`
}

func (h *Handler) createSession(c *gin.Context, demo bool) {
	var req createSessionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if demo {
		// demo sessions are only for the owner's own knowledgebase
		uid, okk := userIDFromContext(c)
		if !okk {
			common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
			return
		}
		if err := h.ChatSvc.OwnsKnowledgebase(c.Request.Context(), uid, req.KnowledgebaseID); err != nil {
			common.Fail(c, http.StatusNotFound, 40003, "knowledgebase not found")
			return
		}
	}

	sess, err := h.ChatSvc.CreateSession(c.Request.Context(), req.KnowledgebaseID, chat.Visitor{
		IP:    c.ClientIP(),
		Name:  req.UserData.Name,
		Email: req.UserData.Email,
		Src:   c.Query("src"),
	}, demo)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40003, "knowledgebase not found")
			return
		}
		log.Error().Err(err).Str("knowledgebase_id", req.KnowledgebaseID).Msg("create session failed")
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to create session")
		return
	}

	common.OK(c, gin.H{"session_id": sess.SessionID, "knowledgebase_id": sess.KnowledgebaseID})
}

func (h *Handler) CreateChatSession(c *gin.Context) { h.createSession(c, false) }

func (h *Handler) CreateDemoSession(c *gin.Context) { h.createSession(c, true) }

type updateSessionReq struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (h *Handler) UpdateChatSession(c *gin.Context) {
	var req updateSessionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if err := h.ChatSvc.UpdateVisitor(c.Request.Context(), c.Param("session_id"), req.Name, req.Email); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40004, "session not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50003, "failed to update session")
		return
	}
	common.OK(c, gin.H{"session_id": c.Param("session_id")})
}

type markUnreadReq struct {
	TS int64 `json:"ts"`
}

func (h *Handler) MarkSessionUnread(c *gin.Context) {
	var req markUnreadReq
	_ = c.ShouldBindJSON(&req) // allow empty {}
	if err := h.ChatSvc.MarkUnread(c.Request.Context(), c.Param("session_id"), req.TS); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40004, "session not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50003, "failed to update session")
		return
	}
	common.OK(c, gin.H{"session_id": c.Param("session_id")})
}

func (h *Handler) ListChatSessions(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	pageSize, _ := strconv.Atoi(c.Query("page_size"))
	page, _ := strconv.Atoi(c.Query("page"))

	sessions, total, err := h.ChatSvc.ListSessions(c.Request.Context(), uid, c.Param("knowledgebase_id"), pageSize, page)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40003, "knowledgebase not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to list sessions")
		return
	}
	common.OK(c, gin.H{"sessions": sessions, "total": total})
}

func (h *Handler) GetChatSession(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	var beforeID uint64
	if s := c.Query("before_id"); s != "" {
		if n, err := strconv.ParseUint(s, 10, 64); err == nil {
			beforeID = n
		}
	}

	sess, msgs, err := h.ChatSvc.GetSessionForOwner(c.Request.Context(), uid, c.Param("session_id"), limit, beforeID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40004, "session not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to load session")
		return
	}

	var nextBeforeID uint64
	if len(msgs) > 0 {
		nextBeforeID = msgs[len(msgs)-1].ID
	}
	common.OK(c, gin.H{
		"session":        sess,
		"messages":       msgs,
		"next_before_id": nextBeforeID,
	})
}

type answerReq struct {
	SessionID string `json:"sessionId" binding:"required"`
	Query     string `json:"query" binding:"required"`
}

func (h *Handler) Answer(c *gin.Context) {
	var req answerReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	ans, err := h.ChatSvc.Answer(c.Request.Context(), req.SessionID, req.Query)
	if err != nil {
		failAI(c, err)
		return
	}
	common.OK(c, ans)
}

// AnswerStream serves the streaming answer as server-sent events: one
// {"content":...} data line per fragment, then a literal [DONE].
func (h *Handler) AnswerStream(c *gin.Context) {
	sessionID := strings.TrimSpace(c.Query("session"))
	query := c.Query("query")
	if sessionID == "" || strings.TrimSpace(query) == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "session and query required")
		return
	}

	ctx := c.Request.Context()
	stream, err := h.ChatSvc.AnswerStream(ctx, sessionID, query)
	if err != nil {
		failAI(c, err)
		return
	}
	defer stream.Close()

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		common.Fail(c, http.StatusInternalServerError, 50004, "streaming not supported")
		return
	}

	// SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Status(http.StatusOK)
	flusher.Flush()

	writeData := func(event, data string) {
		if event != "" {
			fmt.Fprintf(c.Writer, "event: %s\n", event)
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", data)
		flusher.Flush()
	}

	// heartbeat ticker (keeps connections alive)
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	events := stream.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if err := stream.Err(); err != nil && ctx.Err() == nil {
					log.Warn().Err(err).Str("session_id", sessionID).Msg("answer stream failed")
					writeData("error", `{"message":"answer stream failed"}`)
				}
				return
			}
			writeData("", ev.Payload())

		case <-ticker.C:
			writeData("ping", fmt.Sprintf(`{"ts":%d}`, time.Now().Unix()))

		case <-ctx.Done():
			return
		}
	}
}
