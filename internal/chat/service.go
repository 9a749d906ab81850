package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/suPer8Hu/chat-relay/internal/ai"
	"github.com/suPer8Hu/chat-relay/internal/common"
	"gorm.io/gorm"
)

// Gateway is the completion surface the chat service needs.
type Gateway interface {
	Complete(ctx context.Context, messages []ai.Message, creds ai.Credentials) (*ai.Completion, error)
	CompleteStream(ctx context.Context, messages []ai.Message, creds ai.Credentials, onComplete ai.CompleteFunc) (*ai.StreamHandle, error)
}

var ErrEmptyQuery = errors.New("query is empty")

type Service struct {
	repo              *Repo
	gateway           Gateway
	contextWindowSize int
	systemPrompt      string
	now               func() time.Time
}

func NewService(repo *Repo, gateway Gateway, contextWindowSize int, systemPrompt string) *Service {
	if contextWindowSize <= 0 || contextWindowSize > 100 {
		contextWindowSize = 20
	}
	return &Service{
		repo:              repo,
		gateway:           gateway,
		contextWindowSize: contextWindowSize,
		systemPrompt:      systemPrompt,
		now:               time.Now,
	}
}

type Visitor struct {
	IP    string
	Name  string
	Email string
	Src   string
}

func (s *Service) CreateSession(ctx context.Context, knowledgebaseID string, v Visitor, demo bool) (*Session, error) {
	if _, err := s.repo.GetKnowledgebase(ctx, knowledgebaseID); err != nil {
		return nil, err
	}

	sid, err := NewSessionID()
	if err != nil {
		return nil, err
	}

	session := &Session{
		SessionID:       sid,
		KnowledgebaseID: knowledgebaseID,
		IP:              v.IP,
		Name:            strings.TrimSpace(v.Name),
		Email:           strings.TrimSpace(v.Email),
		Src:             v.Src,
		IsDemo:          demo,
	}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *Service) UpdateVisitor(ctx context.Context, sessionID string, name, email string) error {
	return s.repo.UpdateVisitor(ctx, sessionID, strings.TrimSpace(name), strings.TrimSpace(email))
}

func (s *Service) MarkUnread(ctx context.Context, sessionID string, tsMillis int64) error {
	since := s.now()
	if tsMillis > 0 {
		since = time.UnixMilli(tsMillis)
	}
	return s.repo.MarkUnread(ctx, sessionID, since)
}

func (s *Service) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	return s.repo.GetSessionBySessionID(ctx, sessionID)
}

func (s *Service) CreateKnowledgebase(ctx context.Context, ownerID uint64, ownerEmail, websiteURL string) (*Knowledgebase, error) {
	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	kb := &Knowledgebase{
		ID:          strings.ToLower(id),
		OwnerUserID: ownerID,
		OwnerEmail:  ownerEmail,
		WebsiteURL:  strings.TrimSpace(websiteURL),
	}
	if err := s.repo.CreateKnowledgebase(ctx, kb); err != nil {
		return nil, err
	}
	return kb, nil
}

// OwnsKnowledgebase reports gorm.ErrRecordNotFound both for missing
// knowledgebases and for ones owned by someone else.
func (s *Service) OwnsKnowledgebase(ctx context.Context, ownerID uint64, knowledgebaseID string) error {
	kb, err := s.repo.GetKnowledgebase(ctx, knowledgebaseID)
	if err != nil {
		return err
	}
	if kb.OwnerUserID != ownerID {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ListSessions pages through a knowledgebase's sessions. page starts at 1.
func (s *Service) ListSessions(ctx context.Context, ownerID uint64, knowledgebaseID string, pageSize, page int) ([]Session, int64, error) {
	if err := s.OwnsKnowledgebase(ctx, ownerID, knowledgebaseID); err != nil {
		return nil, 0, err
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 10
	}
	if page <= 0 {
		page = 1
	}
	return s.repo.ListSessions(ctx, knowledgebaseID, pageSize, (page-1)*pageSize)
}

// GetSessionForOwner returns a session and its newest messages, hiding
// sessions of knowledgebases the caller does not own.
func (s *Service) GetSessionForOwner(ctx context.Context, ownerID uint64, sessionID string, limit int, beforeID uint64) (*Session, []Message, error) {
	sess, err := s.repo.GetSessionBySessionID(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if err := s.OwnsKnowledgebase(ctx, ownerID, sess.KnowledgebaseID); err != nil {
		return nil, nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	msgs, err := s.repo.ListMessages(ctx, sessionID, limit, beforeID)
	if err != nil {
		return nil, nil, err
	}
	return sess, msgs, nil
}

// SaveManualChatTurn stores a socket-relayed turn and returns the
// knowledgebase the session belongs to.
func (s *Service) SaveManualChatTurn(ctx context.Context, sessionID string, turn Turn) (string, error) {
	sess, err := s.repo.GetSessionBySessionID(ctx, sessionID)
	if err != nil {
		return "", err
	}
	sentAt := turn.Timestamp
	if sentAt.IsZero() {
		sentAt = s.now()
	}
	if err := s.repo.InsertMessage(ctx, &Message{
		SessionID: sessionID,
		Direction: turn.Direction,
		Content:   turn.Message,
		SentAt:    sentAt,
	}); err != nil {
		return "", err
	}
	return sess.KnowledgebaseID, nil
}

// prepareTurn stores the visitor's question and builds the prompt from the
// system prompt plus the recent history window.
func (s *Service) prepareTurn(ctx context.Context, sessionID, query string) ([]ai.Message, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	if _, err := s.repo.GetSessionBySessionID(ctx, sessionID); err != nil {
		return nil, err
	}

	if err := s.repo.InsertMessage(ctx, &Message{
		SessionID: sessionID,
		Direction: DirectionUser,
		Content:   query,
		SentAt:    s.now(),
	}); err != nil {
		return nil, err
	}

	recentDesc, err := s.repo.ListRecentMessagesDesc(ctx, sessionID, s.contextWindowSize)
	if err != nil {
		return nil, err
	}

	providerMsgs := make([]ai.Message, 0, len(recentDesc)+1)
	if s.systemPrompt != "" {
		providerMsgs = append(providerMsgs, ai.Message{Role: "system", Content: s.systemPrompt})
	}
	// reverse to ASC (oldest -> newest)
	for i := len(recentDesc) - 1; i >= 0; i-- {
		m := recentDesc[i]
		providerMsgs = append(providerMsgs, ai.Message{Role: m.Direction.providerRole(), Content: m.Content})
	}
	return providerMsgs, nil
}

func (s *Service) saveAnswer(ctx context.Context, sessionID, answer string, usage *ai.Usage) error {
	if err := s.repo.InsertMessage(ctx, &Message{
		SessionID: sessionID,
		Direction: DirectionAI,
		Content:   answer,
		SentAt:    s.now(),
	}); err != nil {
		return err
	}
	if usage == nil {
		return nil
	}
	return s.repo.AddUsage(ctx, sessionID, usage.Prompt, usage.Completion, usage.Total)
}

type Answer struct {
	Text  string    `json:"answer"`
	Usage *ai.Usage `json:"usage,omitempty"`
}

func (s *Service) Answer(ctx context.Context, sessionID, query string) (*Answer, error) {
	msgs, err := s.prepareTurn(ctx, sessionID, query)
	if err != nil {
		return nil, err
	}
	res, err := s.gateway.Complete(ctx, msgs, nil)
	if err != nil {
		return nil, err
	}
	if err := s.saveAnswer(ctx, sessionID, res.Text, res.Usage); err != nil {
		return nil, err
	}
	return &Answer{Text: res.Text, Usage: res.Usage}, nil
}

// AnswerStream stores the question immediately and the answer once the
// stream finishes. A failed or abandoned stream stores nothing further.
func (s *Service) AnswerStream(ctx context.Context, sessionID, query string) (*ai.StreamHandle, error) {
	msgs, err := s.prepareTurn(ctx, sessionID, query)
	if err != nil {
		return nil, err
	}
	// the callback runs after the HTTP request may have returned
	saveCtx := context.WithoutCancel(ctx)
	return s.gateway.CompleteStream(ctx, msgs, nil, func(answer string, usage ai.Usage) {
		cctx, cancel := context.WithTimeout(saveCtx, 10*time.Second)
		defer cancel()
		if err := s.saveAnswer(cctx, sessionID, answer, &usage); err != nil {
			log.Error().Err(err).Str("component", "chat").Str("session_id", sessionID).Msg("store streamed answer failed")
		}
	})
}
