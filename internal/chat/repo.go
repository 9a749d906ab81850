package chat

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// AutoMigrate creates the tables this package owns.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Knowledgebase{}, &Session{}, &Message{})
}

func (r *Repo) CreateKnowledgebase(ctx context.Context, kb *Knowledgebase) error {
	return r.db.WithContext(ctx).Create(kb).Error
}

func (r *Repo) GetKnowledgebase(ctx context.Context, id string) (*Knowledgebase, error) {
	var kb Knowledgebase
	if err := r.db.WithContext(ctx).First(&kb, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &kb, nil
}

func (r *Repo) CreateSession(ctx context.Context, s *Session) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *Repo) GetSessionBySessionID(ctx context.Context, sessionID string) (*Session, error) {
	var s Session
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSessions returns a knowledgebase's sessions, newest first.
func (r *Repo) ListSessions(ctx context.Context, knowledgebaseID string, limit, offset int) ([]Session, int64, error) {
	q := r.db.WithContext(ctx).Model(&Session{}).Where("knowledgebase_id = ?", knowledgebaseID)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var out []Session
	if err := q.Order("id DESC").Limit(limit).Offset(offset).Find(&out).Error; err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r *Repo) UpdateVisitor(ctx context.Context, sessionID, name, email string) error {
	return r.updateSession(ctx, sessionID, map[string]any{"name": name, "email": email})
}

func (r *Repo) MarkUnread(ctx context.Context, sessionID string, since time.Time) error {
	return r.updateSession(ctx, sessionID, map[string]any{"is_unread": true, "unread_since": since})
}

// updateSession reports gorm.ErrRecordNotFound for unknown sessions. MySQL
// counts changed rows only, so a zero count alone is not proof of absence.
func (r *Repo) updateSession(ctx context.Context, sessionID string, fields map[string]any) error {
	res := r.db.WithContext(ctx).Model(&Session{}).
		Where("session_id = ?", sessionID).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	_, err := r.GetSessionBySessionID(ctx, sessionID)
	return err
}

func (r *Repo) InsertMessage(ctx context.Context, m *Message) error {
	return r.db.WithContext(ctx).Create(m).Error
}

// ListMessages returns messages in DESC id order (newest -> oldest).
func (r *Repo) ListMessages(ctx context.Context, sessionID string, limit int, beforeID uint64) ([]Message, error) {
	q := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id DESC").
		Limit(limit)

	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}

	var msgs []Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// ListRecentMessagesDesc returns the most recent messages in DESC id order (newest -> oldest).
func (r *Repo) ListRecentMessagesDesc(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	return r.ListMessages(ctx, sessionID, limit, 0)
}

// AddUsage accumulates token usage on the session row.
func (r *Repo) AddUsage(ctx context.Context, sessionID string, prompt, completion, total int) error {
	return r.db.WithContext(ctx).Model(&Session{}).
		Where("session_id = ?", sessionID).
		Updates(map[string]any{
			"prompt_tokens":     gorm.Expr("prompt_tokens + ?", prompt),
			"completion_tokens": gorm.Expr("completion_tokens + ?", completion),
			"total_tokens":      gorm.Expr("total_tokens + ?", total),
		}).Error
}
