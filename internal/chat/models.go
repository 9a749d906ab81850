package chat

import "time"

// Knowledgebase is the topic a session belongs to. Only the fields the
// relay needs live here; the rest of the knowledgebase is owned elsewhere.
type Knowledgebase struct {
	ID          string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	OwnerUserID uint64    `gorm:"index;not null" json:"-"`
	OwnerEmail  string    `gorm:"type:varchar(255);not null" json:"owner_email"`
	WebsiteURL  string    `gorm:"type:varchar(512)" json:"website_url"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Knowledgebase) TableName() string { return "knowledgebases" }

type Session struct {
	ID              uint64 `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID       string `gorm:"type:varchar(26);uniqueIndex;not null" json:"session_id"`
	KnowledgebaseID string `gorm:"type:varchar(64);index;not null" json:"knowledgebase_id"`

	// visitor details captured by the widget
	IP    string `gorm:"type:varchar(64)" json:"ip"`
	Name  string `gorm:"type:varchar(128)" json:"name"`
	Email string `gorm:"type:varchar(255)" json:"email"`
	Src   string `gorm:"type:varchar(64)" json:"src"`

	IsDemo           bool       `gorm:"not null;default:false" json:"is_demo"`
	IsUnread         bool       `gorm:"not null;default:false" json:"is_unread"`
	UnreadSince      *time.Time `json:"unread_since,omitempty"`
	PromptTokens     int64      `gorm:"not null;default:0" json:"prompt_tokens"`
	CompletionTokens int64      `gorm:"not null;default:0" json:"completion_tokens"`
	TotalTokens      int64      `gorm:"not null;default:0" json:"total_tokens"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func (Session) TableName() string { return "chat_sessions" }

type Message struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID string    `gorm:"type:varchar(26);not null;index:idx_chat_msg_session_id" json:"session_id"`
	Direction Direction `gorm:"type:varchar(16);index;not null" json:"direction"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	SentAt    time.Time `gorm:"index;not null" json:"sent_at"`
	CreatedAt time.Time `json:"created_at"`
}

func (Message) TableName() string { return "chat_messages" }
