package chat

import (
	"encoding/json"
	"time"

	"github.com/suPer8Hu/gopherchat/internal/ai"
	"gorm.io/datatypes"
)

type ContentType string

const (
	ContentChat  ContentType = "chat"
	ContentVoice ContentType = "voice"
	ContentImage ContentType = "image"
	ContentVideo ContentType = "video"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

const DefaultTitle = "New Chat"

type Chat struct {
	ID          string      `gorm:"type:varchar(64);primaryKey" json:"id"`
	OwnerID     uint64      `gorm:"index;not null" json:"-"`
	Title       string      `gorm:"type:varchar(255);not null" json:"title"`
	ContentType ContentType `gorm:"type:varchar(16);not null" json:"content_type"`
	Model       string      `gorm:"type:varchar(128)" json:"model"`
	TitleState  TitleState  `gorm:"type:varchar(16);index;not null" json:"-"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

func (Chat) TableName() string { return "chats" }

// Message ids are client supplied and unique across chats.
type Message struct {
	ID        string         `gorm:"type:varchar(64);primaryKey" json:"id"`
	ChatID    string         `gorm:"type:varchar(64);not null;index:idx_msg_chat_owner,priority:1" json:"chat_id"`
	OwnerID   uint64         `gorm:"not null;index:idx_msg_chat_owner,priority:2" json:"-"`
	Role      Role           `gorm:"type:varchar(16);not null" json:"role"`
	Parts     datatypes.JSON `gorm:"not null" json:"parts"`
	ParentID  *string        `gorm:"type:varchar(64);index" json:"parent_id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (Message) TableName() string { return "chat_messages" }

func (m *Message) Content() []ai.Part {
	var parts []ai.Part
	if len(m.Parts) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Parts, &parts); err != nil {
		return nil
	}
	return parts
}

func (m *Message) SetContent(parts []ai.Part) error {
	if parts == nil {
		parts = []ai.Part{}
	}
	b, err := json.Marshal(parts)
	if err != nil {
		return err
	}
	m.Parts = datatypes.JSON(b)
	return nil
}

// AIMessage converts a stored message into the adapter representation.
func (m *Message) AIMessage() ai.Message {
	return ai.Message{Role: string(m.Role), Parts: m.Content()}
}

type Share struct {
	ID        string    `gorm:"type:varchar(64);primaryKey" json:"id"`
	ChatID    string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"chat_id"`
	OwnerID   uint64    `gorm:"index;not null" json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

func (Share) TableName() string { return "chat_shares" }

// Models lists every table this package owns, in migration order.
func Models() []any {
	return []any{&Chat{}, &Message{}, &Share{}}
}
