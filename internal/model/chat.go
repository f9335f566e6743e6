package model

import (
	"time"

	"gorm.io/gorm"
)

// Conversation 一对已连接用户之间唯一的私聊会话
type Conversation struct {
	UUIDBase
	UserAID         uint     `gorm:"index;not null" json:"-"` // 较小的用户 ID
	UserA           *User    `gorm:"foreignKey:UserAID;constraint:-" json:"-"`
	UserBID         uint     `gorm:"index;not null" json:"-"`
	UserB           *User    `gorm:"foreignKey:UserBID;constraint:-" json:"-"`
	PairKey         string   `gorm:"size:64;uniqueIndex;not null" json:"-"`
	LatestMessageID *string  `gorm:"type:varchar(36)" json:"latestMessageId"`
	LatestMessage   *Message `gorm:"foreignKey:LatestMessageID;constraint:-" json:"latestMessage,omitempty"`
	MessageSeq      uint64   `gorm:"not null;default:0" json:"-"`
	Participants    []User   `gorm:"-" json:"participants"`
}

func (Conversation) TableName() string {
	return "conversations"
}

func (c *Conversation) AfterFind(tx *gorm.DB) error {
	c.Participants = make([]User, 0, 2)
	if c.UserA != nil {
		c.Participants = append(c.Participants, *c.UserA)
	}
	if c.UserB != nil {
		c.Participants = append(c.Participants, *c.UserB)
	}
	return nil
}

// HasParticipant 判断用户是否属于该会话
func (c *Conversation) HasParticipant(userID uint) bool {
	return userID != 0 && (c.UserAID == userID || c.UserBID == userID)
}

// Resolved 两个参与者都存在时为 true
func (c *Conversation) Resolved() bool {
	return c.UserA != nil && c.UserB != nil
}

// OtherUser 返回另一位参与者的资料
func (c *Conversation) OtherUser(userID uint) *User {
	if c.UserAID == userID {
		return c.UserB
	}
	return c.UserA
}

// Message 消息记录
type Message struct {
	UUIDBase
	ConversationID string        `gorm:"type:varchar(36);not null;uniqueIndex:idx_msg_conv_seq,priority:1" json:"conversationId"`
	Seq            uint64        `gorm:"not null;uniqueIndex:idx_msg_conv_seq,priority:2" json:"seq"` // 会话内递增序号
	SenderID       uint          `gorm:"index;not null" json:"senderId"`
	Sender         *User         `gorm:"foreignKey:SenderID;constraint:-" json:"sender,omitempty"`
	Content        string        `gorm:"type:text;not null" json:"content"`
	EditedAt       *time.Time    `json:"editedAt,omitempty"`
	Reads          []MessageRead `gorm:"foreignKey:MessageID;constraint:-" json:"-"`
	ReadBy         []uint        `gorm:"-" json:"readBy"`
}

func (Message) TableName() string {
	return "messages"
}

func (m *Message) AfterFind(tx *gorm.DB) error {
	m.ReadBy = make([]uint, 0, len(m.Reads))
	for _, r := range m.Reads {
		m.ReadBy = append(m.ReadBy, r.UserID)
	}
	return nil
}

// IsReadBy 判断用户是否已读
func (m *Message) IsReadBy(userID uint) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// MessageRead 已读标记，(message_id, user_id) 联合主键保证幂等
type MessageRead struct {
	MessageID string    `gorm:"primaryKey;type:varchar(36)" json:"messageId"`
	UserID    uint      `gorm:"primaryKey;index" json:"userId"`
	ReadAt    time.Time `gorm:"autoCreateTime" json:"readAt"`
}

func (MessageRead) TableName() string {
	return "message_reads"
}

// ConversationSummary 会话列表项
type ConversationSummary struct {
	Conversation  *Conversation `json:"conversation"`
	OtherUser     *User         `json:"otherUser"`
	LatestMessage *Message      `json:"latestMessage"`
	UnreadCount   int64         `json:"unreadCount"`
}
