package model

import (
	"fmt"
)

type ConnectionStatus string

const (
	StatusInterested ConnectionStatus = "interested"
	StatusIgnored    ConnectionStatus = "ignored"
	StatusAccepted   ConnectionStatus = "accepted"
	StatusRejected   ConnectionStatus = "rejected"
)

// IsIntent 发起方可用的状态
func (s ConnectionStatus) IsIntent() bool {
	return s == StatusInterested || s == StatusIgnored
}

// IsDecision 接收方审核可用的状态
func (s ConnectionStatus) IsDecision() bool {
	return s == StatusAccepted || s == StatusRejected
}

// Blocking interested 和 accepted 会阻止同一对用户再次发起请求
func (s ConnectionStatus) Blocking() bool {
	return s == StatusInterested || s == StatusAccepted
}

// ConnectionRequest 两个用户之间的关系记录，每对用户最多一条
type ConnectionRequest struct {
	UUIDBase
	FromUserID uint             `gorm:"index;not null" json:"fromUserId"`
	FromUser   *User            `gorm:"foreignKey:FromUserID;constraint:-" json:"fromUser,omitempty"`
	ToUserID   uint             `gorm:"index:idx_conn_to_status,priority:1;not null" json:"toUserId"`
	ToUser     *User            `gorm:"foreignKey:ToUserID;constraint:-" json:"toUser,omitempty"`
	Status     ConnectionStatus `gorm:"size:16;index:idx_conn_to_status,priority:2;not null" json:"status"`
	PairKey    string           `gorm:"size:64;uniqueIndex;not null" json:"-"`
}

func (ConnectionRequest) TableName() string {
	return "connection_requests"
}

// Other 返回关系中另一方的用户 ID
func (r *ConnectionRequest) Other(userID uint) uint {
	if r.FromUserID == userID {
		return r.ToUserID
	}
	return r.FromUserID
}

// PairKey 无序用户对的规范键 "min:max"
func PairKey(a, b uint) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%d", a, b)
}

// OrderedPair 返回 (min, max)
func OrderedPair(a, b uint) (uint, uint) {
	if a > b {
		return b, a
	}
	return a, b
}
