package model

import (
	"time"
)

// User 由资料服务维护，这里只读
type User struct {
	BaseModel
	Username       string     `gorm:"size:50;uniqueIndex;not null" json:"username"`
	Name           string     `gorm:"size:100" json:"name"`
	Email          string     `gorm:"size:100" json:"-"`
	Password       string     `gorm:"size:100" json:"-"`
	Gender         string     `gorm:"size:20" json:"gender,omitempty"`
	About          string     `gorm:"size:500" json:"about,omitempty"`
	ProfilePicture string     `gorm:"size:255" json:"profilePicture,omitempty"`
	DateOfBirth    *time.Time `json:"dateOfBirth,omitempty"`
}

func (User) TableName() string {
	return "users"
}

// ConnectionProfile 连接列表项，附带在线状态
type ConnectionProfile struct {
	User
	IsOnline bool `json:"isOnline"`
}
