package models

import "time"

type User struct {
	ID           uint   `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex;size:128;not null"`
	PasswordHash string `gorm:"not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ActiveUser 记录某个用户当前打开的连接数，0 表示离线。
// 每个用户一行，在注册时预建，或在首次连接时懒创建。
type ActiveUser struct {
	ID                uint   `gorm:"primaryKey"`
	UserID            uint   `gorm:"uniqueIndex;not null"`
	Username          string `gorm:"size:128;not null"`
	ActiveConnections int    `gorm:"not null;default:0"`
	UpdatedAt         time.Time
}

// ChatMessage 是追加写入的聊天记录。系统消息（加入/离开提示）
// 没有作者，AuthorID 为空且 ServiceMsg 为 true。
type ChatMessage struct {
	ID         uint      `gorm:"primaryKey"`
	Text       string    `gorm:"size:8192;not null"`
	AuthorID   *uint     `gorm:"index"`
	ServiceMsg bool      `gorm:"not null;default:false"`
	Sent       time.Time `gorm:"index;autoCreateTime"`
}

type RefreshToken struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uint      `gorm:"index;not null"`
	Token     string    `gorm:"uniqueIndex;size:128;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	RevokedAt *time.Time
	CreatedAt time.Time
}
