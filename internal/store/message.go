package store

import (
	"errors"
	"time"
	"unicode/utf8"

	"github.com/thestics/web-chat/internal/models"
	"gorm.io/gorm"
)

// MaxMessageLen 是单条消息的最大字符数。
const MaxMessageLen = 8192

var ErrTextTooLong = errors.New("message: text exceeds maximum length")

// ChatRecord 是对外输出的消息数据。系统消息的 Author 为空。
type ChatRecord struct {
	ID      uint      `json:"id"`
	Text    string    `json:"message"`
	Author  string    `json:"author"`
	Service bool      `json:"service"`
	Sent    time.Time `json:"sent"`
}

// MessageStore 封装追加写入的聊天记录。
type MessageStore struct {
	db *gorm.DB
}

func NewMessageStore(db *gorm.DB) *MessageStore {
	return &MessageStore{db: db}
}

// Append 持久化一条消息并返回带 id 和时间戳的记录。
// authorID 为空表示系统消息。
func (s *MessageStore) Append(text string, authorID *uint, service bool) (ChatRecord, error) {
	if utf8.RuneCountInString(text) > MaxMessageLen {
		return ChatRecord{}, ErrTextTooLong
	}
	msg := models.ChatMessage{Text: text, AuthorID: authorID, ServiceMsg: service}
	if err := s.db.Create(&msg).Error; err != nil {
		return ChatRecord{}, err
	}
	return s.toRecord(msg, nil), nil
}

// History 返回全部历史消息，按发送时间升序，同一时间按 id 升序。
// 整表扫描，暂不分页，消息量大时是已知的扩展瓶颈。
func (s *MessageStore) History() ([]ChatRecord, error) {
	var msgs []models.ChatMessage
	if err := s.db.Order("sent, id").Find(&msgs).Error; err != nil {
		return nil, err
	}
	usernames, err := s.resolveUsernames(msgs)
	if err != nil {
		return nil, err
	}
	out := make([]ChatRecord, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, s.toRecord(m, usernames))
	}
	return out, nil
}

func (s *MessageStore) toRecord(m models.ChatMessage, usernames map[uint]string) ChatRecord {
	rec := ChatRecord{
		ID:      m.ID,
		Text:    m.Text,
		Service: m.ServiceMsg,
		Sent:    m.Sent,
	}
	if m.AuthorID != nil && usernames != nil {
		rec.Author = usernames[*m.AuthorID]
	}
	return rec
}

// resolveUsernames 批量获取消息涉及的用户名。
func (s *MessageStore) resolveUsernames(msgs []models.ChatMessage) (map[uint]string, error) {
	seen := make(map[uint]struct{}, len(msgs))
	userIDs := make([]uint, 0, len(msgs))
	for _, m := range msgs {
		if m.AuthorID == nil {
			continue
		}
		if _, ok := seen[*m.AuthorID]; ok {
			continue
		}
		seen[*m.AuthorID] = struct{}{}
		userIDs = append(userIDs, *m.AuthorID)
	}

	usernames := make(map[uint]string, len(userIDs))
	if len(userIDs) > 0 {
		var users []models.User
		if err := s.db.Select("id", "username").Where("id IN ?", userIDs).Find(&users).Error; err != nil {
			return nil, err
		}
		for _, u := range users {
			usernames[u.ID] = u.Username
		}
	}
	return usernames, nil
}
