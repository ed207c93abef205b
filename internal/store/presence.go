package store

import (
	"errors"
	"sync"

	"github.com/thestics/web-chat/internal/models"
	"gorm.io/gorm"
)

// ErrNegativeConnections 表示计数即将降到负数，说明某处 teardown 没有
// 对应的 setup，属于编程错误，必须上报而不是悄悄钳制为 0。
var ErrNegativeConnections = errors.New("presence: active connections below zero")

// OnlineUser 是对外输出的在线用户数据。
type OnlineUser struct {
	Username    string `json:"user"`
	Connections int    `json:"connections"`
}

// PresenceStore 维护每个用户当前打开的连接数。
// Increment/Decrement 连同零值判断按用户串行化：同一用户并发开两个
// 标签页时，只有第一个连接会看到 first=true。
type PresenceStore struct {
	db    *gorm.DB
	mu    sync.Mutex
	locks map[uint]*sync.Mutex
}

func NewPresenceStore(db *gorm.DB) *PresenceStore {
	return &PresenceStore{db: db, locks: make(map[uint]*sync.Mutex)}
}

// lockFor 返回指定用户的互斥锁，懒创建。锁的数量以注册用户数为上限，
// 不做回收。
func (s *PresenceStore) lockFor(userID uint) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[userID] = l
	}
	return l
}

// GetOrCreate 获取用户的在线记录，不存在则以 0 连接数创建。
func (s *PresenceStore) GetOrCreate(userID uint, username string) (models.ActiveUser, error) {
	var rec models.ActiveUser
	err := s.db.Where(models.ActiveUser{UserID: userID}).
		Attrs(models.ActiveUser{Username: username}).
		FirstOrCreate(&rec).Error
	return rec, err
}

// Increment 原子增加连接数，first 为 true 表示该用户由离线转为在线。
func (s *PresenceStore) Increment(userID uint, username string) (n int, first bool, err error) {
	l := s.lockFor(userID)
	l.Lock()
	defer l.Unlock()

	rec, err := s.GetOrCreate(userID, username)
	if err != nil {
		return 0, false, err
	}
	n = rec.ActiveConnections + 1
	if err := s.db.Model(&rec).Update("active_connections", n).Error; err != nil {
		return 0, false, err
	}
	return n, rec.ActiveConnections == 0, nil
}

// Decrement 原子减少连接数，last 为 true 表示该用户由在线转为离线。
// 减到负数返回 ErrNegativeConnections，不修改记录。
func (s *PresenceStore) Decrement(userID uint) (n int, last bool, err error) {
	l := s.lockFor(userID)
	l.Lock()
	defer l.Unlock()

	var rec models.ActiveUser
	if err := s.db.Where(models.ActiveUser{UserID: userID}).First(&rec).Error; err != nil {
		return 0, false, err
	}
	if rec.ActiveConnections <= 0 {
		return rec.ActiveConnections, false, ErrNegativeConnections
	}
	n = rec.ActiveConnections - 1
	if err := s.db.Model(&rec).Update("active_connections", n).Error; err != nil {
		return 0, false, err
	}
	return n, n == 0, nil
}

// ListOnline 返回所有连接数大于 0 的用户。
func (s *PresenceStore) ListOnline() ([]OnlineUser, error) {
	var recs []models.ActiveUser
	if err := s.db.Where("active_connections > 0").Order("username").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]OnlineUser, 0, len(recs))
	for _, r := range recs {
		out = append(out, OnlineUser{Username: r.Username, Connections: r.ActiveConnections})
	}
	return out, nil
}
