package ws

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/thestics/web-chat/internal/metrics"
)

// RoomGroup 是唯一的公共聊天室分组名。除此之外每个在线用户还有一个
// 以用户名命名的分组，用于定向通知（@提及），同一用户的所有连接都在其中。
const RoomGroup = "chat_room"

// Registry 维护命名分组到活动会话集合的映射，进程级共享，注入到每个
// Session。广播对调用时刻的成员快照进行，广播期间的加入/退出不影响
// 本次投递。
type Registry struct {
	mu     sync.RWMutex
	groups map[string]map[*Session]struct{}
}

func NewRegistry() *Registry {
	return &Registry{groups: make(map[string]map[*Session]struct{})}
}

// Join 把会话加入指定分组，重复加入是无操作。
func (r *Registry) Join(group string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.groups[group]
	if !ok {
		members = make(map[*Session]struct{})
		r.groups[group] = members
	}
	members[s] = struct{}{}
}

// Leave 把会话移出指定分组，分组或成员不存在时是无操作。
// 空分组随之删除，避免用户名分组无限膨胀。
func (r *Registry) Leave(group string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.groups[group]
	if !ok {
		return
	}
	delete(members, s)
	if len(members) == 0 {
		delete(r.groups, group)
	}
}

// Members 返回分组当前成员数。
func (r *Registry) Members(group string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups[group])
}

// Broadcast 向分组当前全部成员投递事件，每个成员尽力而为：某个成员的
// 发送队列已满时丢弃它的那一份，不阻塞也不影响其他成员。向空分组广播
// 是无操作。
func (r *Registry) Broadcast(group string, event Event) {
	b, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("group", group).Msg("broadcast marshal")
		return
	}

	r.mu.RLock()
	snapshot := make([]*Session, 0, len(r.groups[group]))
	for s := range r.groups[group] {
		snapshot = append(snapshot, s)
	}
	r.mu.RUnlock()

	for _, s := range snapshot {
		if !s.enqueue(b) {
			metrics.WsDroppedEventsTotal.Inc()
			log.Warn().Str("group", group).Str("user", s.identity.Name).Msg("broadcast dropped for slow session")
		}
	}
}
