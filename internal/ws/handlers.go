package ws

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/thestics/web-chat/internal/metrics"
	"github.com/thestics/web-chat/internal/store"
)

// presenceHandler 维护用户的在线计数并对外宣告上下线。
// 同一用户第一条连接建立时广播 online.connect，最后一条断开时广播
// online.disconnect，中间的连接来去不产生任何宣告。
type presenceHandler struct {
	s *Session
}

func (h *presenceHandler) OnConnect() error {
	s := h.s
	name := s.identity.Name
	_, first, err := s.presence.Increment(s.identity.ID, name)
	if err != nil {
		return fmt.Errorf("presence increment: %w", err)
	}
	if !first {
		return nil
	}
	metrics.OnlineUsers.Inc()

	ev := eventOnlineConnect(name)
	s.registry.Broadcast(RoomGroup, ev)
	// 再直接给本连接发一份：取决于入组顺序，广播快照未必包含自己，
	// 而用户必须总能得知自己的上线；直接副本严格排在群发之后。
	s.Send(ev)
	return h.serviceMessage("User " + name + " joined")
}

func (h *presenceHandler) OnDisconnect() error {
	s := h.s
	name := s.identity.Name
	_, last, err := s.presence.Decrement(s.identity.ID)
	if err != nil {
		if errors.Is(err, store.ErrNegativeConnections) {
			// teardown 与 setup 不配对的编程错误，大声上报。
			log.Error().Str("user", name).Msg("presence decrement below zero")
		}
		return fmt.Errorf("presence decrement: %w", err)
	}
	if !last {
		return nil
	}
	metrics.OnlineUsers.Dec()

	ev := eventOnlineDisconnect(name)
	s.registry.Broadcast(RoomGroup, ev)
	s.Send(ev)
	return h.serviceMessage("User " + name + " left")
}

// serviceMessage 把加入/离开提示作为无作者的系统消息落库并广播。
func (h *presenceHandler) serviceMessage(text string) error {
	if _, err := h.s.messages.Append(text, nil, true); err != nil {
		return fmt.Errorf("append service message: %w", err)
	}
	h.s.registry.Broadcast(RoomGroup, eventServiceMessage(text))
	return nil
}

// initHandler 在连接建立时向本连接回放初始状态：自己的用户名、
// 全部聊天历史、当前在线用户及各自的连接数。只读，不改任何状态。
type initHandler struct {
	s *Session
}

func (h *initHandler) OnConnect() error {
	s := h.s
	s.Send(eventWhoami(s.identity.Name))

	history, err := s.messages.History()
	if err != nil {
		return fmt.Errorf("load chat history: %w", err)
	}
	s.Send(eventChatHistory(history))

	online, err := s.presence.ListOnline()
	if err != nil {
		return fmt.Errorf("load online users: %w", err)
	}
	s.Send(eventOnlineUsers(online))
	return nil
}

func (h *initHandler) OnDisconnect() error { return nil }

// relayHandler 处理普通入站事件：消息落库加广播、定向提及、身份查询
// 以及系统消息的原样转发。dispatch 表里的每种事件对应这里的一个方法。
type relayHandler struct {
	s *Session
}

func (h *relayHandler) OnConnect() error    { return nil }
func (h *relayHandler) OnDisconnect() error { return nil }

func (h *relayHandler) chatMessage(ev Event) error {
	s := h.s
	text, ok := ev["message"].(string)
	if !ok {
		return fmt.Errorf("%w: chat.message requires `message`", ErrBadPayload)
	}
	rec, err := s.messages.Append(text, &s.identity.ID, false)
	if err != nil {
		// 存储失败要显式回告发送方，而不是静默丢弃。
		s.Send(eventError("failed to send message"))
		return fmt.Errorf("append chat message: %w", err)
	}
	rec.Author = s.identity.Name
	metrics.WsMessagesTotal.Inc()
	s.registry.Broadcast(RoomGroup, eventChatMessage(rec))
	return nil
}

// mention 给事件盖上发送者的 `by` 戳，投递到目标用户名分组，
// 目标用户打开的每条连接都会收到，房间内其他人收不到。
func (h *relayHandler) mention(ev Event) error {
	target, ok := ev["name"].(string)
	if !ok || target == "" {
		return fmt.Errorf("%w: user.mention requires `name`", ErrBadPayload)
	}
	ev["by"] = h.s.identity.Name
	h.s.registry.Broadcast(target, ev)
	return nil
}

func (h *relayHandler) whoami() error {
	h.s.Send(eventUserReply(h.s.identity.Name))
	return nil
}

// serviceMessage 把 chat.servicemessage 原样转发到房间。
func (h *relayHandler) serviceMessage(ev Event) error {
	h.s.registry.Broadcast(RoomGroup, ev)
	return nil
}
