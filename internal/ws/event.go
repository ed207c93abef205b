package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/thestics/web-chat/internal/store"
)

// Event 是一条出站事件，带 "type" 标签的扁平 JSON 对象。
type Event map[string]interface{}

// 入站协议错误。单帧出错只丢弃该帧并记录，不关闭连接。
var (
	ErrBadFrame    = errors.New("ws: frame is not a JSON object")
	ErrMissingType = errors.New("ws: missing `type` field in event")
	ErrUnknownType = errors.New("ws: unknown event type")
	ErrBadPayload  = errors.New("ws: missing or invalid payload field")
)

// inboundKind 枚举全部可由客户端发来的事件类型。
type inboundKind int

const (
	kindChatMessage inboundKind = iota
	kindChatServiceMessage
	kindUserMention
	kindUserWhoami
)

// inboundKinds 是 type 标签到事件类型的唯一映射表，大小写不敏感。
// 不在表内的标签在这里被拒绝，而不是靠反射派发。
var inboundKinds = map[string]inboundKind{
	"chat.message":        kindChatMessage,
	"chat.servicemessage": kindChatServiceMessage,
	"user.mention":        kindUserMention,
	"user.whoami":         kindUserWhoami,
}

// decodeInbound 解析一帧入站数据，返回事件类型和原始字段。
// 缺少 type 标签和未知标签分别返回 ErrMissingType 和 unknown error。
func decodeInbound(data []byte) (inboundKind, Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	typ, ok := ev["type"].(string)
	if !ok || typ == "" {
		return 0, nil, ErrMissingType
	}
	kind, ok := inboundKinds[strings.ToLower(typ)]
	if !ok {
		return 0, nil, fmt.Errorf("%w %q", ErrUnknownType, typ)
	}
	return kind, ev, nil
}

// 出站事件构造器，字段名即线上格式。

func eventWhoami(user string) Event {
	return Event{"type": "init.whoami", "user": user}
}

func eventChatHistory(records []store.ChatRecord) Event {
	data := make([]Event, 0, len(records))
	for _, r := range records {
		data = append(data, Event{"message": r.Text, "author": r.Author, "sent": r.Sent})
	}
	return Event{"type": "init.chat_history", "data": data}
}

func eventOnlineUsers(users []store.OnlineUser) Event {
	data := make([]Event, 0, len(users))
	for _, u := range users {
		data = append(data, Event{"user": u.Username, "connections": u.Connections})
	}
	return Event{"type": "init.online_users", "data": data}
}

func eventOnlineConnect(user string) Event {
	return Event{"type": "online.connect", "user": user}
}

func eventOnlineDisconnect(user string) Event {
	return Event{"type": "online.disconnect", "user": user}
}

func eventChatMessage(rec store.ChatRecord) Event {
	return Event{"type": "chat.message", "message": rec.Text, "author": rec.Author, "sent": rec.Sent}
}

func eventServiceMessage(message string) Event {
	return Event{"type": "chat.servicemessage", "message": message}
}

func eventUserReply(user string) Event {
	return Event{"type": "user.whoami", "user": user}
}

func eventError(message string) Event {
	return Event{"type": "error", "message": message}
}
