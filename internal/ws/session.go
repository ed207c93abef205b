package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/thestics/web-chat/internal/metrics"
	"github.com/thestics/web-chat/internal/store"
)

// CloseAuthFailure 是匿名连接被拒绝时使用的关闭码。
const CloseAuthFailure = 4401

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	readLimit  = 1 << 20 // 1MB
)

// State 是会话生命周期状态，Closed 为终态，不可重入。
type State int32

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateActive
	StateClosed
)

// Identity 是连接对应的已认证主体，由外部认证上下文解析，核心不拥有。
type Identity struct {
	ID   uint
	Name string
}

// MessageStore 是会话消耗的消息存储接口，由 internal/store 实现。
type MessageStore interface {
	Append(text string, authorID *uint, service bool) (store.ChatRecord, error)
	History() ([]store.ChatRecord, error)
}

// PresenceStore 是会话消耗的在线状态存储接口，由 internal/store 实现。
type PresenceStore interface {
	Increment(userID uint, username string) (n int, first bool, err error)
	Decrement(userID uint) (n int, last bool, err error)
	ListOnline() ([]store.OnlineUser, error)
}

// Handler 是挂到会话上的一个生命周期单元。会话按固定顺序持有一组
// Handler 并显式遍历，连接钩子正序执行，断开钩子逆序执行。
type Handler interface {
	OnConnect() error
	OnDisconnect() error
}

// Session 对应一条物理连接，持有身份、Handler 列表和已加入的分组。
// 随传输层连接创建、断开销毁，不落库。
type Session struct {
	registry *Registry
	messages MessageStore
	presence PresenceStore
	conn     *websocket.Conn
	identity Identity

	state atomic.Int32

	send       chan []byte
	sendMu     sync.Mutex
	sendClosed bool

	handlers  []Handler
	connected []Handler // OnConnect 已成功执行的 handler，teardown 按此逆序
	groups    []string
	done      sync.Once
	relay     *relayHandler
}

// newSession 组装一个会话。Handler 固定顺序为 presence → init → relay：
// presence 先把本连接计入在线，init 回放历史时用户才能看到自己在线。
func newSession(reg *Registry, msgs MessageStore, pres PresenceStore, conn *websocket.Conn, id Identity) *Session {
	s := &Session{
		registry: reg,
		messages: msgs,
		presence: pres,
		conn:     conn,
		identity: id,
		send:     make(chan []byte, 256),
	}
	s.relay = &relayHandler{s: s}
	s.handlers = []Handler{&presenceHandler{s: s}, &initHandler{s: s}, s.relay}
	return s
}

func (s *Session) State() State { return State(s.state.Load()) }

// run 驱动连接走完整个生命周期，连接关闭后返回。
func (s *Session) run() {
	if err := s.start(); err != nil {
		s.finish()
		return
	}
	go s.writePump()
	s.readPump()
	s.finish()
}

// start 推进状态机到 Active：解析到的身份缺失则在产生任何副作用之前
// 拒绝连接；否则加入分组并正序执行各 handler 的连接钩子。
func (s *Session) start() error {
	s.state.Store(int32(StateAuthenticating))

	if s.identity.Name == "" {
		s.refuse(CloseAuthFailure, "authentication required")
		return errors.New("ws: anonymous connection refused")
	}

	s.state.Store(int32(StateActive))
	metrics.WsConnections.Inc()

	s.join(RoomGroup)
	s.join(s.identity.Name)
	for _, h := range s.handlers {
		if err := h.OnConnect(); err != nil {
			log.Error().Err(err).Str("user", s.identity.Name).Msg("session connect hook")
			s.refuse(websocket.CloseInternalServerErr, "session init failed")
			return err
		}
		s.connected = append(s.connected, h)
	}
	return nil
}

func (s *Session) join(group string) {
	s.registry.Join(group, s)
	s.groups = append(s.groups, group)
}

// finish 恰好执行一次完整 teardown：退出全部分组、逆序执行断开钩子、
// 关闭发送队列。未初始化的部分各自是无操作；单个钩子出错不阻止其余
// teardown 步骤。
func (s *Session) finish() {
	s.done.Do(func() {
		wasActive := s.State() == StateActive
		s.state.Store(int32(StateClosed))

		for _, g := range s.groups {
			s.registry.Leave(g, s)
		}
		for i := len(s.connected) - 1; i >= 0; i-- {
			if err := s.connected[i].OnDisconnect(); err != nil {
				log.Error().Err(err).Str("user", s.identity.Name).Msg("session disconnect hook")
			}
		}
		if wasActive {
			metrics.WsConnections.Dec()
		}
		s.closeSend()
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}

// refuse 带关闭码终止连接，握手失败和初始化失败共用。
func (s *Session) refuse(code int, reason string) {
	if s.conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = s.conn.WriteMessage(websocket.CloseMessage, msg)
}

// enqueue 尝试把已编码的事件放入发送队列，队列满或已关闭时返回 false，
// 从不阻塞调用方。
func (s *Session) enqueue(b []byte) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.sendClosed {
		return false
	}
	select {
	case s.send <- b:
		return true
	default:
		return false
	}
}

func (s *Session) closeSend() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if !s.sendClosed {
		s.sendClosed = true
		close(s.send)
	}
}

// Send 把事件直接投递给本连接，绕过分组广播。
func (s *Session) Send(e Event) {
	b, err := json.Marshal(e)
	if err != nil {
		log.Error().Err(err).Str("user", s.identity.Name).Msg("send marshal")
		return
	}
	if !s.enqueue(b) {
		metrics.WsDroppedEventsTotal.Inc()
		log.Warn().Str("user", s.identity.Name).Msg("direct send dropped")
	}
}

// dispatch 把一帧入站数据解析成类型化事件并直接调用对应的 relay 方法。
// 本连接的入站流按到达顺序逐帧处理。
func (s *Session) dispatch(data []byte) error {
	kind, ev, err := decodeInbound(data)
	if err != nil {
		return err
	}
	switch kind {
	case kindChatMessage:
		return s.relay.chatMessage(ev)
	case kindChatServiceMessage:
		return s.relay.serviceMessage(ev)
	case kindUserMention:
		return s.relay.mention(ev)
	case kindUserWhoami:
		return s.relay.whoami()
	}
	return nil
}

func isProtocolErr(err error) bool {
	return errors.Is(err, ErrBadFrame) ||
		errors.Is(err, ErrMissingType) ||
		errors.Is(err, ErrUnknownType) ||
		errors.Is(err, ErrBadPayload)
}

func (s *Session) readPump() {
	defer func() { _ = s.conn.Close() }()
	s.conn.SetReadLimit(readLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if err := s.dispatch(data); err != nil {
			// 单帧出错只丢弃该帧，连接保持打开。
			if isProtocolErr(err) {
				metrics.WsProtocolErrorsTotal.Inc()
			}
			log.Warn().Err(err).Str("user", s.identity.Name).Msg("drop inbound frame")
		}
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case message, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := s.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			_ = w.Close()
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
