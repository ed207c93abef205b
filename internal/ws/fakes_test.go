package ws

import (
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/thestics/web-chat/internal/store"
)

// In-memory store fakes implementing the MessageStore/PresenceStore
// interfaces, so session and handler tests run without a database.

type memMessages struct {
	mu         sync.Mutex
	recs       []store.ChatRecord
	authorIDs  []*uint
	names      map[uint]string
	nextID     uint
	failAppend error
	failQuery  error
}

func newMemMessages() *memMessages {
	return &memMessages{names: map[uint]string{}}
}

func (m *memMessages) Append(text string, authorID *uint, service bool) (store.ChatRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAppend != nil {
		return store.ChatRecord{}, m.failAppend
	}
	m.nextID++
	rec := store.ChatRecord{ID: m.nextID, Text: text, Service: service, Sent: time.Now()}
	m.recs = append(m.recs, rec)
	m.authorIDs = append(m.authorIDs, authorID)
	return rec, nil
}

func (m *memMessages) History() ([]store.ChatRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failQuery != nil {
		return nil, m.failQuery
	}
	out := make([]store.ChatRecord, len(m.recs))
	copy(out, m.recs)
	for i, id := range m.authorIDs {
		if id != nil {
			out[i].Author = m.names[*id]
		}
	}
	return out, nil
}

type memPresence struct {
	mu     sync.Mutex
	counts map[uint]int
	names  map[uint]string
}

func newMemPresence() *memPresence {
	return &memPresence{counts: map[uint]int{}, names: map[uint]string{}}
}

func (p *memPresence) Increment(userID uint, username string) (int, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.names[userID] = username
	n := p.counts[userID] + 1
	p.counts[userID] = n
	return n, n == 1, nil
}

func (p *memPresence) Decrement(userID uint) (int, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.counts[userID]
	if n <= 0 {
		return n, false, store.ErrNegativeConnections
	}
	n--
	p.counts[userID] = n
	return n, n == 0, nil
}

func (p *memPresence) ListOnline() ([]store.OnlineUser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []store.OnlineUser
	for id, n := range p.counts {
		if n > 0 {
			out = append(out, store.OnlineUser{Username: p.names[id], Connections: n})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (p *memPresence) count(userID uint) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[userID]
}

// env bundles a registry with the fakes and builds sessions against them.
type env struct {
	reg  *Registry
	msgs *memMessages
	pres *memPresence
}

func newEnv() *env {
	return &env{reg: NewRegistry(), msgs: newMemMessages(), pres: newMemPresence()}
}

func (e *env) session(id uint, name string) *Session {
	e.msgs.names[id] = name
	return newSession(e.reg, e.msgs, e.pres, nil, Identity{ID: id, Name: name})
}

// observer is a session parked in the room group without going through the
// connect flow, so tests can count broadcasts undisturbed.
func (e *env) observer() *Session {
	s := newSession(e.reg, e.msgs, e.pres, nil, Identity{ID: 999, Name: "observer"})
	e.reg.Join(RoomGroup, s)
	return s
}

// drain decodes everything queued on the session's outbound channel.
func drain(t *testing.T, s *Session) []Event {
	t.Helper()
	var out []Event
	for {
		select {
		case b, ok := <-s.send:
			if !ok {
				return out
			}
			var e Event
			if err := json.Unmarshal(b, &e); err != nil {
				t.Fatalf("outbound frame is not JSON: %v", err)
			}
			out = append(out, e)
		default:
			return out
		}
	}
}

func eventsOfType(events []Event, typ string) []Event {
	var out []Event
	for _, e := range events {
		if e["type"] == typ {
			out = append(out, e)
		}
	}
	return out
}
