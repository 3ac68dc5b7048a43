package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/campusline/chatsync"
)

// MemoryStore keeps everything in process. It is the default when no
// database path is configured.
type MemoryStore struct {
	mu         sync.Mutex
	principals map[string]chatsync.Principal
	messages   []chatsync.Message
	byClient   map[string]int
	lastAt     time.Time
	now        func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		principals: make(map[string]chatsync.Principal),
		byClient:   make(map[string]int),
		now:        time.Now,
	}
}

func clientKey(senderID, clientID string) string {
	return senderID + "\x00" + clientID
}

func (s *MemoryStore) Append(_ context.Context, msg chatsync.Message) (chatsync.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ClientID != "" {
		if i, ok := s.byClient[clientKey(msg.SenderID, msg.ClientID)]; ok {
			return s.messages[i], true, nil
		}
	}

	msg.ID = int64(len(s.messages) + 1)
	msg.LocalID = ""
	msg.Status = chatsync.StatusConfirmed
	msg.CreatedAt = nextCreatedAt(s.now(), s.lastAt)
	s.lastAt = msg.CreatedAt

	s.messages = append(s.messages, msg)
	if msg.ClientID != "" {
		s.byClient[clientKey(msg.SenderID, msg.ClientID)] = len(s.messages) - 1
	}
	return msg, false, nil
}

func (s *MemoryStore) Thread(_ context.Context, a, b string, limit int) ([]chatsync.Message, error) {
	limit = normalizeLimit(limit)
	key := chatsync.ConversationKey(a, b)

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []chatsync.Message
	for i := len(s.messages) - 1; i >= 0 && len(out) < limit; i-- {
		if s.messages[i].Key() == key {
			out = append(out, s.messages[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *MemoryStore) RecentConversations(_ context.Context, principalID string, limit int) ([]chatsync.Conversation, error) {
	limit = normalizeLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	var out []chatsync.Conversation
	for i := len(s.messages) - 1; i >= 0 && len(out) < limit; i-- {
		m := s.messages[i]
		other := m.Counterpart(principalID)
		if other == "" || seen[m.Key()] {
			continue
		}
		seen[m.Key()] = true
		counterpart, ok := s.principals[other]
		if !ok {
			counterpart = chatsync.Principal{ID: other}
		}
		out = append(out, conversationFor(m, counterpart))
	}
	return out, nil
}

func (s *MemoryStore) Principal(_ context.Context, id string) (chatsync.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.principals[id]
	if !ok {
		return chatsync.Principal{}, ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) PutPrincipal(_ context.Context, p chatsync.Principal) error {
	s.mu.Lock()
	s.principals[p.ID] = p
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) SearchPrincipals(_ context.Context, query string, limit int) ([]chatsync.Principal, error) {
	limit = normalizeLimit(limit)

	s.mu.Lock()
	var out []chatsync.Principal
	for _, p := range s.principals {
		if matchesQuery(p, query) {
			out = append(out, p)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
