package auth

import (
	"context"
	"errors"
	"sync"
	"time"
)

// InMemoryTokens is a TokenStore sharded by badge. Each badge has its own
// lock; the index lock only guards id ownership and is always taken after a
// shard lock, never before.
type InMemoryTokens struct {
	mu     sync.RWMutex
	index  map[string]string
	shards map[string]*tokenShard
}

type tokenShard struct {
	mu     sync.Mutex
	tokens map[string]Token
}

var _ TokenStore = (*InMemoryTokens)(nil)

func NewInMemoryTokens() *InMemoryTokens {
	return &InMemoryTokens{
		index:  make(map[string]string),
		shards: make(map[string]*tokenShard),
	}
}

func (m *InMemoryTokens) shard(badgeID string) *tokenShard {
	m.mu.RLock()
	s, ok := m.shards[badgeID]
	m.mu.RUnlock()
	if ok {
		return s
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok = m.shards[badgeID]; ok {
		return s
	}
	s = &tokenShard{tokens: make(map[string]Token)}
	m.shards[badgeID] = s
	return s
}

func (m *InMemoryTokens) owner(id string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.index[id]
	return b, ok
}

func (m *InMemoryTokens) CreateEphemeral(ctx context.Context, tok Token, limit int, liveSince time.Time) error {
	s := m.shard(tok.BadgeID)
	s.mu.Lock()
	defer s.mu.Unlock()

	live := 0
	for _, t := range s.tokens {
		if t.Class == ClassEphemeral && !t.IssuedAt.Before(liveSince) {
			live++
		}
	}
	if live >= limit {
		return ErrLimitReached
	}

	m.mu.Lock()
	if _, dup := m.index[tok.ID]; dup {
		m.mu.Unlock()
		return ErrDuplicateID
	}
	m.index[tok.ID] = tok.BadgeID
	m.mu.Unlock()

	s.tokens[tok.ID] = tok
	return nil
}

func (m *InMemoryTokens) Find(ctx context.Context, id string) (Token, error) {
	badgeID, ok := m.owner(id)
	if !ok {
		return Token{}, ErrNotFound
	}
	s := m.shard(badgeID)
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[id]
	if !ok {
		return Token{}, ErrNotFound
	}
	return tok, nil
}

func (m *InMemoryTokens) Exchange(ctx context.Context, oldID string, next Token) error {
	badgeID, ok := m.owner(oldID)
	if !ok {
		return ErrNotFound
	}
	if next.BadgeID != badgeID {
		return errors.New("auth: exchange across badges")
	}
	s := m.shard(badgeID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[oldID]; !ok {
		return ErrNotFound
	}

	m.mu.Lock()
	if _, dup := m.index[next.ID]; dup {
		m.mu.Unlock()
		return ErrDuplicateID
	}
	delete(m.index, oldID)
	m.index[next.ID] = badgeID
	m.mu.Unlock()

	delete(s.tokens, oldID)
	s.tokens[next.ID] = next
	return nil
}

func (m *InMemoryTokens) DeleteExpired(ctx context.Context, class Class, cutoff time.Time) (int64, error) {
	m.mu.RLock()
	shards := make([]*tokenShard, 0, len(m.shards))
	for _, s := range m.shards {
		shards = append(shards, s)
	}
	m.mu.RUnlock()

	var removed int64
	for _, s := range shards {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		s.mu.Lock()
		var gone []string
		for id, t := range s.tokens {
			if t.Class == class && t.IssuedAt.Before(cutoff) {
				delete(s.tokens, id)
				gone = append(gone, id)
			}
		}
		if len(gone) > 0 {
			m.mu.Lock()
			for _, id := range gone {
				delete(m.index, id)
			}
			m.mu.Unlock()
		}
		s.mu.Unlock()
		removed += int64(len(gone))
	}
	return removed, nil
}
