// Package memory is an in-process game backend. It serves tests and single
// node development; state is lost on restart.
package memory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"

	"github.com/brenelz/pictionary/internal/game"
)

type Store struct {
	mu       deadlock.RWMutex
	sessions map[string]game.GameState
	messages map[string][]game.Message
	seq      map[string]int64
	profiles map[string]game.PlayerProfile
	now      func() time.Time
}

func New() *Store {
	return &Store{
		sessions: make(map[string]game.GameState),
		messages: make(map[string][]game.Message),
		seq:      make(map[string]int64),
		profiles: make(map[string]game.PlayerProfile),
		now:      time.Now,
	}
}

func (s *Store) Create(_ context.Context, sessionID string) (game.GameState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.sessions[sessionID]; ok {
		return st.Clone(), nil
	}
	st := game.NewGameState(sessionID)
	st.UpdatedAt = s.now().UTC()
	s.sessions[sessionID] = st
	return st.Clone(), nil
}

func (s *Store) Read(_ context.Context, sessionID string) (game.GameState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.sessions[sessionID]
	if !ok {
		return game.GameState{}, game.NotFound("read session", "session %s", sessionID)
	}
	return st.Clone(), nil
}

func (s *Store) Apply(_ context.Context, sessionID string, observed uint64, u game.Update) (game.GameState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	live, ok := s.sessions[sessionID]
	if !ok {
		return game.GameState{}, game.NotFound("apply", "session %s", sessionID)
	}
	if live.Version != observed {
		return game.GameState{}, game.Conflict("apply", observed)
	}

	next := u.State.Clone()
	next.SessionID = sessionID
	next.Version = live.Version + 1
	next.UpdatedAt = s.now().UTC()
	s.sessions[sessionID] = next

	if u.Credit != nil {
		s.creditLocked(u.Credit.Player, u.Credit.Delta)
	}
	return next.Clone(), nil
}

func (s *Store) AppendMessage(_ context.Context, m game.Message) (game.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq[m.SessionID]++
	m.ID = s.seq[m.SessionID]
	s.messages[m.SessionID] = append(s.messages[m.SessionID], m)
	return m, nil
}

func (s *Store) RecentMessages(_ context.Context, sessionID string, limit int) ([]game.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.messages[sessionID]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]game.Message, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (s *Store) EnsureProfile(_ context.Context, handle string) (game.PlayerProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureLocked(handle), nil
}

func (s *Store) Profile(_ context.Context, handle string) (game.PlayerProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[handle]
	if !ok {
		return game.PlayerProfile{}, game.NotFound("profile", "player %s", handle)
	}
	return p, nil
}

func (s *Store) Credit(_ context.Context, handle string, delta int) (game.PlayerProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creditLocked(handle, delta), nil
}

func (s *Store) Ranked(_ context.Context, limit int) ([]game.PlayerProfile, error) {
	s.mu.RLock()
	out := make([]game.PlayerProfile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p)
	}
	s.mu.RUnlock()
	return game.SortRanked(out, limit), nil
}

func (s *Store) Close() error { return nil }

func (s *Store) ensureLocked(handle string) game.PlayerProfile {
	p, ok := s.profiles[handle]
	if !ok {
		p = game.PlayerProfile{ID: uuid.NewString(), Handle: handle}
		s.profiles[handle] = p
	}
	return p
}

func (s *Store) creditLocked(handle string, delta int) game.PlayerProfile {
	p := s.ensureLocked(handle)
	p.Score += delta
	s.profiles[handle] = p
	return p
}
