// Package hub fans committed game records out to the observers of a session.
package hub

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/sasha-s/go-deadlock"

	"github.com/brenelz/pictionary/internal/game"
)

type Kind string

const (
	KindState   Kind = "state"
	KindMessage Kind = "message"
)

type Event struct {
	Kind      Kind            `json:"kind"`
	SessionID string          `json:"sessionId"`
	State     *game.GameState `json:"state,omitempty"`
	Message   *game.Message   `json:"message,omitempty"`
}

const DefaultBuffer = 64

// Hub delivers events to per-session subscribers in publish order. A
// subscriber whose buffer is full is evicted and its channel closed; it has
// to subscribe again and resync from the store.
type Hub struct {
	mu     deadlock.Mutex
	topics map[string]map[*Subscription]struct{}
	buffer int
}

func New(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		topics: make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
	}
}

type Subscription struct {
	sessionID string
	ch        chan Event
	hub       *Hub
	once      sync.Once
}

func (s *Subscription) Events() <-chan Event { return s.ch }

// Close unsubscribes. Safe to call more than once and after eviction.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	s.hub.removeLocked(s)
	s.hub.mu.Unlock()
}

func (h *Hub) Subscribe(sessionID string) *Subscription {
	sub := &Subscription{
		sessionID: sessionID,
		ch:        make(chan Event, h.buffer),
		hub:       h,
	}
	h.mu.Lock()
	subs, ok := h.topics[sessionID]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.topics[sessionID] = subs
	}
	subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) Subscribers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[sessionID])
}

func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.topics[ev.SessionID] {
		select {
		case sub.ch <- ev:
		default:
			log.Warn().Str("session", ev.SessionID).Msg("subscriber fell behind, evicting")
			h.removeLocked(sub)
		}
	}
}

func (h *Hub) PublishState(_ context.Context, s game.GameState) error {
	st := s.Clone()
	h.Publish(Event{Kind: KindState, SessionID: s.SessionID, State: &st})
	return nil
}

func (h *Hub) PublishMessage(_ context.Context, m game.Message) error {
	h.Publish(Event{Kind: KindMessage, SessionID: m.SessionID, Message: &m})
	return nil
}

func (h *Hub) removeLocked(sub *Subscription) {
	subs, ok := h.topics[sub.sessionID]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.topics, sub.sessionID)
	}
	sub.once.Do(func() { close(sub.ch) })
}
