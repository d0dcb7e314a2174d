package room

import (
	"github.com/rs/zerolog/log"
	"github.com/sasha-s/go-deadlock"
	"golang.org/x/time/rate"

	"github.com/brenelz/pictionary/internal/game"
	"github.com/brenelz/pictionary/internal/hub"
)

// Manager owns the live rooms of this process. A room exists while at least
// one connection is attached to it; the session itself outlives the room.
type Manager struct {
	mu    deadlock.Mutex
	rooms map[string]*Room

	engine  *game.Engine
	hub     *hub.Hub
	limiter func() *rate.Limiter
}

// NewManager builds a manager whose connections may guess at most
// guessRate times per second with bursts of guessBurst.
func NewManager(engine *game.Engine, h *hub.Hub, guessRate float64, guessBurst int) *Manager {
	return &Manager{
		rooms:  make(map[string]*Room),
		engine: engine,
		hub:    h,
		limiter: func() *rate.Limiter {
			return rate.NewLimiter(rate.Limit(guessRate), guessBurst)
		},
	}
}

func (m *Manager) acquire(sessionID string) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[sessionID]
	if !ok {
		r = newRoom(sessionID, m.engine, m.hub)
		m.rooms[sessionID] = r
		go r.Run(m)
		log.Debug().Str("session", sessionID).Msg("room opened")
	}
	r.refs++
	return r
}

func (m *Manager) release(r *Room) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r.refs--
	if r.refs > 0 {
		return
	}
	if m.rooms[r.ID] == r {
		delete(m.rooms, r.ID)
	}
	close(r.quit)
}

// Rooms reports how many rooms are open.
func (m *Manager) Rooms() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// Serve attaches a connection to a session and blocks until it closes.
// Connecting joins the roster; disconnecting does not leave it.
func (m *Manager) Serve(sessionID, playerID string, conn Conn) error {
	ctx, cancel := opContext()
	_, err := m.engine.Join(ctx, sessionID, playerID)
	cancel()
	if err != nil {
		return err
	}

	r := m.acquire(sessionID)
	p := NewPlayer(playerID, conn, m.limiter())
	r.Register <- p

	log.Info().Str("session", sessionID).Str("player", playerID).Msg("connection attached")
	go p.ReadPump(r)
	p.WritePump()
	log.Info().Str("session", sessionID).Str("player", playerID).Msg("connection closed")
	return nil
}

// Shutdown closes every attached connection. Rooms drain as their read
// pumps exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.Unlock()

	for _, r := range rooms {
		for _, p := range r.snapshotPlayers() {
			p.cleanup()
		}
	}
	log.Info().Int("rooms", len(rooms)).Msg("rooms shut down")
}
