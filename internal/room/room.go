package room

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/rs/zerolog/log"
	"github.com/sasha-s/go-deadlock"

	"github.com/brenelz/pictionary/internal/game"
	"github.com/brenelz/pictionary/internal/hub"
)

const (
	opTimeout = 5 * time.Second
	// incorrect guesses this close to the word get a private hint
	closeGuessDistance = 2
)

// Room relays one session to its connected players. The session record lives
// in the store; Room only caches the newest state it has seen so it can mask
// the word per viewer and authorize draw_point relays.
type Room struct {
	ID         string
	Register   chan *Player
	Unregister chan *Player

	engine *game.Engine
	hub    *hub.Hub
	sub    *hub.Subscription
	quit   chan struct{}
	refs   int // guarded by Manager.mu

	mu      deadlock.RWMutex
	players map[*Player]struct{}
	state   game.GameState
	known   bool
}

func newRoom(id string, engine *game.Engine, h *hub.Hub) *Room {
	return &Room{
		ID:         id,
		Register:   make(chan *Player, 16),
		Unregister: make(chan *Player, 16),
		engine:     engine,
		hub:        h,
		sub:        h.Subscribe(id),
		quit:       make(chan struct{}),
		players:    make(map[*Player]struct{}),
	}
}

func opContext() (context.Context, context.CancelFunc) {
	// not tied to the connection: a disconnect must not cancel a mutation
	return context.WithTimeout(context.Background(), opTimeout)
}

func (r *Room) Run(m *Manager) {
	// r.sub is replaced after an eviction
	defer func() { r.sub.Close() }()

	for {
		select {
		case p := <-r.Register:
			if p.ctx.Err() != nil {
				// already gone; its unregister is queued or handled
				continue
			}
			r.mu.Lock()
			r.players[p] = struct{}{}
			r.mu.Unlock()
			r.sendSnapshot(p)

		case p := <-r.Unregister:
			r.mu.Lock()
			delete(r.players, p)
			r.mu.Unlock()
			// every Serve acquires exactly once and unregisters exactly once
			m.release(r)

		case ev, ok := <-r.sub.Events():
			if !ok {
				log.Warn().Str("session", r.ID).Msg("hub subscription evicted, resyncing")
				r.sub = r.hub.Subscribe(r.ID)
				r.resync()
				continue
			}
			r.dispatch(ev)

		case <-r.quit:
			log.Debug().Str("session", r.ID).Msg("room closed")
			return
		}
	}
}

func (r *Room) dispatch(ev hub.Event) {
	switch ev.Kind {
	case hub.KindState:
		if ev.State != nil && r.observe(*ev.State) {
			r.broadcastState()
		}
	case hub.KindMessage:
		if ev.Message != nil {
			r.broadcast(TypeMessage, newMessagePayload(*ev.Message))
		}
	}
}

// observe keeps the newest state. Relayed events can arrive out of order, so
// anything not newer than the cached version is ignored.
func (r *Room) observe(s game.GameState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.known && s.Version <= r.state.Version {
		return false
	}
	r.state = s
	r.known = true
	return true
}

func (r *Room) snapshotPlayers() []*Player {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Player, 0, len(r.players))
	for p := range r.players {
		out = append(out, p)
	}
	return out
}

func (r *Room) broadcastState() {
	r.mu.RLock()
	s := r.state
	r.mu.RUnlock()
	for _, p := range r.snapshotPlayers() {
		p.sendWS(TypeGameState, s.ViewFor(p.ID))
	}
}

func (r *Room) broadcast(msgType string, data any) {
	msg, err := encode(msgType, data)
	if err != nil {
		log.Error().Err(err).Str("session", r.ID).Str("type", msgType).Msg("marshal broadcast")
		return
	}
	for _, p := range r.snapshotPlayers() {
		p.queue(msg)
	}
}

func (r *Room) broadcastExcept(sender *Player, msg []byte) {
	for _, p := range r.snapshotPlayers() {
		if p != sender {
			p.queue(msg)
		}
	}
}

func (r *Room) sendSnapshot(p *Player) {
	ctx, cancel := opContext()
	defer cancel()

	s, err := r.engine.State(ctx, r.ID)
	if err != nil {
		sendError(p, "snapshot", err)
		return
	}
	r.observe(s)
	r.mu.RLock()
	s = r.state
	r.mu.RUnlock()
	p.sendWS(TypeGameState, s.ViewFor(p.ID))

	msgs, err := r.engine.Messages().Recent(ctx, r.ID, 0)
	if err != nil {
		sendError(p, "snapshot", err)
		return
	}
	out := make([]messagePayload, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, newMessagePayload(m))
	}
	p.sendWS(TypeMessages, out)
}

func (r *Room) resync() {
	for _, p := range r.snapshotPlayers() {
		r.sendSnapshot(p)
	}
}

func (r *Room) isDrawer(player string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.IsDrawer(player)
}

// handle runs on the sender's read pump. Results reach every viewer through
// the hub; only failures and hints go straight back to the sender.
func (r *Room) handle(p *Player, msg WSMessage) {
	ctx, cancel := opContext()
	defer cancel()

	var err error
	switch msg.Type {
	case TypeJoin:
		_, err = r.engine.Join(ctx, r.ID, p.ID)

	case TypeLeave:
		_, err = r.engine.Leave(ctx, r.ID, p.ID)

	case TypeGuess:
		err = r.handleGuess(ctx, p, msg)

	case TypeSkip:
		var payload skipPayload
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &payload); err != nil {
				sendError(p, msg.Type, &game.Error{Kind: game.KindInvalidInput, Op: msg.Type, Msg: "invalid skip payload"})
				return
			}
		}
		_, err = r.engine.RequestSkip(ctx, r.ID, p.ID, payload.Round)

	case TypeDrawing:
		var payload drawingPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			sendError(p, msg.Type, &game.Error{Kind: game.KindInvalidInput, Op: msg.Type, Msg: "invalid drawing payload"})
			return
		}
		_, err = r.engine.UpdateDrawingSurface(ctx, r.ID, p.ID, payload.Strokes)

	case TypeStroke:
		_, err = r.engine.AppendStroke(ctx, r.ID, p.ID, msg.Data)

	case TypeUndo:
		_, err = r.engine.UndoStroke(ctx, r.ID, p.ID)

	case TypeClear:
		_, err = r.engine.ClearDrawing(ctx, r.ID, p.ID)

	case TypeDrawPoint:
		// live pointer data is relayed as received and never stored
		if !r.isDrawer(p.ID) {
			err = &game.Error{Kind: game.KindInvalidRole, Op: msg.Type, Msg: "only the drawer can draw"}
			break
		}
		raw, encErr := json.Marshal(msg)
		if encErr != nil {
			return
		}
		r.broadcastExcept(p, raw)

	default:
		log.Debug().Str("player", p.ID).Str("type", msg.Type).Msg("unknown message type")
		err = &game.Error{Kind: game.KindInvalidInput, Op: msg.Type, Msg: "unknown message type"}
	}

	if err != nil {
		sendError(p, msg.Type, err)
	}
}

func (r *Room) handleGuess(ctx context.Context, p *Player, msg WSMessage) error {
	if !p.limiter.Allow() {
		return &game.Error{Kind: game.KindInvalidInput, Op: "guess", Msg: "too many guesses, slow down"}
	}

	var payload guessPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		return &game.Error{Kind: game.KindInvalidInput, Op: "guess", Msg: "invalid guess payload"}
	}
	text := payload.Guess
	if text == "" {
		text = payload.Message
	}

	res, err := r.engine.SubmitGuess(ctx, r.ID, p.ID, text)
	if err != nil {
		return err
	}

	if res.Outcome == game.GuessIncorrect && res.State.Word != "" {
		guess := strings.ToLower(strings.TrimSpace(text))
		dist := levenshtein.ComputeDistance(guess, strings.ToLower(res.State.Word))
		if dist > 0 && dist <= closeGuessDistance {
			p.sendWS(TypeCloseGuess, closeGuessPayload{PlayerID: p.ID, EditDistance: dist, Message: text})
		}
	}
	return nil
}

func sendError(p *Player, op string, err error) {
	kind := game.KindOf(err)
	var ge *game.Error
	msg := err.Error()
	if errors.As(err, &ge) && ge.Msg != "" {
		msg = ge.Msg
	}
	if kind == game.KindUnavailable || kind == game.KindUnknown {
		log.Error().Err(err).Str("player", p.ID).Str("op", op).Msg("action failed")
	}
	p.sendWS(TypeError, errorPayload{Op: op, Kind: kind.String(), Message: msg})
}
