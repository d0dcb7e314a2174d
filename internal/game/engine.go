package game

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/brenelz/pictionary/pkg/utils"
)

// DefaultMaxRetries bounds how often a mutation is recomputed after losing a
// conditional update.
const DefaultMaxRetries = 5

type GuessOutcome string

const (
	GuessCorrect   GuessOutcome = "correct"
	GuessIncorrect GuessOutcome = "incorrect"
	// GuessTooLate is a guess that matched a word which was replaced before
	// the guess could commit. It is recorded as incorrect and never credited.
	GuessTooLate GuessOutcome = "too_late"
)

type GuessResult struct {
	Outcome GuessOutcome
	Message Message
	State   GameState
}

type SkipResult struct {
	Advanced bool
	State    GameState
}

type Options struct {
	Store      Store
	Messages   MessageStore
	Profiles   ProfileStore
	Words      WordSource
	Hub        Broadcaster
	MaxRetries int
	Window     int
}

// Engine runs the turn rotation state machine. It keeps no session state of
// its own: every operation reads a snapshot, computes the next state and
// commits it with a conditional update, retrying on conflict.
type Engine struct {
	store    Store
	profiles ProfileStore
	words    WordSource
	hub      Broadcaster
	retries  int

	messages *MessageLedger
	scores   *ScoreLedger
}

func NewEngine(o Options) *Engine {
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	return &Engine{
		store:    o.Store,
		profiles: o.Profiles,
		words:    o.Words,
		hub:      o.Hub,
		retries:  o.MaxRetries,
		messages: NewMessageLedger(o.Messages, o.Hub, o.Window),
		scores:   NewScoreLedger(o.Profiles),
	}
}

func (e *Engine) Messages() *MessageLedger { return e.messages }
func (e *Engine) Scores() *ScoreLedger     { return e.scores }

// CreateSession stores a fresh record. An empty id gets a generated one.
func (e *Engine) CreateSession(ctx context.Context, sessionID string) (GameState, error) {
	if sessionID == "" {
		sessionID = utils.GenShortID()
	}
	s, err := e.store.Create(ctx, sessionID)
	if err != nil {
		return GameState{}, Unavailable("create session", err)
	}
	log.Info().Str("session", sessionID).Msg("session created")
	return s, nil
}

func (e *Engine) State(ctx context.Context, sessionID string) (GameState, error) {
	s, err := e.store.Read(ctx, sessionID)
	if err != nil {
		return GameState{}, Unavailable("read session", err)
	}
	return s, nil
}

func (e *Engine) Join(ctx context.Context, sessionID, player string) (GameState, error) {
	if err := validPlayer("join", player); err != nil {
		return GameState{}, err
	}
	if _, err := e.State(ctx, sessionID); err != nil {
		return GameState{}, err
	}
	if _, err := e.profiles.EnsureProfile(ctx, player); err != nil {
		return GameState{}, Unavailable("join", err)
	}

	s, _, err := e.mutate(ctx, "join", sessionID, func(s GameState) (Update, bool, error) {
		next, changed := join(s, player, e.words)
		return Update{State: next}, changed, nil
	})
	if err == nil {
		log.Info().Str("session", sessionID).Str("player", player).Int("players", len(s.Players)).Msg("player joined")
	}
	return s, err
}

func (e *Engine) Leave(ctx context.Context, sessionID, player string) (GameState, error) {
	if err := validPlayer("leave", player); err != nil {
		return GameState{}, err
	}
	s, _, err := e.mutate(ctx, "leave", sessionID, func(s GameState) (Update, bool, error) {
		next, changed := leave(s, player, e.words)
		return Update{State: next}, changed, nil
	})
	if err == nil {
		log.Info().Str("session", sessionID).Str("player", player).Int("players", len(s.Players)).Msg("player left")
	}
	return s, err
}

// SubmitGuess evaluates text against the current word. A match credits the
// guesser and advances the turn in one conditional update.
func (e *Engine) SubmitGuess(ctx context.Context, sessionID, player, text string) (GuessResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return GuessResult{}, newError(KindInvalidInput, "guess", "empty guess")
	}
	if err := validPlayer("guess", player); err != nil {
		return GuessResult{}, err
	}

	var matched, won bool
	s, committed, err := e.mutate(ctx, "guess", sessionID, func(s GameState) (Update, bool, error) {
		if err := canGuess(s, player); err != nil {
			if matched {
				// the winning advance may have made this player the drawer
				won = false
				return Update{}, false, nil
			}
			return Update{}, false, err
		}
		if text != s.Word {
			won = false
			return Update{}, false, nil
		}
		matched, won = true, true
		return Update{
			State:  advance(s, e.words),
			Credit: &Credit{Player: player, Delta: 1},
		}, true, nil
	})
	if err != nil {
		return GuessResult{}, err
	}

	res := GuessResult{State: s, Outcome: GuessIncorrect}
	outcome := OutcomeIncorrect
	switch {
	case committed && won:
		res.Outcome = GuessCorrect
		outcome = OutcomeCorrect
		log.Info().Str("session", sessionID).Str("player", player).Str("reason", string(ReasonCorrectGuess)).Uint64("round", s.Round).Msg("turn advanced")
	case matched:
		res.Outcome = GuessTooLate
		log.Debug().Str("session", sessionID).Str("player", player).Msg("guess matched a word that was already replaced")
	}

	m, err := e.messages.Append(ctx, sessionID, player, text, outcome)
	if err != nil {
		if res.Outcome == GuessCorrect {
			// the credit and advance are committed; the guesser still won
			log.Error().Err(err).Str("session", sessionID).Str("player", player).Msg("correct guess not recorded in the message ledger")
			return res, nil
		}
		return res, err
	}
	res.Message = m
	return res, nil
}

// RequestSkip ends the active round without scoring. round pins the request to
// the round the caller observed; 0 means whatever round is current. A pinned
// request for a round that already ended reports Advanced == false.
func (e *Engine) RequestSkip(ctx context.Context, sessionID, player string, round uint64) (SkipResult, error) {
	if err := validPlayer("skip", player); err != nil {
		return SkipResult{}, err
	}
	s, committed, err := e.mutate(ctx, "skip", sessionID, func(s GameState) (Update, bool, error) {
		if !s.HasPlayer(player) {
			return Update{}, false, newError(KindInvalidRole, "skip", "%s is not in session %s", player, sessionID)
		}
		if round != 0 && round != s.Round {
			return Update{}, false, nil
		}
		if s.Phase() != PhaseActive {
			return Update{}, false, newError(KindInvalidRole, "skip", "no active round")
		}
		return Update{State: advance(s, e.words)}, true, nil
	})
	if err != nil {
		return SkipResult{}, err
	}
	if committed {
		log.Info().Str("session", sessionID).Str("player", player).Str("reason", string(ReasonSkip)).Uint64("round", s.Round).Msg("turn advanced")
	}
	return SkipResult{Advanced: committed, State: s}, nil
}

// UpdateDrawingSurface replaces the drawing with payload.
func (e *Engine) UpdateDrawingSurface(ctx context.Context, sessionID, player string, payload []json.RawMessage) (GameState, error) {
	for _, stroke := range payload {
		if !json.Valid(stroke) {
			return GameState{}, newError(KindInvalidInput, "drawing", "stroke is not valid JSON")
		}
	}
	return e.draw(ctx, "drawing", sessionID, player, func(s *GameState) bool {
		s.Drawing = make([]json.RawMessage, len(payload))
		copy(s.Drawing, payload)
		return true
	})
}

func (e *Engine) AppendStroke(ctx context.Context, sessionID, player string, stroke json.RawMessage) (GameState, error) {
	if len(stroke) == 0 || !json.Valid(stroke) {
		return GameState{}, newError(KindInvalidInput, "stroke", "stroke is not valid JSON")
	}
	return e.draw(ctx, "stroke", sessionID, player, func(s *GameState) bool {
		s.Drawing = append(s.Drawing, stroke)
		return true
	})
}

func (e *Engine) UndoStroke(ctx context.Context, sessionID, player string) (GameState, error) {
	return e.draw(ctx, "undo", sessionID, player, func(s *GameState) bool {
		if len(s.Drawing) == 0 {
			return false
		}
		s.Drawing = s.Drawing[:len(s.Drawing)-1]
		return true
	})
}

func (e *Engine) ClearDrawing(ctx context.Context, sessionID, player string) (GameState, error) {
	return e.draw(ctx, "clear", sessionID, player, func(s *GameState) bool {
		if len(s.Drawing) == 0 {
			return false
		}
		s.Drawing = []json.RawMessage{}
		return true
	})
}

func (e *Engine) draw(ctx context.Context, op, sessionID, player string, edit func(*GameState) bool) (GameState, error) {
	s, _, err := e.mutate(ctx, op, sessionID, func(s GameState) (Update, bool, error) {
		if !s.IsDrawer(player) {
			return Update{}, false, newError(KindInvalidRole, op, "%s is not the drawer", player)
		}
		next := s.Clone()
		if !edit(&next) {
			return Update{}, false, nil
		}
		return Update{State: next}, true, nil
	})
	return s, err
}

// mutate reads the session, lets compute decide on an update and submits it
// conditionally. Conflicts re-run compute against a fresh read, at most
// e.retries times. committed reports whether an update was written.
func (e *Engine) mutate(
	ctx context.Context,
	op, sessionID string,
	compute func(GameState) (Update, bool, error),
) (s GameState, committed bool, err error) {
	for attempt := 0; attempt < e.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return GameState{}, false, &Error{Kind: KindTransient, Op: op, Err: err}
		}

		s, err = e.store.Read(ctx, sessionID)
		if err != nil {
			return GameState{}, false, Unavailable(op, err)
		}

		u, apply, err := compute(s)
		if err != nil {
			return s, false, err
		}
		if !apply {
			return s, false, nil
		}

		next, err := e.store.Apply(ctx, sessionID, s.Version, u)
		if errors.Is(err, ErrConflict) {
			log.Debug().Str("session", sessionID).Str("op", op).Int("attempt", attempt+1).Msg("conditional update lost, retrying")
			continue
		}
		if err != nil {
			return s, false, Unavailable(op, err)
		}

		e.publish(ctx, next)
		return next, true, nil
	}
	return GameState{}, false, newError(KindTransient, op, "gave up after %d conflicting updates", e.retries)
}

func (e *Engine) publish(ctx context.Context, s GameState) {
	if e.hub == nil {
		return
	}
	if err := e.hub.PublishState(ctx, s); err != nil {
		log.Warn().Err(err).Str("session", s.SessionID).Uint64("version", s.Version).Msg("state committed but not broadcast")
	}
}

func canGuess(s GameState, player string) error {
	if !s.HasPlayer(player) {
		return newError(KindInvalidRole, "guess", "%s is not in session %s", player, s.SessionID)
	}
	if s.Phase() != PhaseActive {
		return newError(KindInvalidRole, "guess", "no active round")
	}
	if s.IsDrawer(player) {
		return newError(KindInvalidRole, "guess", "the drawer cannot guess")
	}
	return nil
}

func validPlayer(op, player string) error {
	if strings.TrimSpace(player) == "" {
		return newError(KindInvalidInput, op, "empty player id")
	}
	return nil
}
