package game

import (
	"encoding/json"
	"strings"
	"time"
)

// MinPlayers is the roster size needed before guesses count.
const MinPlayers = 2

type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseWaiting Phase = "waiting"
	PhaseActive  Phase = "active"
)

// GameState is the authoritative record of one session. Values are snapshots:
// mutators work on a Clone and commit it through Store.Apply.
type GameState struct {
	SessionID   string            `json:"sessionId"`
	Word        string            `json:"word"`
	Drawing     []json.RawMessage `json:"drawing"`
	Players     []string          `json:"players"`
	DrawerIndex int               `json:"currentDrawer"`
	Round       uint64            `json:"round"`
	Version     uint64            `json:"version"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// NewGameState returns the initial record for a session: empty roster, no word.
func NewGameState(sessionID string) GameState {
	return GameState{
		SessionID: sessionID,
		Drawing:   []json.RawMessage{},
		Players:   []string{},
	}
}

func (s GameState) Clone() GameState {
	c := s
	c.Players = append([]string{}, s.Players...)
	c.Drawing = make([]json.RawMessage, len(s.Drawing))
	for i, stroke := range s.Drawing {
		c.Drawing[i] = append(json.RawMessage(nil), stroke...)
	}
	return c
}

func (s GameState) Phase() Phase {
	switch {
	case len(s.Players) == 0:
		return PhaseIdle
	case len(s.Players) < MinPlayers || s.Word == "":
		return PhaseWaiting
	default:
		return PhaseActive
	}
}

// Drawer returns players[DrawerIndex]. ok is false for an empty roster or an
// index that a committed state should never carry.
func (s GameState) Drawer() (string, bool) {
	if len(s.Players) == 0 || s.DrawerIndex < 0 || s.DrawerIndex >= len(s.Players) {
		return "", false
	}
	return s.Players[s.DrawerIndex], true
}

func (s GameState) IsDrawer(player string) bool {
	d, ok := s.Drawer()
	return ok && d == player
}

func (s GameState) HasPlayer(player string) bool {
	return s.indexOf(player) >= 0
}

func (s GameState) indexOf(player string) int {
	for i, p := range s.Players {
		if p == player {
			return i
		}
	}
	return -1
}

// View is the per-viewer projection of a GameState. Only the drawer sees the word.
type View struct {
	SessionID string            `json:"sessionId"`
	Phase     Phase             `json:"phase"`
	Players   []string          `json:"players"`
	DrawerID  string            `json:"drawerId"`
	Word      string            `json:"word,omitempty"`
	WordMask  string            `json:"wordMask"`
	Drawing   []json.RawMessage `json:"drawing"`
	Round     uint64            `json:"round"`
	Version   uint64            `json:"version"`
}

func (s GameState) ViewFor(viewer string) View {
	drawer, _ := s.Drawer()
	v := View{
		SessionID: s.SessionID,
		Phase:     s.Phase(),
		Players:   append([]string{}, s.Players...),
		DrawerID:  drawer,
		WordMask:  MaskWord(s.Word),
		Drawing:   s.Drawing,
		Round:     s.Round,
		Version:   s.Version,
	}
	if viewer != "" && viewer == drawer {
		v.Word = s.Word
	}
	if v.Drawing == nil {
		v.Drawing = []json.RawMessage{}
	}
	return v
}

// MaskWord hides letters and keeps spaces so guessers can see word lengths.
func MaskWord(word string) string {
	var b strings.Builder
	for _, r := range word {
		if r == ' ' {
			b.WriteRune(' ')
			continue
		}
		b.WriteRune('_')
	}
	return b.String()
}
