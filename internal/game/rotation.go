package game

import "encoding/json"

type AdvanceReason string

const (
	ReasonCorrectGuess AdvanceReason = "correct_guess"
	ReasonSkip         AdvanceReason = "skip"
)

// advance hands the drawing role to the next player and starts a new round.
func advance(s GameState, words WordSource) GameState {
	if len(s.Players) == 0 {
		return idle(s.Clone())
	}
	next := s.Clone()
	next.DrawerIndex = (s.DrawerIndex + 1) % len(s.Players)
	return startRound(next, words)
}

// repair brings an out-of-range drawer index back to 0 and starts a new round
// for whoever is now first in the roster.
func repair(s GameState, words WordSource) GameState {
	if len(s.Players) == 0 {
		return idle(s)
	}
	if s.DrawerIndex >= 0 && s.DrawerIndex < len(s.Players) {
		return s
	}
	s.DrawerIndex = 0
	return startRound(s, words)
}

func startRound(s GameState, words WordSource) GameState {
	s.Word = words.Next(s.Word)
	s.Drawing = []json.RawMessage{}
	s.Round++
	return s
}

func idle(s GameState) GameState {
	s.Word = ""
	s.Drawing = []json.RawMessage{}
	s.DrawerIndex = 0
	return s
}
