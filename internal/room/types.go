package room

import (
	"encoding/json"

	"github.com/brenelz/pictionary/internal/game"
)

type WSMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// inbound
const (
	TypeJoin      = "join"
	TypeLeave     = "leave"
	TypeGuess     = "guess"
	TypeSkip      = "skip"
	TypeDrawing   = "drawing"
	TypeStroke    = "stroke"
	TypeUndo      = "undo"
	TypeClear     = "clear"
	TypeDrawPoint = "draw_point"
)

// outbound
const (
	TypeGameState  = "game_state"
	TypeMessage    = "message"
	TypeMessages   = "messages"
	TypeCloseGuess = "close_guess"
	TypeError      = "error"
)

type guessPayload struct {
	Guess   string `json:"guess"`
	Message string `json:"message"`
}

type skipPayload struct {
	Round uint64 `json:"round"`
}

type drawingPayload struct {
	Strokes []json.RawMessage `json:"strokes"`
}

type messagePayload struct {
	game.Message
	Display string `json:"display"`
}

type closeGuessPayload struct {
	PlayerID     string `json:"playerId"`
	EditDistance int    `json:"editDistance"`
	Message      string `json:"message"`
}

type errorPayload struct {
	Op      string `json:"op"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func newMessagePayload(m game.Message) messagePayload {
	return messagePayload{Message: m, Display: m.Display()}
}

func encode(msgType string, data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(WSMessage{Type: msgType, Data: payload})
}
