package game

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultMessageWindow is the number of recent entries delivered to viewers.
const DefaultMessageWindow = 15

type Outcome string

const (
	OutcomePlain     Outcome = "plain"
	OutcomeCorrect   Outcome = "correct"
	OutcomeIncorrect Outcome = "incorrect"
)

type Message struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"sessionId"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	Outcome   Outcome   `json:"outcome"`
	Timestamp time.Time `json:"timestamp"`
}

// Display renders the text with its outcome marker.
func (m Message) Display() string {
	switch m.Outcome {
	case OutcomeCorrect:
		return "✅ " + m.Text
	case OutcomeIncorrect:
		return "❌ " + m.Text
	default:
		return m.Text
	}
}

// MessageLedger is the append-only log of guesses and chat.
type MessageLedger struct {
	store  MessageStore
	hub    Broadcaster
	window int
	now    func() time.Time
}

func NewMessageLedger(store MessageStore, hub Broadcaster, window int) *MessageLedger {
	if window <= 0 {
		window = DefaultMessageWindow
	}
	return &MessageLedger{store: store, hub: hub, window: window, now: time.Now}
}

func (l *MessageLedger) Window() int { return l.window }

func (l *MessageLedger) Append(ctx context.Context, sessionID, author, text string, outcome Outcome) (Message, error) {
	m, err := l.store.AppendMessage(ctx, Message{
		SessionID: sessionID,
		Author:    author,
		Text:      text,
		Outcome:   outcome,
		Timestamp: l.now().UTC(),
	})
	if err != nil {
		return Message{}, Unavailable("append message", err)
	}

	if l.hub != nil {
		if err := l.hub.PublishMessage(ctx, m); err != nil {
			log.Warn().Err(err).Str("session", sessionID).Int64("message", m.ID).Msg("message committed but not broadcast")
		}
	}
	return m, nil
}

// Recent returns at most limit entries, newest first. limit is capped at the window.
func (l *MessageLedger) Recent(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 || limit > l.window {
		limit = l.window
	}
	msgs, err := l.store.RecentMessages(ctx, sessionID, limit)
	if err != nil {
		return nil, Unavailable("recent messages", err)
	}
	return msgs, nil
}
