package game

import "context"

// Credit is a score increment committed together with a state update.
type Credit struct {
	Player string
	Delta  int
}

// Update is the payload of a conditional write. State is the complete next
// record; the store assigns its Version.
type Update struct {
	State  GameState
	Credit *Credit
}

// Store holds GameState records. Apply commits only when the live version
// equals observed and returns ErrConflict otherwise.
type Store interface {
	Create(ctx context.Context, sessionID string) (GameState, error)
	Read(ctx context.Context, sessionID string) (GameState, error)
	Apply(ctx context.Context, sessionID string, observed uint64, u Update) (GameState, error)
}

// MessageStore persists chat and guess entries. AppendMessage assigns ID and
// keeps IDs increasing per session.
type MessageStore interface {
	AppendMessage(ctx context.Context, m Message) (Message, error)
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]Message, error)
}

// ProfileStore persists player profiles keyed by handle.
type ProfileStore interface {
	EnsureProfile(ctx context.Context, handle string) (PlayerProfile, error)
	Profile(ctx context.Context, handle string) (PlayerProfile, error)
	Credit(ctx context.Context, handle string, delta int) (PlayerProfile, error)
	Ranked(ctx context.Context, limit int) ([]PlayerProfile, error)
}

// Backend is implemented by every store package.
type Backend interface {
	Store
	MessageStore
	ProfileStore
	Close() error
}

// Broadcaster propagates committed records to observers.
type Broadcaster interface {
	PublishState(ctx context.Context, s GameState) error
	PublishMessage(ctx context.Context, m Message) error
}
