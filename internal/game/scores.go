package game

import (
	"context"
	"sort"
	"strings"
)

// PlayerProfile is the durable per-player record. Handle is the identifier the
// identity provider supplies (usually an email).
type PlayerProfile struct {
	ID     string `json:"id"`
	Handle string `json:"email"`
	Score  int    `json:"score"`
}

type ScoreLedger struct {
	profiles ProfileStore
}

func NewScoreLedger(profiles ProfileStore) *ScoreLedger {
	return &ScoreLedger{profiles: profiles}
}

// Credit adds delta outside of a turn advance. Credits for winning guesses are
// committed by the engine together with the advance instead.
func (l *ScoreLedger) Credit(ctx context.Context, handle string, delta int) (PlayerProfile, error) {
	if strings.TrimSpace(handle) == "" {
		return PlayerProfile{}, newError(KindInvalidInput, "credit", "empty player")
	}
	if delta < 0 {
		return PlayerProfile{}, newError(KindInvalidInput, "credit", "negative delta %d", delta)
	}
	p, err := l.profiles.Credit(ctx, handle, delta)
	if err != nil {
		return PlayerProfile{}, Unavailable("credit", err)
	}
	return p, nil
}

func (l *ScoreLedger) Read(ctx context.Context, handle string) (int, error) {
	p, err := l.Profile(ctx, handle)
	if err != nil {
		return 0, err
	}
	return p.Score, nil
}

func (l *ScoreLedger) Profile(ctx context.Context, handle string) (PlayerProfile, error) {
	p, err := l.profiles.Profile(ctx, handle)
	if err != nil {
		return PlayerProfile{}, Unavailable("read score", err)
	}
	return p, nil
}

func (l *ScoreLedger) Ranked(ctx context.Context, limit int) ([]PlayerProfile, error) {
	ps, err := l.profiles.Ranked(ctx, limit)
	if err != nil {
		return nil, Unavailable("ranked", err)
	}
	return ps, nil
}

// SortRanked orders profiles by score descending, then handle ascending, and
// truncates to limit when limit > 0. Stores use it so ties are deterministic.
func SortRanked(ps []PlayerProfile, limit int) []PlayerProfile {
	sort.SliceStable(ps, func(i, j int) bool {
		if ps[i].Score != ps[j].Score {
			return ps[i].Score > ps[j].Score
		}
		return ps[i].Handle < ps[j].Handle
	})
	if limit > 0 && len(ps) > limit {
		ps = ps[:limit]
	}
	return ps
}
