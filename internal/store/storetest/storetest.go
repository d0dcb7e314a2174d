// Package storetest holds the behaviour every game.Backend must share.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brenelz/pictionary/internal/game"
)

// Run exercises a fresh backend from open in every subtest.
func Run(t *testing.T, open func(t *testing.T) game.Backend) {
	tests := []struct {
		name string
		fn   func(t *testing.T, b game.Backend)
	}{
		{"CreateAndRead", testCreateAndRead},
		{"ReadMissing", testReadMissing},
		{"ApplyBumpsVersion", testApplyBumpsVersion},
		{"ApplyConflict", testApplyConflict},
		{"ApplyMissing", testApplyMissing},
		{"ApplyCreditsAtomically", testApplyCredit},
		{"ConcurrentApplyOneWinner", testConcurrentApply},
		{"MessagesNewestFirst", testMessages},
		{"MessagesPerSession", testMessagesPerSession},
		{"ConcurrentAppends", testConcurrentAppends},
		{"Profiles", testProfiles},
		{"Ranked", testRanked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := open(t)
			t.Cleanup(func() { b.Close() })
			tt.fn(t, b)
		})
	}
}

func testCreateAndRead(t *testing.T, b game.Backend) {
	ctx := context.Background()
	s, err := b.Create(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", s.SessionID)
	assert.Equal(t, uint64(0), s.Version)
	assert.Equal(t, game.PhaseIdle, s.Phase())

	got, err := b.Read(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.SessionID)
	assert.Empty(t, got.Players)
	assert.Empty(t, got.Drawing)

	// creating again keeps the existing record
	next := got.Clone()
	next.Players = []string{"a"}
	_, err = b.Apply(ctx, "s1", got.Version, game.Update{State: next})
	require.NoError(t, err)
	again, err := b.Create(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, again.Players)
}

func testReadMissing(t *testing.T, b game.Backend) {
	_, err := b.Read(context.Background(), "missing")
	assert.ErrorIs(t, err, game.ErrNotFound)
}

func testApplyBumpsVersion(t *testing.T, b game.Backend) {
	ctx := context.Background()
	s, err := b.Create(ctx, "s1")
	require.NoError(t, err)

	next := s.Clone()
	next.Players = []string{"a", "b"}
	next.Word = "apple"
	next.Round = 1
	next.DrawerIndex = 1
	next.Drawing = []json.RawMessage{json.RawMessage(`{"x":1,"y":2}`)}

	got, err := b.Apply(ctx, "s1", s.Version, game.Update{State: next})
	require.NoError(t, err)
	assert.Equal(t, s.Version+1, got.Version)

	read, err := b.Read(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, got.Version, read.Version)
	assert.Equal(t, []string{"a", "b"}, read.Players)
	assert.Equal(t, "apple", read.Word)
	assert.Equal(t, 1, read.DrawerIndex)
	assert.Equal(t, uint64(1), read.Round)
	require.Len(t, read.Drawing, 1)
	assert.JSONEq(t, `{"x":1,"y":2}`, string(read.Drawing[0]))
}

func testApplyConflict(t *testing.T, b game.Backend) {
	ctx := context.Background()
	s, err := b.Create(ctx, "s1")
	require.NoError(t, err)

	first := s.Clone()
	first.Players = []string{"a"}
	_, err = b.Apply(ctx, "s1", s.Version, game.Update{State: first})
	require.NoError(t, err)

	stale := s.Clone()
	stale.Players = []string{"b"}
	_, err = b.Apply(ctx, "s1", s.Version, game.Update{
		State:  stale,
		Credit: &game.Credit{Player: "b", Delta: 1},
	})
	assert.ErrorIs(t, err, game.ErrConflict)

	read, err := b.Read(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, read.Players)

	// a rejected update credits nobody
	_, err = b.Profile(ctx, "b")
	assert.ErrorIs(t, err, game.ErrNotFound)
}

func testApplyMissing(t *testing.T, b game.Backend) {
	_, err := b.Apply(context.Background(), "missing", 0, game.Update{State: game.NewGameState("missing")})
	assert.Error(t, err)
	assert.True(t, game.KindOf(err) == game.KindNotFound || game.KindOf(err) == game.KindConflict)
}

func testApplyCredit(t *testing.T, b game.Backend) {
	ctx := context.Background()
	s, err := b.Create(ctx, "s1")
	require.NoError(t, err)

	next := s.Clone()
	next.Round = 2
	_, err = b.Apply(ctx, "s1", s.Version, game.Update{
		State:  next,
		Credit: &game.Credit{Player: "alice@example.com", Delta: 1},
	})
	require.NoError(t, err)

	p, err := b.Profile(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Score)
	assert.NotEmpty(t, p.ID)
}

func testConcurrentApply(t *testing.T, b game.Backend) {
	ctx := context.Background()
	s, err := b.Create(ctx, "s1")
	require.NoError(t, err)

	const writers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := s.Clone()
			next.Players = []string{fmt.Sprintf("p%d", i)}
			_, err := b.Apply(ctx, "s1", s.Version, game.Update{
				State:  next,
				Credit: &game.Credit{Player: "winner", Delta: 1},
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, game.ErrConflict)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	p, err := b.Profile(ctx, "winner")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Score)

	read, err := b.Read(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, s.Version+1, read.Version)
}

func testMessages(t *testing.T, b game.Backend) {
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		m, err := b.AppendMessage(ctx, game.Message{
			SessionID: "s1",
			Author:    "a",
			Text:      fmt.Sprintf("m%d", i),
			Outcome:   game.OutcomeIncorrect,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(i), m.ID)
	}

	msgs, err := b.RecentMessages(ctx, "s1", 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "m5", msgs[0].Text)
	assert.Equal(t, "m3", msgs[2].Text)
	assert.Equal(t, game.OutcomeIncorrect, msgs[0].Outcome)
	assert.Equal(t, "a", msgs[0].Author)

	all, err := b.RecentMessages(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func testConcurrentAppends(t *testing.T, b game.Backend) {
	ctx := context.Background()
	const writers, each = 8, 5

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				_, err := b.AppendMessage(ctx, game.Message{
					SessionID: "s1",
					Author:    fmt.Sprintf("p%d", w),
					Text:      fmt.Sprintf("m%d-%d", w, i),
				})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	msgs, err := b.RecentMessages(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, writers*each)

	// ids are dense and strictly decreasing: nothing repeated, nothing skipped
	texts := make(map[string]bool)
	for i, m := range msgs {
		assert.Equal(t, int64(writers*each-i), m.ID)
		assert.False(t, texts[m.Text], "duplicate entry %s", m.Text)
		texts[m.Text] = true
	}
}

func testMessagesPerSession(t *testing.T, b game.Backend) {
	ctx := context.Background()
	_, err := b.AppendMessage(ctx, game.Message{SessionID: "s1", Author: "a", Text: "one"})
	require.NoError(t, err)
	m, err := b.AppendMessage(ctx, game.Message{SessionID: "s2", Author: "b", Text: "two"})
	require.NoError(t, err)
	assert.Equal(t, "s2", m.SessionID)

	msgs, err := b.RecentMessages(ctx, "s2", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "two", msgs[0].Text)

	none, err := b.RecentMessages(ctx, "s3", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testProfiles(t *testing.T, b game.Backend) {
	ctx := context.Background()
	p, err := b.EnsureProfile(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", p.Handle)
	assert.Equal(t, 0, p.Score)

	again, err := b.EnsureProfile(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, p.ID, again.ID)

	p, err = b.Credit(ctx, "bob", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Score)
	assert.Equal(t, again.ID, p.ID)

	// crediting creates missing profiles
	p, err = b.Credit(ctx, "carol", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Score)

	got, err := b.Profile(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Score)
}

func testRanked(t *testing.T, b game.Backend) {
	ctx := context.Background()
	for handle, score := range map[string]int{"dave": 1, "alice": 4, "bob": 4, "erin": 0} {
		_, err := b.Credit(ctx, handle, score)
		require.NoError(t, err)
	}

	ps, err := b.Ranked(ctx, 3)
	require.NoError(t, err)
	require.Len(t, ps, 3)
	assert.Equal(t, "alice", ps[0].Handle)
	assert.Equal(t, "bob", ps[1].Handle)
	assert.Equal(t, "dave", ps[2].Handle)

	all, err := b.Ranked(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}
