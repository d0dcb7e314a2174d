package redisstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brenelz/pictionary/internal/game"
	"github.com/brenelz/pictionary/internal/store/storetest"
)

func open(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	return New(NewPool(Settings{Address: mr.Addr()})), mr
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) game.Backend {
		s, _ := open(t)
		return s
	})
}

func TestKeys(t *testing.T) {
	ctx := context.Background()
	s, mr := open(t)
	defer s.Close()

	_, err := s.Create(ctx, "abc")
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, game.Message{SessionID: "abc", Author: "a", Text: "hi"})
	require.NoError(t, err)
	_, err = s.Credit(ctx, "a@example.com", 2)
	require.NoError(t, err)

	assert.True(t, mr.Exists("pictionary:session:abc"))
	assert.True(t, mr.Exists("pictionary:session:abc:messages"))
	assert.True(t, mr.Exists("pictionary:profile:a@example.com"))

	score, err := mr.ZScore("pictionary:scores", "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, float64(2), score)

	seq, err := mr.Get(fmt.Sprintf(keyMessagesSeq, "abc"))
	require.NoError(t, err)
	assert.Equal(t, "1", seq)
}

func TestUnavailable(t *testing.T) {
	ctx := context.Background()
	s, mr := open(t)
	defer s.Close()
	mr.Close()

	_, err := s.Read(ctx, "abc")
	require.Error(t, err)
	assert.Equal(t, game.KindUnknown, game.KindOf(err), "raw backend failures are wrapped by the engine")
	assert.ErrorIs(t, game.Unavailable("read", err), game.ErrUnavailable)
}

func TestApplyAfterConflictReusesConnection(t *testing.T) {
	ctx := context.Background()
	s, _ := open(t)
	defer s.Close()

	st, err := s.Create(ctx, "abc")
	require.NoError(t, err)
	_, err = s.Apply(ctx, "abc", st.Version+7, game.Update{State: st})
	require.ErrorIs(t, err, game.ErrConflict)

	// the conflicting call returned its connection; this one reuses it
	next, err := s.Apply(ctx, "abc", st.Version, game.Update{State: st})
	require.NoError(t, err)
	assert.Equal(t, st.Version+1, next.Version)
	assert.Equal(t, 1, s.pool.ActiveCount())
}
