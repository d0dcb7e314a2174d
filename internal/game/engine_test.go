package game_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/brenelz/pictionary/internal/game"
	"github.com/brenelz/pictionary/internal/store/memory"
)

type listWords []string

func (l listWords) Next(previous string) string {
	for _, w := range l {
		if w != previous {
			return w
		}
	}
	return l[0]
}

type MockBroadcaster struct {
	mock.Mock
}

func (m *MockBroadcaster) PublishState(ctx context.Context, s game.GameState) error {
	return m.Called(ctx, s).Error(0)
}

func (m *MockBroadcaster) PublishMessage(ctx context.Context, msg game.Message) error {
	return m.Called(ctx, msg).Error(0)
}

type fixture struct {
	engine *game.Engine
	store  *memory.Store
}

func newFixture(t *testing.T, hub game.Broadcaster, store game.Store) fixture {
	t.Helper()
	mem := memory.New()
	if store == nil {
		store = mem
	}
	e := game.NewEngine(game.Options{
		Store:    store,
		Messages: mem,
		Profiles: mem,
		Words:    listWords{"apple", "banana", "cherry"},
		Hub:      hub,
	})
	return fixture{engine: e, store: mem}
}

func (f fixture) session(t *testing.T, id string, players ...string) game.GameState {
	t.Helper()
	ctx := context.Background()
	s, err := f.engine.CreateSession(ctx, id)
	require.NoError(t, err)
	for _, p := range players {
		s, err = f.engine.Join(ctx, id, p)
		require.NoError(t, err)
	}
	return s
}

func (f fixture) score(t *testing.T, handle string) int {
	t.Helper()
	n, err := f.engine.Scores().Read(context.Background(), handle)
	require.NoError(t, err)
	return n
}

func TestCorrectGuessAdvances(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	s := f.session(t, "s1", "A", "B", "C")
	require.Equal(t, "apple", s.Word)
	require.Equal(t, 0, s.DrawerIndex)

	_, err := f.engine.AppendStroke(ctx, "s1", "A", json.RawMessage(`{"x":1}`))
	require.NoError(t, err)

	res, err := f.engine.SubmitGuess(ctx, "s1", "B", "apple")
	require.NoError(t, err)

	assert.Equal(t, game.GuessCorrect, res.Outcome)
	assert.Equal(t, 1, res.State.DrawerIndex)
	assert.Equal(t, "banana", res.State.Word)
	assert.Empty(t, res.State.Drawing)
	assert.Equal(t, uint64(2), res.State.Round)
	assert.Equal(t, game.OutcomeCorrect, res.Message.Outcome)
	assert.Equal(t, "✅ apple", res.Message.Display())

	assert.Equal(t, 1, f.score(t, "B"))
	assert.Equal(t, 0, f.score(t, "A"))
	assert.Equal(t, 0, f.score(t, "C"))
}

func TestIncorrectGuess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	before := f.session(t, "s1", "A", "B")

	for _, text := range []string{"pear", "Apple", "appl"} {
		res, err := f.engine.SubmitGuess(ctx, "s1", "B", text)
		require.NoError(t, err)
		assert.Equal(t, game.GuessIncorrect, res.Outcome, text)
		assert.Equal(t, "❌ "+text, res.Message.Display())
		assert.Equal(t, before.Version, res.State.Version)
	}
	assert.Equal(t, 0, f.score(t, "B"))
}

func TestGuessIsTrimmed(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.session(t, "s1", "A", "B")

	res, err := f.engine.SubmitGuess(context.Background(), "s1", "B", "  apple\n")
	require.NoError(t, err)
	assert.Equal(t, game.GuessCorrect, res.Outcome)
	assert.Equal(t, "apple", res.Message.Text)
}

func TestGuessRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	f.session(t, "s1", "A", "B")
	f.session(t, "lonely", "A")

	tests := []struct {
		name    string
		session string
		player  string
		text    string
		want    error
	}{
		{"drawer", "s1", "A", "apple", game.ErrInvalidRole},
		{"not in roster", "s1", "Z", "apple", game.ErrInvalidRole},
		{"empty text", "s1", "B", "   ", game.ErrInvalidInput},
		{"empty player", "s1", "", "apple", game.ErrInvalidInput},
		{"no active round", "lonely", "A", "apple", game.ErrInvalidRole},
		{"unknown session", "nope", "B", "apple", game.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.SubmitGuess(ctx, tt.session, tt.player, tt.text)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	msgs, err := f.engine.Messages().Recent(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs, "rejected guesses are not logged")
}

func TestConcurrentCorrectGuessesCreditOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	players := []string{"A", "B", "C", "D", "E", "F"}
	f.session(t, "s1", players...)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		correct int
	)
	for _, p := range players[1:] {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			res, err := f.engine.SubmitGuess(ctx, "s1", p, "apple")
			if err != nil {
				// the winning advance can hand this player the pen first
				assert.ErrorIs(t, err, game.ErrInvalidRole)
				return
			}
			if res.Outcome == game.GuessCorrect {
				mu.Lock()
				correct++
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()

	assert.Equal(t, 1, correct)
	total := 0
	for _, p := range players {
		total += f.score(t, p)
	}
	assert.Equal(t, 1, total)

	s, err := f.engine.State(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), s.Round)
	assert.Equal(t, 1, s.DrawerIndex)
}

// racingStore lets a competing commit land just before the first Apply.
type racingStore struct {
	game.Store
	once sync.Once
	race func()
}

func (r *racingStore) Apply(ctx context.Context, id string, observed uint64, u game.Update) (game.GameState, error) {
	r.once.Do(r.race)
	return r.Store.Apply(ctx, id, observed, u)
}

func TestGuessTooLate(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	rs := &racingStore{Store: mem}
	e := game.NewEngine(game.Options{
		Store:    rs,
		Messages: mem,
		Profiles: mem,
		Words:    listWords{"apple", "banana", "cherry"},
	})

	_, err := mem.Create(ctx, "s1")
	require.NoError(t, err)
	rs.once.Do(func() {}) // setup writes go straight through
	for _, p := range []string{"A", "B", "C", "D"} {
		_, err := e.Join(ctx, "s1", p)
		require.NoError(t, err)
	}

	rs.once = sync.Once{}
	rs.race = func() {
		// C wins on another instance
		s, err := mem.Read(ctx, "s1")
		require.NoError(t, err)
		next := s.Clone()
		next.Word = "banana"
		next.DrawerIndex = 1
		next.Round++
		_, err = mem.Apply(ctx, "s1", s.Version, game.Update{State: next, Credit: &game.Credit{Player: "C", Delta: 1}})
		require.NoError(t, err)
	}

	res, err := e.SubmitGuess(ctx, "s1", "D", "apple")
	require.NoError(t, err)

	assert.Equal(t, game.GuessTooLate, res.Outcome)
	assert.Equal(t, game.OutcomeIncorrect, res.Message.Outcome)
	assert.Equal(t, "banana", res.State.Word)

	d, err := e.Scores().Read(ctx, "D")
	require.NoError(t, err)
	assert.Equal(t, 0, d)
	c, err := e.Scores().Read(ctx, "C")
	require.NoError(t, err)
	assert.Equal(t, 1, c)
}

func TestJoin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	s := f.session(t, "s1", "A")
	assert.Equal(t, game.PhaseWaiting, s.Phase())

	again, err := f.engine.Join(ctx, "s1", "A")
	require.NoError(t, err)
	assert.Equal(t, s.Version, again.Version, "duplicate join is a no-op")
	assert.Equal(t, []string{"A"}, again.Players)

	_, err = f.engine.Join(ctx, "missing", "A")
	assert.ErrorIs(t, err, game.ErrNotFound)

	_, err = f.engine.Join(ctx, "s1", " ")
	assert.ErrorIs(t, err, game.ErrInvalidInput)

	p, err := f.engine.Scores().Profile(ctx, "A")
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, 0, p.Score)
}

func TestLeaveRepairsDrawer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	f.session(t, "s1", "A", "B")

	res, err := f.engine.RequestSkip(ctx, "s1", "A", 0)
	require.NoError(t, err)
	require.Equal(t, 1, res.State.DrawerIndex)
	word := res.State.Word

	s, err := f.engine.Leave(ctx, "s1", "A")
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, s.Players)
	assert.Equal(t, 0, s.DrawerIndex)
	assert.NotEqual(t, word, s.Word)
	assert.Equal(t, res.State.Round+1, s.Round)

	s, err = f.engine.Leave(ctx, "s1", "B")
	require.NoError(t, err)
	assert.Equal(t, game.PhaseIdle, s.Phase())

	again, err := f.engine.Leave(ctx, "s1", "B")
	require.NoError(t, err)
	assert.Equal(t, s.Version, again.Version)
}

func TestSkip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	f.session(t, "s1", "A", "B", "C")

	_, err := f.engine.RequestSkip(ctx, "s1", "B", 0)
	require.NoError(t, err)
	res, err := f.engine.RequestSkip(ctx, "s1", "B", 0)
	require.NoError(t, err)
	require.Equal(t, 2, res.State.DrawerIndex)

	_, err = f.engine.AppendStroke(ctx, "s1", "C", json.RawMessage(`[1,2]`))
	require.NoError(t, err)

	word := res.State.Word
	res, err = f.engine.RequestSkip(ctx, "s1", "C", res.State.Round)
	require.NoError(t, err)
	assert.True(t, res.Advanced)
	assert.Equal(t, 0, res.State.DrawerIndex)
	assert.NotEqual(t, word, res.State.Word)
	assert.Empty(t, res.State.Drawing)

	for _, p := range []string{"A", "B", "C"} {
		assert.Equal(t, 0, f.score(t, p), "skips never score")
	}
}

func TestSkipPinnedToRound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	s := f.session(t, "s1", "A", "B")

	first, err := f.engine.RequestSkip(ctx, "s1", "A", s.Round)
	require.NoError(t, err)
	require.True(t, first.Advanced)

	// a second client asking to skip the same round is too late
	second, err := f.engine.RequestSkip(ctx, "s1", "B", s.Round)
	require.NoError(t, err)
	assert.False(t, second.Advanced)
	assert.Equal(t, first.State.Version, second.State.Version)
}

func TestSkipRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	f.session(t, "s1", "A", "B")
	f.session(t, "lonely", "A")

	_, err := f.engine.RequestSkip(ctx, "s1", "Z", 0)
	assert.ErrorIs(t, err, game.ErrInvalidRole)

	_, err = f.engine.RequestSkip(ctx, "lonely", "A", 0)
	assert.ErrorIs(t, err, game.ErrInvalidRole)
}

func TestDrawing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	f.session(t, "s1", "A", "B")

	_, err := f.engine.AppendStroke(ctx, "s1", "B", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, game.ErrInvalidRole)

	_, err = f.engine.AppendStroke(ctx, "s1", "A", json.RawMessage(`{bad`))
	assert.ErrorIs(t, err, game.ErrInvalidInput)

	s, err := f.engine.UpdateDrawingSurface(ctx, "s1", "A", []json.RawMessage{
		json.RawMessage(`{"n":1}`),
		json.RawMessage(`{"n":2}`),
	})
	require.NoError(t, err)
	require.Len(t, s.Drawing, 2)

	s, err = f.engine.AppendStroke(ctx, "s1", "A", json.RawMessage(`{"n":3}`))
	require.NoError(t, err)
	require.Len(t, s.Drawing, 3)

	s, err = f.engine.UndoStroke(ctx, "s1", "A")
	require.NoError(t, err)
	require.Len(t, s.Drawing, 2)
	assert.JSONEq(t, `{"n":2}`, string(s.Drawing[1]))

	s, err = f.engine.ClearDrawing(ctx, "s1", "A")
	require.NoError(t, err)
	assert.Empty(t, s.Drawing)

	cleared := s.Version
	s, err = f.engine.UndoStroke(ctx, "s1", "A")
	require.NoError(t, err)
	assert.Equal(t, cleared, s.Version, "undo on an empty surface changes nothing")

	_, err = f.engine.ClearDrawing(ctx, "s1", "B")
	assert.ErrorIs(t, err, game.ErrInvalidRole)
}

// conflictingStore loses every conditional update.
type conflictingStore struct {
	game.Store
	applies int
}

func (c *conflictingStore) Apply(_ context.Context, _ string, observed uint64, _ game.Update) (game.GameState, error) {
	c.applies++
	return game.GameState{}, game.Conflict("apply", observed)
}

func TestRetriesAreBounded(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	cs := &conflictingStore{Store: mem}
	e := game.NewEngine(game.Options{
		Store:      cs,
		Messages:   mem,
		Profiles:   mem,
		Words:      listWords{"apple"},
		MaxRetries: 3,
	})
	_, err := e.CreateSession(ctx, "s1")
	require.NoError(t, err)

	_, err = e.Join(ctx, "s1", "A")
	assert.ErrorIs(t, err, game.ErrTransient)
	assert.Equal(t, 3, cs.applies)
}

func TestCancelledContext(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.session(t, "s1", "A")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.engine.Leave(ctx, "s1", "A")
	assert.ErrorIs(t, err, game.ErrTransient)
}

func TestCreateSessionGeneratesID(t *testing.T) {
	f := newFixture(t, nil, nil)
	s, err := f.engine.CreateSession(context.Background(), "")
	require.NoError(t, err)
	assert.NotEmpty(t, s.SessionID)
	assert.Equal(t, game.PhaseIdle, s.Phase())
}

func TestMessageWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	f.session(t, "s1", "A", "B")

	for i := 1; i <= 20; i++ {
		_, err := f.engine.SubmitGuess(ctx, "s1", "B", fmt.Sprintf("guess %d", i))
		require.NoError(t, err)
	}

	msgs, err := f.engine.Messages().Recent(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, game.DefaultMessageWindow)
	assert.Equal(t, "guess 20", msgs[0].Text)
	assert.Equal(t, "guess 6", msgs[len(msgs)-1].Text)
	for i := 1; i < len(msgs); i++ {
		assert.Greater(t, msgs[i-1].ID, msgs[i].ID)
	}

	msgs, err = f.engine.Messages().Recent(ctx, "s1", 3)
	require.NoError(t, err)
	assert.Len(t, msgs, 3)

	msgs, err = f.engine.Messages().Recent(ctx, "s1", 100)
	require.NoError(t, err)
	assert.Len(t, msgs, game.DefaultMessageWindow)
}

func TestPublishesCommits(t *testing.T) {
	ctx := context.Background()
	hub := &MockBroadcaster{}
	hub.On("PublishState", mock.Anything, mock.MatchedBy(func(s game.GameState) bool {
		return s.SessionID == "s1"
	})).Return(nil)
	hub.On("PublishMessage", mock.Anything, mock.MatchedBy(func(m game.Message) bool {
		return m.Author == "B" && m.Outcome == game.OutcomeCorrect
	})).Return(nil).Once()

	f := newFixture(t, hub, nil)
	f.session(t, "s1", "A", "B")
	hub.AssertNumberOfCalls(t, "PublishState", 2)

	// no-op join publishes nothing
	_, err := f.engine.Join(ctx, "s1", "A")
	require.NoError(t, err)
	hub.AssertNumberOfCalls(t, "PublishState", 2)

	_, err = f.engine.SubmitGuess(ctx, "s1", "B", "apple")
	require.NoError(t, err)
	hub.AssertNumberOfCalls(t, "PublishState", 3)
	hub.AssertExpectations(t)
}

func TestPublishFailureDoesNotFailCommit(t *testing.T) {
	ctx := context.Background()
	hub := &MockBroadcaster{}
	hub.On("PublishState", mock.Anything, mock.Anything).Return(assert.AnError)
	hub.On("PublishMessage", mock.Anything, mock.Anything).Return(assert.AnError)

	f := newFixture(t, hub, nil)
	s := f.session(t, "s1", "A", "B")
	assert.Equal(t, game.PhaseActive, s.Phase())

	res, err := f.engine.SubmitGuess(ctx, "s1", "B", "apple")
	require.NoError(t, err)
	assert.Equal(t, game.GuessCorrect, res.Outcome)
	assert.Equal(t, 1, f.score(t, "B"))
}

type failingMessages struct {
	*memory.Store
}

func (failingMessages) AppendMessage(context.Context, game.Message) (game.Message, error) {
	return game.Message{}, fmt.Errorf("disk full")
}

func TestCorrectGuessSurvivesLedgerFailure(t *testing.T) {
	mem := memory.New()
	e := game.NewEngine(game.Options{
		Store:    mem,
		Messages: failingMessages{mem},
		Profiles: mem,
		Words:    listWords{"apple", "banana"},
	})
	ctx := context.Background()
	_, err := e.CreateSession(ctx, "s1")
	require.NoError(t, err)
	for _, p := range []string{"alice", "bob"} {
		_, err := e.Join(ctx, "s1", p)
		require.NoError(t, err)
	}

	res, err := e.SubmitGuess(ctx, "s1", "bob", "apple")
	require.NoError(t, err)
	assert.Equal(t, game.GuessCorrect, res.Outcome)
	assert.Equal(t, "bob", res.State.Players[res.State.DrawerIndex])

	score, err := e.Scores().Read(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, score)

	// nothing was committed for a miss, so its ledger failure is returned
	_, err = e.SubmitGuess(ctx, "s1", "alice", "pear")
	assert.ErrorIs(t, err, game.ErrUnavailable)
}
