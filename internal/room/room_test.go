package room

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brenelz/pictionary/internal/game"
	"github.com/brenelz/pictionary/internal/hub"
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

var errClosed = errors.New("connection closed")

type fakeConn struct {
	in     chan []byte
	out    chan WSMessage
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan WSMessage, 256),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-c.in:
		return websocket.TextMessage, msg, nil
	case <-c.closed:
		return 0, nil, errClosed
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return errClosed
	default:
	}
	if messageType != websocket.TextMessage {
		return nil
	}
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	c.out <- msg
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) send(t *testing.T, msgType string, data any) {
	t.Helper()
	raw, err := encode(msgType, data)
	require.NoError(t, err)
	c.in <- raw
}

// expect returns the first frame of msgType for which match is true, skipping
// everything else.
func (c *fakeConn) expect(t *testing.T, msgType string, match func(json.RawMessage) bool) json.RawMessage {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg := <-c.out:
			if msg.Type == msgType && (match == nil || match(msg.Data)) {
				return msg.Data
			}
		case <-timeout:
			t.Fatalf("no %s frame arrived", msgType)
			return nil
		}
	}
}

func viewMatching(t *testing.T, pred func(game.View) bool) func(json.RawMessage) bool {
	return func(data json.RawMessage) bool {
		var v game.View
		require.NoError(t, json.Unmarshal(data, &v))
		return pred(v)
	}
}

type harness struct {
	engine  *game.Engine
	manager *Manager
	wg      sync.WaitGroup
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem := memory.New()
	h := hub.New(hub.DefaultBuffer)
	e := game.NewEngine(game.Options{
		Store:    mem,
		Messages: mem,
		Profiles: mem,
		Words:    listWords{"apple", "banana"},
		Hub:      h,
	})
	_, err := e.CreateSession(context.Background(), "s1")
	require.NoError(t, err)
	return &harness{engine: e, manager: NewManager(e, h, 100, 100)}
}

func (h *harness) connect(t *testing.T, player string) *fakeConn {
	t.Helper()
	c := newFakeConn()
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		assert.NoError(t, h.manager.Serve("s1", player, c))
	}()
	c.expect(t, TypeGameState, viewMatching(t, func(v game.View) bool {
		for _, p := range v.Players {
			if p == player {
				return true
			}
		}
		return false
	}))
	return c
}

func TestRoomFlow(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "A")
	b := h.connect(t, "B")

	// A drew the short straw and sees the word
	a.expect(t, TypeGameState, viewMatching(t, func(v game.View) bool {
		return len(v.Players) == 2 && v.Word == "apple" && v.DrawerID == "A"
	}))

	b.send(t, TypeGuess, guessPayload{Guess: "appl"})
	hint := b.expect(t, TypeCloseGuess, nil)
	var closeHint closeGuessPayload
	require.NoError(t, json.Unmarshal(hint, &closeHint))
	assert.Equal(t, 1, closeHint.EditDistance)

	a.expect(t, TypeMessage, func(data json.RawMessage) bool {
		var m messagePayload
		require.NoError(t, json.Unmarshal(data, &m))
		return m.Display == "❌ appl"
	})

	b.send(t, TypeGuess, guessPayload{Guess: "apple"})
	for _, c := range []*fakeConn{a, b} {
		c.expect(t, TypeGameState, viewMatching(t, func(v game.View) bool {
			return v.Round == 2 && v.DrawerID == "B"
		}))
	}
	score, err := h.engine.Scores().Read(context.Background(), "B")
	require.NoError(t, err)
	assert.Equal(t, 1, score)

	// pointer data from a guesser is refused
	a.send(t, TypeDrawPoint, map[string]float64{"x": 1, "y": 2})
	data := a.expect(t, TypeError, nil)
	var e errorPayload
	require.NoError(t, json.Unmarshal(data, &e))
	assert.Equal(t, game.KindInvalidRole.String(), e.Kind)

	b.send(t, TypeDrawPoint, map[string]float64{"x": 3, "y": 4})
	point := a.expect(t, TypeDrawPoint, nil)
	assert.JSONEq(t, `{"x":3,"y":4}`, string(point))

	a.Close()
	b.Close()
	h.wg.Wait()
	assert.Eventually(t, func() bool { return h.manager.Rooms() == 0 }, 2*time.Second, 10*time.Millisecond)

	// disconnecting does not leave the roster
	s, err := h.engine.State(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, s.Players)
}

func TestDrawingMessages(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "A")
	b := h.connect(t, "B")
	defer func() {
		a.Close()
		b.Close()
		h.wg.Wait()
	}()

	a.send(t, TypeStroke, map[string]any{"strokeColor": "#000", "paths": []any{}})
	b.expect(t, TypeGameState, viewMatching(t, func(v game.View) bool { return len(v.Drawing) == 1 }))

	a.send(t, TypeDrawing, drawingPayload{Strokes: []json.RawMessage{json.RawMessage(`{"n":1}`), json.RawMessage(`{"n":2}`)}})
	b.expect(t, TypeGameState, viewMatching(t, func(v game.View) bool { return len(v.Drawing) == 2 }))

	a.send(t, TypeUndo, nil)
	b.expect(t, TypeGameState, viewMatching(t, func(v game.View) bool { return len(v.Drawing) == 1 }))

	a.send(t, TypeClear, nil)
	b.expect(t, TypeGameState, viewMatching(t, func(v game.View) bool { return len(v.Drawing) == 0 }))

	b.send(t, TypeStroke, map[string]int{"n": 1})
	data := b.expect(t, TypeError, nil)
	var e errorPayload
	require.NoError(t, json.Unmarshal(data, &e))
	assert.Equal(t, TypeStroke, e.Op)
	assert.Equal(t, game.KindInvalidRole.String(), e.Kind)
}

func TestSkipAndLeaveMessages(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "A")
	b := h.connect(t, "B")
	defer func() {
		a.Close()
		b.Close()
		h.wg.Wait()
	}()

	b.send(t, TypeSkip, skipPayload{Round: 1})
	a.expect(t, TypeGameState, viewMatching(t, func(v game.View) bool { return v.Round == 2 && v.DrawerID == "B" }))

	// a stale pinned skip does nothing and is not an error
	a.send(t, TypeSkip, skipPayload{Round: 1})
	a.send(t, TypeLeave, nil)
	b.expect(t, TypeGameState, viewMatching(t, func(v game.View) bool {
		return len(v.Players) == 1 && v.Phase == game.PhaseWaiting && v.Round == 3
	}))

	a.send(t, TypeJoin, nil)
	b.expect(t, TypeGameState, viewMatching(t, func(v game.View) bool { return len(v.Players) == 2 }))
}

func TestMalformedAndUnknownMessages(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "A")
	defer func() {
		a.Close()
		h.wg.Wait()
	}()

	a.in <- []byte(`not json`)
	data := a.expect(t, TypeError, nil)
	var e errorPayload
	require.NoError(t, json.Unmarshal(data, &e))
	assert.Equal(t, "decode", e.Op)

	a.send(t, "dance", nil)
	data = a.expect(t, TypeError, nil)
	require.NoError(t, json.Unmarshal(data, &e))
	assert.Equal(t, game.KindInvalidInput.String(), e.Kind)
}

func TestServeUnknownSession(t *testing.T) {
	h := newHarness(t)
	err := h.manager.Serve("missing", "A", newFakeConn())
	assert.ErrorIs(t, err, game.ErrNotFound)
	assert.Equal(t, 0, h.manager.Rooms())
}

func TestGuessRateLimited(t *testing.T) {
	mem := memory.New()
	hb := hub.New(hub.DefaultBuffer)
	e := game.NewEngine(game.Options{Store: mem, Messages: mem, Profiles: mem, Words: listWords{"apple", "banana"}, Hub: hb})
	_, err := e.CreateSession(context.Background(), "s1")
	require.NoError(t, err)
	h := &harness{engine: e, manager: NewManager(e, hb, 0.001, 1)}

	a := h.connect(t, "A")
	b := h.connect(t, "B")
	defer func() {
		a.Close()
		b.Close()
		h.wg.Wait()
	}()

	b.send(t, TypeGuess, guessPayload{Guess: "pear"})
	b.send(t, TypeGuess, guessPayload{Guess: "plum"})
	data := b.expect(t, TypeError, nil)
	var ep errorPayload
	require.NoError(t, json.Unmarshal(data, &ep))
	assert.Equal(t, TypeGuess, ep.Op)
	assert.Contains(t, ep.Message, "slow down")

	msgs, err := e.Messages().Recent(context.Background(), "s1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "pear", msgs[0].Text)
}

func TestRoomResubscribesAfterEviction(t *testing.T) {
	mem := memory.New()
	hb := hub.New(1)
	e := game.NewEngine(game.Options{Store: mem, Messages: mem, Profiles: mem, Words: listWords{"apple", "banana"}, Hub: hb})
	ctx := context.Background()
	_, err := e.CreateSession(ctx, "s1")
	require.NoError(t, err)
	m := NewManager(e, hb, 100, 100)

	r := newRoom("s1", e, hb)
	p := NewPlayer("A", newFakeConn(), m.limiter())
	r.players[p] = struct{}{}
	require.Equal(t, 1, hb.Subscribers("s1"))

	// the room is not draining yet, so the second commit evicts it
	_, err = e.Join(ctx, "s1", "A")
	require.NoError(t, err)
	_, err = e.Join(ctx, "s1", "B")
	require.NoError(t, err)
	require.Equal(t, 0, hb.Subscribers("s1"))

	done := make(chan struct{})
	go func() {
		r.Run(m)
		close(done)
	}()

	require.Eventually(t, func() bool { return hb.Subscribers("s1") == 1 }, 2*time.Second, 10*time.Millisecond)

	// the resync pushes the current record to the attached player
	deadline := time.After(2 * time.Second)
	for synced := false; !synced; {
		select {
		case raw := <-p.send:
			var msg WSMessage
			require.NoError(t, json.Unmarshal(raw, &msg))
			if msg.Type != TypeGameState {
				continue
			}
			var v game.View
			require.NoError(t, json.Unmarshal(msg.Data, &v))
			synced = len(v.Players) == 2
		case <-deadline:
			t.Fatal("no resync after eviction")
		}
	}

	close(r.quit)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("room did not stop")
	}
	assert.Equal(t, 0, hb.Subscribers("s1"), "the replacement subscription is closed with the room")
}
