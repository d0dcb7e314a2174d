// Package redisstore keeps game records in Redis so several server instances can
// share sessions. Conditional updates use WATCH/MULTI/EXEC.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/google/uuid"

	"github.com/brenelz/pictionary/internal/game"
)

const (
	KeyPrefix = "pictionary:"

	keySession     = KeyPrefix + "session:%s"
	keyMessages    = KeyPrefix + "session:%s:messages"
	keyMessagesSeq = KeyPrefix + "session:%s:messages:seq"
	keyProfile     = KeyPrefix + "profile:%s"
	keyScores      = KeyPrefix + "scores"
)

type Settings struct {
	Address  string
	Password string
	DB       int
}

// NewPool dials lazily; connections are checked with PING when reused after a
// minute of idleness.
func NewPool(settings Settings) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     16,
		IdleTimeout: 240 * time.Second,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialContext(ctx, "tcp", settings.Address,
				redis.DialPassword(settings.Password),
				redis.DialDatabase(settings.DB),
			)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

type Store struct {
	pool *redis.Pool
	now  func() time.Time
}

func New(pool *redis.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

func (s *Store) Close() error { return s.pool.Close() }

func (s *Store) conn(ctx context.Context) (redis.Conn, error) {
	c, err := s.pool.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("redis connection: %w", err)
	}
	return c, nil
}

func (s *Store) Create(ctx context.Context, sessionID string) (game.GameState, error) {
	c, err := s.conn(ctx)
	if err != nil {
		return game.GameState{}, err
	}
	defer c.Close()

	st := game.NewGameState(sessionID)
	st.UpdatedAt = s.now().UTC()
	data, err := json.Marshal(st)
	if err != nil {
		return game.GameState{}, err
	}
	if _, err := c.Do("SET", fmt.Sprintf(keySession, sessionID), data, "NX"); err != nil {
		return game.GameState{}, fmt.Errorf("create session: %w", err)
	}
	return readSession(c, sessionID)
}

func (s *Store) Read(ctx context.Context, sessionID string) (game.GameState, error) {
	c, err := s.conn(ctx)
	if err != nil {
		return game.GameState{}, err
	}
	defer c.Close()
	return readSession(c, sessionID)
}

func (s *Store) Apply(ctx context.Context, sessionID string, observed uint64, u game.Update) (game.GameState, error) {
	c, err := s.conn(ctx)
	if err != nil {
		return game.GameState{}, err
	}
	defer c.Close()

	key := fmt.Sprintf(keySession, sessionID)
	if _, err := c.Do("WATCH", key); err != nil {
		return game.GameState{}, fmt.Errorf("watch: %w", err)
	}

	// the pool sends UNWATCH when c is closed, so early returns leave no watch behind
	live, err := readSession(c, sessionID)
	if err != nil {
		return game.GameState{}, err
	}
	if live.Version != observed {
		return game.GameState{}, game.Conflict("apply", observed)
	}

	next := u.State.Clone()
	next.SessionID = sessionID
	next.Version = observed + 1
	next.UpdatedAt = s.now().UTC()
	data, err := json.Marshal(next)
	if err != nil {
		return game.GameState{}, err
	}

	c.Send("MULTI")
	c.Send("SET", key, data)
	if u.Credit != nil {
		sendCredit(c, u.Credit.Player, u.Credit.Delta)
	}
	_, err = redis.Values(c.Do("EXEC"))
	if errors.Is(err, redis.ErrNil) {
		return game.GameState{}, game.Conflict("apply", observed)
	}
	if err != nil {
		return game.GameState{}, fmt.Errorf("exec: %w", err)
	}
	return next, nil
}

// appendScript assigns the next id and inserts the entry in one step, so an
// entry is never visible before every entry with a lower id.
//
// KEYS[1] sequence, KEYS[2] message set, ARGV[1] entry JSON without an id.
var appendScript = redis.NewScript(2, `
local id = redis.call('INCR', KEYS[1])
local entry = cjson.decode(ARGV[1])
entry['id'] = id
redis.call('ZADD', KEYS[2], id, cjson.encode(entry))
return id
`)

// AppendMessage stores entries in a sorted set scored by a per-session
// counter, so reads are ordered by id regardless of writer interleaving.
func (s *Store) AppendMessage(ctx context.Context, m game.Message) (game.Message, error) {
	c, err := s.conn(ctx)
	if err != nil {
		return game.Message{}, err
	}
	defer c.Close()

	m.ID = 0
	data, err := json.Marshal(m)
	if err != nil {
		return game.Message{}, err
	}
	id, err := redis.Int64(appendScript.Do(c,
		fmt.Sprintf(keyMessagesSeq, m.SessionID),
		fmt.Sprintf(keyMessages, m.SessionID),
		data,
	))
	if err != nil {
		return game.Message{}, fmt.Errorf("append message: %w", err)
	}
	m.ID = id
	return m, nil
}

func (s *Store) RecentMessages(ctx context.Context, sessionID string, limit int) ([]game.Message, error) {
	c, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	stop := limit - 1
	if limit <= 0 {
		stop = -1
	}
	raw, err := redis.ByteSlices(c.Do("ZREVRANGE", fmt.Sprintf(keyMessages, sessionID), 0, stop))
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	out := make([]game.Message, 0, len(raw))
	for _, b := range raw {
		var m game.Message
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) EnsureProfile(ctx context.Context, handle string) (game.PlayerProfile, error) {
	c, err := s.conn(ctx)
	if err != nil {
		return game.PlayerProfile{}, err
	}
	defer c.Close()

	c.Send("MULTI")
	sendCredit(c, handle, 0)
	if _, err := c.Do("EXEC"); err != nil {
		return game.PlayerProfile{}, fmt.Errorf("ensure profile: %w", err)
	}
	return readProfile(c, handle)
}

func (s *Store) Profile(ctx context.Context, handle string) (game.PlayerProfile, error) {
	c, err := s.conn(ctx)
	if err != nil {
		return game.PlayerProfile{}, err
	}
	defer c.Close()
	return readProfile(c, handle)
}

func (s *Store) Credit(ctx context.Context, handle string, delta int) (game.PlayerProfile, error) {
	c, err := s.conn(ctx)
	if err != nil {
		return game.PlayerProfile{}, err
	}
	defer c.Close()

	c.Send("MULTI")
	sendCredit(c, handle, delta)
	if _, err := c.Do("EXEC"); err != nil {
		return game.PlayerProfile{}, fmt.Errorf("credit %s: %w", handle, err)
	}
	return readProfile(c, handle)
}

func (s *Store) Ranked(ctx context.Context, limit int) ([]game.PlayerProfile, error) {
	c, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	// Redis orders equal scores by member descending; fetch everything and
	// let SortRanked apply the handle tiebreak.
	pairs, err := redis.Values(c.Do("ZREVRANGE", keyScores, 0, -1, "WITHSCORES"))
	if err != nil {
		return nil, fmt.Errorf("ranked: %w", err)
	}
	var out []game.PlayerProfile
	for len(pairs) >= 2 {
		var handle string
		var score int
		pairs, err = redis.Scan(pairs, &handle, &score)
		if err != nil {
			return nil, fmt.Errorf("ranked: %w", err)
		}
		out = append(out, game.PlayerProfile{Handle: handle, Score: score})
	}

	for _, p := range out {
		c.Send("HGET", fmt.Sprintf(keyProfile, p.Handle), "id")
	}
	if err := c.Flush(); err != nil {
		return nil, fmt.Errorf("ranked: %w", err)
	}
	for i := range out {
		id, err := redis.String(c.Receive())
		if err != nil && !errors.Is(err, redis.ErrNil) {
			return nil, fmt.Errorf("ranked: %w", err)
		}
		out[i].ID = id
	}
	return game.SortRanked(out, limit), nil
}

// sendCredit queues the profile upsert and score increment. It must run
// between MULTI and EXEC.
func sendCredit(c redis.Conn, handle string, delta int) {
	key := fmt.Sprintf(keyProfile, handle)
	c.Send("HSETNX", key, "id", uuid.NewString())
	c.Send("HSETNX", key, "handle", handle)
	c.Send("HINCRBY", key, "score", delta)
	c.Send("ZINCRBY", keyScores, delta, handle)
}

func readSession(c redis.Conn, sessionID string) (game.GameState, error) {
	data, err := redis.Bytes(c.Do("GET", fmt.Sprintf(keySession, sessionID)))
	if errors.Is(err, redis.ErrNil) {
		return game.GameState{}, game.NotFound("read session", "session %s", sessionID)
	}
	if err != nil {
		return game.GameState{}, fmt.Errorf("read session: %w", err)
	}
	var st game.GameState
	if err := json.Unmarshal(data, &st); err != nil {
		return game.GameState{}, fmt.Errorf("decode session: %w", err)
	}
	if st.Drawing == nil {
		st.Drawing = []json.RawMessage{}
	}
	if st.Players == nil {
		st.Players = []string{}
	}
	return st, nil
}

func readProfile(c redis.Conn, handle string) (game.PlayerProfile, error) {
	fields, err := redis.StringMap(c.Do("HGETALL", fmt.Sprintf(keyProfile, handle)))
	if err != nil {
		return game.PlayerProfile{}, fmt.Errorf("profile: %w", err)
	}
	if len(fields) == 0 {
		return game.PlayerProfile{}, game.NotFound("profile", "player %s", handle)
	}
	score, err := strconv.Atoi(fields["score"])
	if err != nil {
		return game.PlayerProfile{}, fmt.Errorf("profile %s score: %w", handle, err)
	}
	return game.PlayerProfile{ID: fields["id"], Handle: fields["handle"], Score: score}, nil
}
