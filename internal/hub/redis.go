package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gomodule/redigo/redis"
	"github.com/rs/zerolog/log"

	"github.com/brenelz/pictionary/internal/game"
)

const channelPrefix = "pictionary:events:"

// RedisRelay publishes events on Redis so every server instance sees commits
// made by the others. Events reach the local Hub only through Run, which
// keeps delivery identical for local and remote commits.
type RedisRelay struct {
	pool  *redis.Pool
	local *Hub
}

func NewRedisRelay(pool *redis.Pool, local *Hub) *RedisRelay {
	return &RedisRelay{pool: pool, local: local}
}

func (r *RedisRelay) PublishState(ctx context.Context, s game.GameState) error {
	return r.publish(ctx, Event{Kind: KindState, SessionID: s.SessionID, State: &s})
}

func (r *RedisRelay) PublishMessage(ctx context.Context, m game.Message) error {
	return r.publish(ctx, Event{Kind: KindMessage, SessionID: m.SessionID, Message: &m})
}

func (r *RedisRelay) publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	c, err := r.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("redis connection: %w", err)
	}
	defer c.Close()

	if _, err := c.Do("PUBLISH", channelPrefix+ev.SessionID, data); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Run forwards relayed events into the local hub until ctx is cancelled or
// the connection fails.
func (r *RedisRelay) Run(ctx context.Context) error {
	c, err := r.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("redis connection: %w", err)
	}
	psc := redis.PubSubConn{Conn: c}
	defer psc.Close()

	if err := psc.PSubscribe(channelPrefix + "*"); err != nil {
		return fmt.Errorf("psubscribe: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			psc.PUnsubscribe()
		case <-done:
		}
	}()

	for {
		switch v := psc.Receive().(type) {
		case redis.Message:
			var ev Event
			if err := json.Unmarshal(v.Data, &ev); err != nil {
				log.Error().Err(err).Str("channel", v.Channel).Msg("dropping malformed relay event")
				continue
			}
			if ev.SessionID == "" {
				ev.SessionID = strings.TrimPrefix(v.Channel, channelPrefix)
			}
			r.local.Publish(ev)
		case redis.Subscription:
			if v.Count == 0 {
				return nil
			}
		case error:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("relay receive: %w", v)
		}
	}
}
