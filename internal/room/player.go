package room

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/brenelz/pictionary/internal/game"
)

const (
	pingInterval = 54 * time.Second
	writeWait    = 10 * time.Second
	sendBuffer   = 256
)

// Conn is the part of *websocket.Conn the pumps use.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Player is one websocket connection. A handle may hold several.
type Player struct {
	ID      string
	conn    Conn
	send    chan []byte
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
	limiter *rate.Limiter
}

func NewPlayer(id string, c Conn, limiter *rate.Limiter) *Player {
	ctx, cancel := context.WithCancel(context.Background())
	return &Player{
		ID:      id,
		conn:    c,
		send:    make(chan []byte, sendBuffer),
		ctx:     ctx,
		cancel:  cancel,
		limiter: limiter,
	}
}

// cleanup leaves send open: the room may still be writing to it and a
// cancelled context is enough to stop the write pump.
func (p *Player) cleanup() {
	p.once.Do(func() {
		p.cancel()
		p.conn.Close()
	})
}

// queue drops the frame when the connection is not draining fast enough.
func (p *Player) queue(msg []byte) bool {
	select {
	case <-p.ctx.Done():
		return false
	default:
	}
	select {
	case p.send <- msg:
		return true
	default:
		log.Error().Str("player", p.ID).Msg("send buffer full, dropping frame")
		return false
	}
}

func (p *Player) sendWS(msgType string, data any) {
	msg, err := encode(msgType, data)
	if err != nil {
		log.Error().Err(err).Str("player", p.ID).Str("type", msgType).Msg("marshal outbound message")
		return
	}
	p.queue(msg)
}

func (p *Player) ReadPump(r *Room) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Str("player", p.ID).Interface("panic", rec).Msg("read pump panic")
		}
		log.Debug().Str("player", p.ID).Str("session", r.ID).Msg("read pump exiting")
		p.cleanup()
		r.Unregister <- p
	}()

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		_, msg, err := p.conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Str("player", p.ID).Msg("read message")
			return
		}

		var wsMsg WSMessage
		if err := json.Unmarshal(msg, &wsMsg); err != nil {
			log.Warn().Err(err).Str("player", p.ID).Msg("invalid ws message")
			p.sendWS(TypeError, errorPayload{Op: "decode", Kind: game.KindInvalidInput.String(), Message: "malformed message"})
			continue
		}

		r.handle(p, wsMsg)
	}
}

func (p *Player) WritePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		p.cleanup()
	}()

	for {
		select {
		case <-p.ctx.Done():
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			p.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case msg := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Debug().Err(err).Str("player", p.ID).Msg("write message")
				return
			}

		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Str("player", p.ID).Msg("ping")
				return
			}
		}
	}
}
