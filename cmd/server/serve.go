package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/rs/zerolog/log"

	"github.com/brenelz/pictionary/internal/api"
	"github.com/brenelz/pictionary/internal/auth"
	"github.com/brenelz/pictionary/internal/config"
	"github.com/brenelz/pictionary/internal/game"
	"github.com/brenelz/pictionary/internal/hub"
	"github.com/brenelz/pictionary/internal/room"
	"github.com/brenelz/pictionary/internal/store/memory"
	"github.com/brenelz/pictionary/internal/store/redisstore"
	"github.com/brenelz/pictionary/internal/store/sqlite"
	"github.com/brenelz/pictionary/pkg/utils"
)

type stack struct {
	backend game.Backend
	hub     *hub.Hub
	// broadcaster is the relay when sessions are shared through redis
	broadcaster game.Broadcaster
	relay       *hub.RedisRelay
}

func openStack(cfg config.Config) (*stack, error) {
	h := hub.New(hub.DefaultBuffer)
	st := &stack{hub: h, broadcaster: h}

	switch cfg.StoreDriver {
	case config.DriverSQLite:
		s, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		st.backend = s
	case config.DriverRedis:
		pool := redisstore.NewPool(redisstore.Settings{
			Address:  cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		st.backend = redisstore.New(pool)
		st.relay = hub.NewRedisRelay(pool, h)
		st.broadcaster = st.relay
	default:
		st.backend = memory.New()
	}
	log.Info().Str("driver", cfg.StoreDriver).Msg("store opened")
	return st, nil
}

func vocabulary(cfg config.Config) (*game.Vocabulary, error) {
	words := game.DefaultWords
	if cfg.WordBankPath != "" {
		loaded, err := utils.LoadWords(cfg.WordBankPath)
		if err != nil {
			return nil, err
		}
		words = loaded
	}
	v, err := game.NewVocabulary(words)
	if err != nil {
		return nil, fmt.Errorf("word bank: %w", err)
	}
	log.Info().Int("words", v.Len()).Msg("vocabulary loaded")
	return v, nil
}

func newApp(cfg config.Config, engine *game.Engine, manager *room.Manager) *fiber.App {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(cfg.AllowedOrigins, ","),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, " + auth.HeaderPlayer,
	}))

	identity := auth.Middleware(cfg.JWTSecret)
	api.New(engine).Register(app, identity)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}, identity)

	app.Get("/ws/:sessionId", websocket.New(func(c *websocket.Conn) {
		sessionID := c.Params("sessionId")
		playerID, _ := c.Locals(auth.LocalsPlayer).(string)

		if err := manager.Serve(sessionID, playerID, c); err != nil {
			log.Warn().Err(err).Str("session", sessionID).Str("player", playerID).Msg("websocket rejected")
			c.WriteJSON(fiber.Map{
				"type": room.TypeError,
				"data": fiber.Map{"op": "connect", "kind": game.KindOf(err).String(), "message": err.Error()},
			})
			c.Close()
		}
	}))
	return app
}

func serveCommand(cfg config.Config) error {
	st, err := openStack(cfg)
	if err != nil {
		return err
	}
	defer st.backend.Close()

	words, err := vocabulary(cfg)
	if err != nil {
		return err
	}

	engine := game.NewEngine(game.Options{
		Store:      st.backend,
		Messages:   st.backend,
		Profiles:   st.backend,
		Words:      words,
		Hub:        st.broadcaster,
		MaxRetries: cfg.MaxRetries,
		Window:     cfg.MessageWindow,
	})
	manager := room.NewManager(engine, st.hub, cfg.GuessRate, cfg.GuessBurst)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if st.relay != nil {
		go func() {
			if err := st.relay.Run(ctx); err != nil {
				log.Error().Err(err).Msg("redis relay stopped")
				stop()
			}
		}()
	}

	app := newApp(cfg, engine, manager)
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("listening")
		errc <- app.Listen(cfg.Addr)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	manager.Shutdown()
	if err := app.ShutdownWithTimeout(5 * time.Second); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func leaderboardCommand(cfg config.Config, limit int) error {
	st, err := openStack(cfg)
	if err != nil {
		return err
	}
	defer st.backend.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ps, err := game.NewScoreLedger(st.backend).Ranked(ctx, limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RANK\tPLAYER\tSCORE")
	for i, p := range ps {
		fmt.Fprintf(w, "%d\t%s\t%d\n", i+1, p.Handle, p.Score)
	}
	return w.Flush()
}
