// Package api exposes the game engine over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"github.com/brenelz/pictionary/internal/auth"
	"github.com/brenelz/pictionary/internal/game"
)

const defaultLeaderboard = 10

type Handler struct {
	engine *game.Engine
}

func New(engine *game.Engine) *Handler {
	return &Handler{engine: engine}
}

// Register mounts the routes. identity resolves the caller for everything
// under /session; the leaderboard and profiles are public.
func (h *Handler) Register(app fiber.Router, identity fiber.Handler) {
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString("ok") })
	app.Get("/leaderboard", h.Leaderboard)
	app.Get("/players/:handle", h.Player)

	s := app.Group("/session", identity)
	s.Post("/create", h.CreateSession)
	s.Get("/:id", h.GetSession)
	s.Post("/:id/join", h.Join)
	s.Post("/:id/leave", h.Leave)
	s.Post("/:id/skip", h.Skip)
	s.Post("/:id/guess", h.Guess)
	s.Put("/:id/drawing", h.Drawing)
	s.Get("/:id/messages", h.Messages)
}

func (h *Handler) CreateSession(c *fiber.Ctx) error {
	var body struct {
		SessionID string `json:"sessionId"`
	}
	if len(c.Body()) > 0 {
		if err := json.Unmarshal(c.Body(), &body); err != nil {
			return badRequest(c, "invalid body")
		}
	}

	s, err := h.engine.CreateSession(c.UserContext(), strings.TrimSpace(body.SessionID))
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"sessionId": s.SessionID,
		"state":     s.ViewFor(auth.PlayerID(c)),
	})
}

func (h *Handler) GetSession(c *fiber.Ctx) error {
	s, err := h.engine.State(c.UserContext(), c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(s.ViewFor(auth.PlayerID(c)))
}

func (h *Handler) Join(c *fiber.Ctx) error {
	player := auth.PlayerID(c)
	s, err := h.engine.Join(c.UserContext(), c.Params("id"), player)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(s.ViewFor(player))
}

func (h *Handler) Leave(c *fiber.Ctx) error {
	player := auth.PlayerID(c)
	s, err := h.engine.Leave(c.UserContext(), c.Params("id"), player)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(s.ViewFor(player))
}

func (h *Handler) Skip(c *fiber.Ctx) error {
	var body struct {
		Round uint64 `json:"round"`
	}
	if len(c.Body()) > 0 {
		if err := json.Unmarshal(c.Body(), &body); err != nil {
			return badRequest(c, "invalid body")
		}
	}

	player := auth.PlayerID(c)
	res, err := h.engine.RequestSkip(c.UserContext(), c.Params("id"), player, body.Round)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{
		"advanced": res.Advanced,
		"state":    res.State.ViewFor(player),
	})
}

func (h *Handler) Guess(c *fiber.Ctx) error {
	var body struct {
		Text  string `json:"text"`
		Guess string `json:"guess"`
	}
	if err := json.Unmarshal(c.Body(), &body); err != nil {
		return badRequest(c, "invalid body")
	}
	if body.Text == "" {
		body.Text = body.Guess
	}

	player := auth.PlayerID(c)
	res, err := h.engine.SubmitGuess(c.UserContext(), c.Params("id"), player, body.Text)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{
		"outcome": res.Outcome,
		"message": res.Message,
		"display": res.Message.Display(),
		"state":   res.State.ViewFor(player),
	})
}

func (h *Handler) Drawing(c *fiber.Ctx) error {
	var body struct {
		Strokes []json.RawMessage `json:"strokes"`
	}
	if err := json.Unmarshal(c.Body(), &body); err != nil {
		return badRequest(c, "invalid body")
	}

	player := auth.PlayerID(c)
	s, err := h.engine.UpdateDrawingSurface(c.UserContext(), c.Params("id"), player, body.Strokes)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(s.ViewFor(player))
}

func (h *Handler) Messages(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, err := h.engine.State(c.UserContext(), id); err != nil {
		return fail(c, err)
	}
	msgs, err := h.engine.Messages().Recent(c.UserContext(), id, c.QueryInt("limit", 0))
	if err != nil {
		return fail(c, err)
	}

	out := make([]fiber.Map, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, fiber.Map{
			"id":        m.ID,
			"author":    m.Author,
			"text":      m.Text,
			"outcome":   m.Outcome,
			"display":   m.Display(),
			"timestamp": m.Timestamp,
		})
	}
	return c.JSON(out)
}

func (h *Handler) Leaderboard(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultLeaderboard)
	ps, err := h.engine.Scores().Ranked(c.UserContext(), limit)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(ps)
}

func (h *Handler) Player(c *fiber.Ctx) error {
	p, err := h.engine.Scores().Profile(c.UserContext(), c.Params("handle"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(p)
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg, "kind": game.KindInvalidInput.String()})
}

// fail maps a game error to its HTTP status.
func fail(c *fiber.Ctx, err error) error {
	kind := game.KindOf(err)
	status := StatusFor(kind)

	msg := err.Error()
	var ge *game.Error
	if errors.As(err, &ge) && ge.Msg != "" {
		msg = ge.Msg
	}
	if status >= fiber.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Path()).Str("kind", kind.String()).Msg("request failed")
		if kind == game.KindUnknown || kind == game.KindUnavailable {
			msg = "service unavailable"
		}
	}
	return c.Status(status).JSON(fiber.Map{"error": msg, "kind": kind.String()})
}

func StatusFor(kind game.Kind) int {
	switch kind {
	case game.KindNotFound:
		return fiber.StatusNotFound
	case game.KindInvalidInput:
		return fiber.StatusBadRequest
	case game.KindInvalidRole:
		return fiber.StatusForbidden
	case game.KindConflict, game.KindTransient:
		return fiber.StatusConflict
	case game.KindUnavailable:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}
