// Package auth resolves the authenticated player handle for each request.
// Credentials are verified elsewhere; the handle is trusted as supplied.
package auth

import (
	"errors"
	"strings"

	jwtware "github.com/gofiber/contrib/jwt"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

const (
	LocalsPlayer = "playerId"
	tokenLocals  = "token"

	HeaderPlayer = "X-Player-Id"
	QueryPlayer  = "playerId"
)

var ErrNoIdentity = errors.New("no player identity")

// Middleware returns the JWT handler when secret is set and the trusted
// header handler otherwise.
func Middleware(secret string) fiber.Handler {
	if secret == "" {
		return Header()
	}
	return JWT(secret)
}

// JWT validates an HS256 token from the Authorization header or the token
// query parameter (browsers cannot set headers on websocket upgrades) and
// stores its email claim, or sub when email is absent.
func JWT(secret string) fiber.Handler {
	return jwtware.New(jwtware.Config{
		SigningKey:  jwtware.SigningKey{JWTAlg: jwtware.HS256, Key: []byte(secret)},
		ContextKey:  tokenLocals,
		TokenLookup: "header:Authorization,query:token",
		AuthScheme:  "Bearer",
		SuccessHandler: func(c *fiber.Ctx) error {
			token, ok := c.Locals(tokenLocals).(*jwt.Token)
			if !ok {
				return fiber.ErrUnauthorized
			}
			handle, err := HandleFromClaims(token.Claims)
			if err != nil {
				return fiber.NewError(fiber.StatusUnauthorized, err.Error())
			}
			c.Locals(LocalsPlayer, handle)
			return c.Next()
		},
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid or missing token"})
		},
	})
}

// Header trusts X-Player-Id, falling back to the playerId query parameter.
func Header() fiber.Handler {
	return func(c *fiber.Ctx) error {
		handle := strings.TrimSpace(c.Get(HeaderPlayer))
		if handle == "" {
			handle = strings.TrimSpace(c.Query(QueryPlayer))
		}
		if handle == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": ErrNoIdentity.Error()})
		}
		c.Locals(LocalsPlayer, handle)
		return c.Next()
	}
}

func HandleFromClaims(claims jwt.Claims) (string, error) {
	mc, ok := claims.(jwt.MapClaims)
	if !ok {
		return "", ErrNoIdentity
	}
	if email, ok := mc["email"].(string); ok && strings.TrimSpace(email) != "" {
		return strings.TrimSpace(email), nil
	}
	sub, err := mc.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return "", ErrNoIdentity
	}
	return strings.TrimSpace(sub), nil
}

// PlayerID reads the handle stored by the middleware.
func PlayerID(c *fiber.Ctx) string {
	id, _ := c.Locals(LocalsPlayer).(string)
	return id
}
