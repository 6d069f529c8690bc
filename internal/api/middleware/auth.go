package middleware

import (
	"log/slog"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/saturnino-fabrica-de-software/commusage/internal/auth"
	"github.com/saturnino-fabrica-de-software/commusage/internal/domain"
)

// LocalUser is the key to retrieve the authenticated domain.User from context
const LocalUser = "user"

// TokenValidator is satisfied by *auth.JWTService
type TokenValidator interface {
	ValidateToken(token string) (*auth.UserClaims, error)
}

type AuthDependencies struct {
	Tokens TokenValidator
	Logger *slog.Logger
}

// Auth validates the bearer JWT and stores the caller identity in locals.
func Auth(deps AuthDependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := extractBearerToken(c)
		if token == "" {
			return domain.ErrUnauthorized
		}

		claims, err := deps.Tokens.ValidateToken(token)
		if err != nil {
			// Expired and forged tokens look the same to the client
			deps.Logger.Debug("bearer token rejected",
				slog.String("path", c.Path()),
				slog.Any("error", err),
			)
			return domain.ErrUnauthorized
		}

		c.Locals(LocalUser, claims.User())

		return c.Next()
	}
}

// extractBearerToken extracts token from Authorization header
func extractBearerToken(c *fiber.Ctx) string {
	header := c.Get("Authorization")
	if header == "" {
		return ""
	}

	// Expected format: "Bearer <token>"
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}

// GetUser retrieves the authenticated user from Fiber context
func GetUser(c *fiber.Ctx) (domain.User, error) {
	user, ok := c.Locals(LocalUser).(domain.User)
	if !ok || user.Email == "" {
		return domain.User{}, domain.ErrUnauthorized
	}
	return user, nil
}
