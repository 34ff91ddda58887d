package middleware

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/yuhaojen771/fitness-tracker/app/repository"
	"github.com/yuhaojen771/fitness-tracker/internal/pkg/usercontext"
)

// IdentityClaims are the claims this service reads from the identity
// provider's access token. The subject is the account id.
type IdentityClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// ParseIdentityToken validates an HS256 access token signed with secret and
// returns the account id and email it carries.
func ParseIdentityToken(raw, secret string) (string, string, error) {
	if secret == "" {
		return "", "", errors.New("AUTH_JWT_SECRET is not configured")
	}
	parsed, err := jwt.ParseWithClaims(raw, &IdentityClaims{}, func(token *jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30*time.Second),
	)
	if err != nil {
		return "", "", err
	}
	claims, ok := parsed.Claims.(*IdentityClaims)
	if !ok || !parsed.Valid {
		return "", "", errors.New("invalid token claims")
	}

	accountID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return "", "", fmt.Errorf("parse sub: %w", err)
	}
	return accountID.String(), strings.TrimSpace(claims.Email), nil
}

func bearerToken(c *fiber.Ctx) string {
	header := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

// IdentityMiddleware sets up the user context for every request carrying a
// valid bearer token and makes sure the account has a profile. Requests
// without a valid token continue anonymously.
func IdentityMiddleware(secret string, profiles repository.ProfileRepository) fiber.Handler {
	return func(c *fiber.Ctx) error {
		raw := bearerToken(c)
		if raw == "" {
			usercontext.SetUserContext(c, usercontext.UserContext{})
			return c.Next()
		}

		accountID, email, err := ParseIdentityToken(raw, secret)
		if err != nil {
			log.Debugf("[Auth] Rejected bearer token: %v", err)
			usercontext.SetUserContext(c, usercontext.UserContext{})
			return c.Next()
		}

		if profiles != nil {
			if _, err := profiles.FindOrCreate(accountID, email); err != nil {
				log.Errorf("[Auth] Failed to observe account %s: %v", accountID[:8], err)
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
					"error":   "internal_server_error",
					"message": "Account lookup failed",
				})
			}
		}

		usercontext.SetUserContext(c, usercontext.UserContext{
			AccountID:  accountID,
			Email:      email,
			IsLoggedIn: true,
		})
		return c.Next()
	}
}

// RequireAPIAuth rejects anonymous API requests with a JSON 401.
func RequireAPIAuth(c *fiber.Ctx) error {
	if !usercontext.IsLoggedIn(c) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error":   "unauthorized",
			"message": "Unauthorized",
		})
	}
	return c.Next()
}
