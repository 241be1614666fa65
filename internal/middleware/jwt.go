package middleware

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/neogan74/overseer/internal/auth"
)

const (
	operatorIDKey = "operator_id"
	claimsKey     = "claims"

	// DefaultActor attributes control-plane actions when no operator is known.
	DefaultActor = "dashboard"
)

// JWTAuth creates a middleware for operator token authentication. Paths
// ending in "*" in publicPaths match by prefix.
func JWTAuth(jwtService *auth.JWTService, publicPaths []string) fiber.Handler {
	exact := make(map[string]bool)
	var prefixes []string
	for _, path := range publicPaths {
		if strings.HasSuffix(path, "*") {
			prefixes = append(prefixes, strings.TrimSuffix(path, "*"))
			continue
		}
		exact[path] = true
	}

	return func(c *fiber.Ctx) error {
		if exact[c.Path()] {
			return c.Next()
		}
		for _, p := range prefixes {
			if strings.HasPrefix(c.Path(), p) {
				return c.Next()
			}
		}

		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return Unauthorized(c, "missing authorization header")
		}

		// Extract token from "Bearer <token>"
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return Unauthorized(c, "invalid authorization header format")
		}

		claims, err := jwtService.ValidateToken(parts[1])
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrTokenExpired):
				return Unauthorized(c, "token expired")
			case errors.Is(err, auth.ErrTokenMissing):
				return Unauthorized(c, "token missing")
			default:
				return Unauthorized(c, "invalid token")
			}
		}

		c.Locals(operatorIDKey, claims.OperatorID)
		c.Locals(claimsKey, claims)

		return c.Next()
	}
}

// GetOperatorID returns the authenticated operator id, or "".
func GetOperatorID(c *fiber.Ctx) string {
	if id, ok := c.Locals(operatorIDKey).(string); ok {
		return id
	}
	return ""
}

// Actor returns the operator to attribute a control-plane action to.
func Actor(c *fiber.Ctx) string {
	if id := GetOperatorID(c); id != "" {
		return id
	}
	return DefaultActor
}

// GetClaims returns the JWT claims from the context
func GetClaims(c *fiber.Ctx) *auth.Claims {
	if claims, ok := c.Locals(claimsKey).(*auth.Claims); ok {
		return claims
	}
	return nil
}

// RequireRole creates a middleware that requires a specific role
func RequireRole(role string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		claims := GetClaims(c)
		if claims == nil || !claims.HasRole(role) {
			return Forbidden(c, "insufficient permissions")
		}
		return c.Next()
	}
}
