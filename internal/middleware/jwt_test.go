package middleware

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/neogan74/overseer/internal/auth"
)

func newJWTApp(jwtService *auth.JWTService, public []string) *fiber.App {
	app := fiber.New()
	app.Use(JWTAuth(jwtService, public))
	app.Get("/health", func(c *fiber.Ctx) error { return c.SendString("ok") })
	app.Get("/metrics/extra", func(c *fiber.Ctx) error { return c.SendString("ok") })
	app.Get("/whoami", func(c *fiber.Ctx) error { return c.SendString(Actor(c)) })
	return app
}

func TestJWTAuth_PublicPath(t *testing.T) {
	jwtService := auth.NewJWTService("test-secret", 15*time.Minute, "overseer")
	app := newJWTApp(jwtService, []string{"/health", "/metrics*"})

	for _, path := range []string{"/health", "/metrics/extra"} {
		resp, err := app.Test(httptest.NewRequest("GET", path, nil))
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if resp.StatusCode != fiber.StatusOK {
			t.Errorf("%s: expected status 200, got %d", path, resp.StatusCode)
		}
	}
}

func TestJWTAuth_Rejections(t *testing.T) {
	jwtService := auth.NewJWTService("test-secret", 15*time.Minute, "overseer")
	other := auth.NewJWTService("other-secret", 15*time.Minute, "overseer")
	forged, _ := other.GenerateToken("op-1", "Mallory", nil)

	tests := []struct {
		name    string
		header  string
		message string
	}{
		{"missing header", "", "missing authorization header"},
		{"wrong scheme", "Basic abc", "invalid authorization header format"},
		{"too many parts", "Bearer a b", "invalid authorization header format"},
		{"bad token", "Bearer not-a-token", "invalid token"},
		{"forged token", "Bearer " + forged, "invalid token"},
	}

	app := newJWTApp(jwtService, []string{"/health"})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/whoami", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			if resp.StatusCode != fiber.StatusUnauthorized {
				t.Errorf("expected status 401, got %d", resp.StatusCode)
			}
			body, _ := io.ReadAll(resp.Body)
			if !strings.Contains(string(body), tt.message) {
				t.Errorf("expected %q in response, got: %s", tt.message, body)
			}
		})
	}
}

func TestJWTAuth_ValidTokenSetsOperator(t *testing.T) {
	jwtService := auth.NewJWTService("test-secret", 15*time.Minute, "overseer")
	token, err := jwtService.GenerateToken("op-42", "Alice", []string{auth.RoleApprover})
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}

	app := newJWTApp(jwtService, nil)
	req := httptest.NewRequest("GET", "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "op-42" {
		t.Errorf("expected operator op-42, got %q", body)
	}
}

func TestActor_DefaultsToDashboard(t *testing.T) {
	app := fiber.New()
	app.Get("/test", func(c *fiber.Ctx) error {
		if GetOperatorID(c) != "" {
			t.Error("expected no operator")
		}
		if GetClaims(c) != nil {
			t.Error("expected nil claims")
		}
		return c.SendString(Actor(c))
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/test", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != DefaultActor {
		t.Errorf("expected %q, got %q", DefaultActor, body)
	}
}

func newRoleApp(roles []string) *fiber.App {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		if roles != nil {
			c.Locals(claimsKey, &auth.Claims{OperatorID: "op-1", Roles: roles})
		}
		return c.Next()
	})
	app.Use(RequireRole(auth.RoleApprover))
	app.Post("/approve", func(c *fiber.Ctx) error { return c.SendString("ok") })
	return app
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name   string
		roles  []string
		status int
	}{
		{"approver", []string{auth.RoleApprover}, fiber.StatusOK},
		{"admin", []string{auth.RoleAdmin}, fiber.StatusOK},
		{"viewer", []string{auth.RoleViewer}, fiber.StatusForbidden},
		{"no claims", nil, fiber.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := newRoleApp(tt.roles).Test(httptest.NewRequest("POST", "/approve", nil))
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			if resp.StatusCode != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, resp.StatusCode)
			}
		})
	}
}
