// Package handlers exposes the governance core over HTTP.
//
// Handlers return taxonomy errors from internal/apperr and leave the status
// mapping to middleware.ErrorHandler.
package handlers

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/neogan74/overseer/internal/apperr"
)

// Bounds applied to query parameters.
const (
	DefaultWindowHours      = 24
	MaxWindowHours          = 168
	DefaultFingerprintHours = 168
	MaxFingerprintHours     = 8760
	DefaultListLimit        = 50
	MaxListLimit            = 500
)

// Notice reports a condition the caller should know about that did not fail
// the request, such as a degraded audit write.
type Notice struct {
	Code    apperr.Code `json:"code"`
	Message string      `json:"message"`
}

func noticeFor(err error) *Notice {
	if err == nil {
		return nil
	}
	return &Notice{Code: apperr.CodeOf(err), Message: apperr.MessageOf(err)}
}

// queryInt reads an integer query parameter and clamps it to [lo, hi]. A
// missing parameter yields def.
func queryInt(c *fiber.Ctx, key string, def, lo, hi int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Validation(fmt.Sprintf("%s must be an integer", key))
	}
	if v < lo {
		return lo, nil
	}
	if v > hi {
		return hi, nil
	}
	return v, nil
}

// queryTime reads an RFC 3339 timestamp. A missing parameter yields the zero time.
func queryTime(c *fiber.Ctx, key string) (time.Time, error) {
	raw := c.Query(key)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, apperr.Validation(fmt.Sprintf("%s must be an RFC 3339 timestamp", key))
	}
	return t, nil
}

func parseBody(c *fiber.Ctx, out any) error {
	if len(c.Body()) == 0 {
		return nil
	}
	if err := c.BodyParser(out); err != nil {
		return apperr.Wrap(apperr.CodeValidation, "invalid request body", err)
	}
	return nil
}
