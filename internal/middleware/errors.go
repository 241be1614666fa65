package middleware

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/neogan74/overseer/internal/apperr"
	"github.com/neogan74/overseer/internal/logger"
)

// ErrorResponse represents a structured error response
type ErrorResponse struct {
	Success   bool      `json:"success"`
	Error     string    `json:"error"`
	Message   string    `json:"message,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Path      string    `json:"path,omitempty"`
}

// StatusFor maps an error code to its HTTP status.
func StatusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeValidation:
		return fiber.StatusBadRequest
	case apperr.CodeNotFound:
		return fiber.StatusNotFound
	case apperr.CodeAlreadyResolved, apperr.CodeConflict:
		return fiber.StatusConflict
	case apperr.CodeVaultNotInitialized:
		return fiber.StatusLocked
	case apperr.CodePersistenceDegraded:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

// ErrorHandler is the fiber error handler. Taxonomy errors keep their code and
// safe message; anything else is reported as an internal error.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return errorResponse(c, fe.Code, codeForStatus(fe.Code), fe.Message)
	}

	code := apperr.CodeOf(err)
	if code == apperr.CodeInternal {
		GetLogger(c).Error("Unhandled error", logger.Error(err))
	}
	return errorResponse(c, StatusFor(code), string(code), apperr.MessageOf(err))
}

// StatusOf returns the HTTP status ErrorHandler writes for err.
func StatusOf(err error) int {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return StatusFor(apperr.CodeOf(err))
}

func codeForStatus(status int) string {
	switch status {
	case fiber.StatusBadRequest:
		return string(apperr.CodeValidation)
	case fiber.StatusUnauthorized:
		return "unauthorized"
	case fiber.StatusForbidden:
		return "forbidden"
	case fiber.StatusNotFound:
		return string(apperr.CodeNotFound)
	case fiber.StatusMethodNotAllowed:
		return "method_not_allowed"
	}
	if status >= 500 {
		return string(apperr.CodeInternal)
	}
	return "request_error"
}

// BadRequest returns a 400 validation_error response
func BadRequest(c *fiber.Ctx, message string) error {
	return errorResponse(c, fiber.StatusBadRequest, string(apperr.CodeValidation), message)
}

// Unauthorized returns a 401 response
func Unauthorized(c *fiber.Ctx, message string) error {
	return errorResponse(c, fiber.StatusUnauthorized, "unauthorized", message)
}

// Forbidden returns a 403 response
func Forbidden(c *fiber.Ctx, message string) error {
	return errorResponse(c, fiber.StatusForbidden, "forbidden", message)
}

// errorResponse creates a structured error response
func errorResponse(c *fiber.Ctx, status int, code string, message string) error {
	response := ErrorResponse{
		Success:   false,
		Error:     code,
		Message:   message,
		RequestID: GetRequestID(c),
		Timestamp: time.Now(),
		Path:      c.Path(),
	}

	log := GetLogger(c)
	fields := []logger.Field{
		logger.String("error", code),
		logger.String("message", message),
		logger.String("method", c.Method()),
		logger.String("path", c.Path()),
		logger.Int("status", status),
	}
	if status >= 500 {
		log.Error("HTTP error response", fields...)
	} else {
		log.Warn("HTTP error response", fields...)
	}

	return c.Status(status).JSON(response)
}
