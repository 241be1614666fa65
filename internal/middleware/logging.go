package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/neogan74/overseer/internal/logger"
)

// RequestIDKey is the context key for request ID
const RequestIDKey = "request_id"

// LoggerKey is the context key for logger instance
const LoggerKey = "logger"

// RequestIDHeader carries the correlation id in and out.
const RequestIDHeader = "X-Request-ID"

// RequestLogging creates a middleware for request/response logging with
// correlation IDs. A well-formed incoming X-Request-ID is reused.
func RequestLogging(log logger.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		requestID := c.Get(RequestIDHeader)
		if _, err := uuid.Parse(requestID); err != nil {
			requestID = uuid.New().String()
		}

		c.Locals(RequestIDKey, requestID)
		c.Set(RequestIDHeader, requestID)

		requestLogger := log.WithRequest(requestID)
		c.Locals(LoggerKey, requestLogger)

		start := time.Now()
		requestLogger.Debug("Request started",
			logger.String("method", c.Method()),
			logger.String("path", c.Path()),
			logger.String("ip", c.IP()),
		)

		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			// The error handler runs after this middleware returns; report the
			// status it will write.
			status = StatusOf(err)
		}

		fields := []logger.Field{
			logger.String("method", c.Method()),
			logger.String("path", c.Path()),
			logger.Int("status", status),
			logger.Duration("duration", time.Since(start)),
		}
		if operator := GetOperatorID(c); operator != "" {
			fields = append(fields, logger.String("operator_id", operator))
		}

		switch {
		case status >= 500:
			requestLogger.Error("Request completed", fields...)
		case status >= 400:
			requestLogger.Warn("Request completed", fields...)
		default:
			requestLogger.Info("Request completed", fields...)
		}

		return err
	}
}

// GetRequestID returns the request ID from the context
func GetRequestID(c *fiber.Ctx) string {
	if requestID, ok := c.Locals(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// GetLogger returns the request-scoped logger from the context
func GetLogger(c *fiber.Ctx) logger.Logger {
	if log, ok := c.Locals(LoggerKey).(logger.Logger); ok {
		return log
	}
	return logger.GetDefault()
}
