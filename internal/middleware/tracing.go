package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/neogan74/overseer/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TraceIDKey is the context key for the active trace id
const TraceIDKey = "trace_id"

// TracingMiddleware creates a middleware for OpenTelemetry tracing
func TracingMiddleware() fiber.Handler {
	tracer := otel.Tracer(telemetry.InstrumentationName)
	propagator := otel.GetTextMapPropagator()

	return func(c *fiber.Ctx) error {
		ctx := propagator.Extract(c.UserContext(), &fiberCarrier{c: c})

		spanName := c.Method() + " " + c.Route().Path
		ctx, span := tracer.Start(ctx, spanName,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPMethod(c.Method()),
				semconv.HTTPTarget(c.Path()),
				attribute.String("http.client_ip", c.IP()),
			),
		)
		defer span.End()

		c.SetUserContext(ctx)

		if span.SpanContext().HasTraceID() {
			c.Locals(TraceIDKey, span.SpanContext().TraceID().String())
			c.Set("X-Trace-Id", span.SpanContext().TraceID().String())
		}

		err := c.Next()

		// The matched route is only known once the stack has run.
		span.SetName(c.Method() + " " + c.Route().Path)
		span.SetAttributes(semconv.HTTPRoute(c.Route().Path))

		statusCode := c.Response().StatusCode()
		if err != nil {
			statusCode = StatusOf(err)
		}
		span.SetAttributes(semconv.HTTPStatusCode(statusCode))
		if operator := GetOperatorID(c); operator != "" {
			span.SetAttributes(telemetry.AttrOperator.String(operator))
		}

		switch {
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case statusCode >= 500:
			span.SetStatus(codes.Error, "Internal server error")
		case statusCode >= 400:
			span.SetStatus(codes.Error, "Client error")
		default:
			span.SetStatus(codes.Ok, "")
		}
		return err
	}
}

// fiberCarrier adapts fiber.Ctx to propagation.TextMapCarrier
type fiberCarrier struct {
	c *fiber.Ctx
}

func (fc *fiberCarrier) Get(key string) string {
	return fc.c.Get(key)
}

func (fc *fiberCarrier) Set(key, value string) {
	fc.c.Set(key, value)
}

func (fc *fiberCarrier) Keys() []string {
	keys := make([]string, 0)
	fc.c.Request().Header.VisitAll(func(key, _ []byte) {
		keys = append(keys, string(key))
	})
	return keys
}
