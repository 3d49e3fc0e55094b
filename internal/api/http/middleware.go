package http

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/spec-kit/security-gateway/internal/observability"
	apperrors "github.com/spec-kit/security-gateway/pkg/util/errorutil"
)

// MiddlewareOptions tunes the global middlewares.
type MiddlewareOptions struct {
	Timeout  time.Duration
	Hardened bool
}

// RegisterMiddlewares attaches global middlewares: request ids, logging,
// error rendering and the request timeout.
func RegisterMiddlewares(app *fiber.App, logger *zap.Logger, metrics *observability.Metrics, opts MiddlewareOptions) {
	app.Use(observability.RequestID())
	app.Use(observability.RequestLogger(logger, metrics))
	app.Use(errorHandlingMiddleware(logger, metrics, opts.Hardened))
	if opts.Timeout > 0 {
		app.Use(requestTimeoutMiddleware(opts.Timeout))
	}
}

func requestTimeoutMiddleware(timeout time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), timeout)
		defer cancel()
		c.SetUserContext(ctx)
		return c.Next()
	}
}

func errorHandlingMiddleware(logger *zap.Logger, metrics *observability.Metrics, hardened bool) fiber.Handler {
	return func(c *fiber.Ctx) (err error) {
		defer func() {
			if r := recover(); r != nil {
				fields := []zap.Field{zap.Any("panic", r), requestIDField(c)}
				if !hardened {
					fields = append(fields, zap.ByteString("stack", debug.Stack()))
				}
				logger.Error("panic recovered", fields...)
				err = apperrors.NewInternalError(nil)
			}
			if err != nil {
				domainErr := apperrors.ToDomainError(err)
				metrics.RecordError(c.Route().Path, c.Method(), domainErr.Code)

				message := domainErr.Message
				if hardened && domainErr.HTTPStatus >= 500 {
					message = apperrors.Redact(message)
				}
				body := fiber.Map{
					"code":    domainErr.Code,
					"message": message,
				}
				if len(domainErr.Details) > 0 {
					body["details"] = domainErr.Details
				}
				if domainErr.HTTPStatus >= 500 {
					cause := domainErr.Error()
					if hardened {
						cause = apperrors.Redact(cause)
					}
					logger.Error("request failed", zap.String("error", cause), zap.String("path", c.Path()), requestIDField(c))
				}
				c.Status(domainErr.HTTPStatus)
				_ = c.JSON(fiber.Map{"error": body})
				err = nil
			}
		}()
		return c.Next()
	}
}

func requestIDField(c *fiber.Ctx) zap.Field {
	id, _ := c.Locals(observability.RequestIDKey).(string)
	return zap.String("request_id", id)
}
