package transport

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/batch-dispatch/internal/domain"
	"github.com/kursadbilgin/batch-dispatch/internal/observability"
	"github.com/kursadbilgin/batch-dispatch/internal/ratelimit"
	"go.uber.org/zap"
)

// HeaderOwnerID carries the caller identity resolved by the upstream gateway.
const HeaderOwnerID = "X-Owner-ID"

const ownerLocalKey = "ownerId"

// Correlation copies the request id into the request context so loggers and
// downstream calls can pick it up. It must run after the requestid middleware.
func Correlation() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := strings.TrimSpace(c.Get(fiber.HeaderXRequestID))
		if id == "" {
			if v, ok := c.Locals("requestid").(string); ok {
				id = strings.TrimSpace(v)
			}
		}
		if id != "" {
			c.SetUserContext(observability.WithCorrelationID(c.UserContext(), id))
		}
		return c.Next()
	}
}

// RequireOwner rejects requests without an owner identity.
func RequireOwner() fiber.Handler {
	return func(c *fiber.Ctx) error {
		owner := strings.TrimSpace(c.Get(HeaderOwnerID))
		if owner == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "missing "+HeaderOwnerID+" header")
		}
		c.Locals(ownerLocalKey, owner)
		c.SetUserContext(observability.WithOwnerID(c.UserContext(), owner))
		return c.Next()
	}
}

// OwnerID returns the identity stored by RequireOwner.
func OwnerID(c *fiber.Ctx) string {
	owner, _ := c.Locals(ownerLocalKey).(string)
	return owner
}

// RateLimit applies the generic per-caller request filter. Callers are keyed
// by owner when known and by client IP otherwise. A limiter failure lets the
// request through.
func RateLimit(limiter ratelimit.RateLimiter, logger *zap.Logger) fiber.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if limiter == nil {
			return c.Next()
		}

		key := OwnerID(c)
		if key == "" {
			key = "ip:" + c.IP()
		}

		allowed, err := limiter.Allow(c.UserContext(), key)
		if err != nil {
			observability.WithContextLogger(logger, c.UserContext()).Warn("rate limiter unavailable", zap.Error(err))
			return c.Next()
		}
		if !allowed {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": string(domain.RejectionRateLimited),
			})
		}
		return c.Next()
	}
}
