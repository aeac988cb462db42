package transport

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/batch-dispatch/internal/domain"
	"github.com/kursadbilgin/batch-dispatch/internal/observability"
	"go.uber.org/zap"
)

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// ErrorHandler renders handler errors as JSON. Admission rejections keep their
// machine-readable reason; unknown errors are hidden behind a 500.
func ErrorHandler(logger *zap.Logger) fiber.ErrorHandler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(c *fiber.Ctx, err error) error {
		code, body := classify(err)

		log := observability.WithContextLogger(logger, c.UserContext())
		fields := []zap.Field{
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", code),
			zap.Error(err),
		}
		if code >= fiber.StatusInternalServerError {
			log.Error("request error", fields...)
		} else {
			log.Debug("request rejected", fields...)
		}

		return c.Status(code).JSON(body)
	}
}

func classify(err error) (int, errorResponse) {
	var rejection *domain.RejectionError
	if errors.As(err, &rejection) {
		code := fiber.StatusBadRequest
		if rejection.Reason.IsThrottle() {
			code = fiber.StatusTooManyRequests
		}
		msg := rejection.Message
		if msg == "" {
			msg = string(rejection.Reason)
		}
		return code, errorResponse{Error: msg, Reason: string(rejection.Reason)}
	}

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return fiberErr.Code, errorResponse{Error: fiberErr.Message}
	}

	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.StatusBadRequest, errorResponse{Error: err.Error()}
	case errors.Is(err, domain.ErrNotFound):
		return fiber.StatusNotFound, errorResponse{Error: "not found"}
	case errors.Is(err, domain.ErrConflict):
		return fiber.StatusConflict, errorResponse{Error: err.Error()}
	case errors.Is(err, domain.ErrThrottled):
		return fiber.StatusTooManyRequests, errorResponse{Error: err.Error()}
	}

	return fiber.StatusInternalServerError, errorResponse{Error: "internal server error"}
}
