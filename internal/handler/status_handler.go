package handler

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/batch-dispatch/internal/service"
)

type OrchestratorStatusProvider interface {
	Status() service.OrchestratorStatus
}

func RegisterOrchestratorRoutes(router fiber.Router, provider OrchestratorStatusProvider) error {
	if provider == nil {
		return fmt.Errorf("orchestrator is required")
	}
	router.Get("/orchestrator/status", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(provider.Status())
	})
	return nil
}
