package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/batch-dispatch/internal/domain"
	"github.com/kursadbilgin/batch-dispatch/internal/observability"
	"github.com/kursadbilgin/batch-dispatch/internal/registry"
	"github.com/kursadbilgin/batch-dispatch/internal/service"
	"go.uber.org/zap"
)

const defaultAgentWriteTimeout = 10 * time.Second

type AgentService interface {
	RegisterArtifact(ctx context.Context, in service.ArtifactInput) (*domain.ArtifactRecord, error)
	ConnectedTargets() []string
}

type AgentRegistry interface {
	Register(targetID string, conn registry.Conn) func()
	Len() int
}

// agentConn is the part of a websocket connection the agent loop uses.
type agentConn interface {
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	ReadMessage() (int, []byte, error)
	Close() error
}

// AgentHandler serves the endpoints used by target agents: the live
// connection jobs are pushed over and the artifact callback.
type AgentHandler struct {
	service      AgentService
	registry     AgentRegistry
	writeTimeout time.Duration
	logger       *zap.Logger
	metrics      *observability.Metrics
}

func NewAgentHandler(service AgentService, registry AgentRegistry, logger *zap.Logger) (*AgentHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("agent service is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("connection registry is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AgentHandler{
		service:      service,
		registry:     registry,
		writeTimeout: defaultAgentWriteTimeout,
		logger:       logger,
	}, nil
}

func (h *AgentHandler) SetMetrics(metrics *observability.Metrics) {
	h.metrics = metrics
}

func (h *AgentHandler) Register(router fiber.Router) {
	router.Post("/v1/artifacts", h.RegisterArtifact)
	router.Get("/v1/agents/connected", h.ListConnected)
	router.Get("/ws/agents/:targetId", h.upgrade, websocket.New(h.ServeAgent))
}

type registerArtifactRequest struct {
	TargetID   string     `json:"targetId"`
	WorkUnitID string     `json:"workUnitId"`
	FileName   string     `json:"fileName"`
	Locator    string     `json:"locator"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

type artifactResponse struct {
	ID         string    `json:"id"`
	TargetID   string    `json:"targetId"`
	WorkUnitID *string   `json:"workUnitId,omitempty"`
	FileName   string    `json:"fileName"`
	Locator    string    `json:"locator"`
	IssuedAt   time.Time `json:"issuedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

func (h *AgentHandler) RegisterArtifact(c *fiber.Ctx) error {
	var req registerArtifactRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	artifact, err := h.service.RegisterArtifact(c.UserContext(), service.ArtifactInput{
		TargetID:   req.TargetID,
		WorkUnitID: req.WorkUnitID,
		FileName:   req.FileName,
		Locator:    req.Locator,
		ExpiresAt:  req.ExpiresAt,
	})
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusCreated).JSON(artifactResponse{
		ID:         artifact.ID,
		TargetID:   artifact.TargetID,
		WorkUnitID: artifact.WorkUnitID,
		FileName:   artifact.FileName,
		Locator:    artifact.Locator,
		IssuedAt:   artifact.IssuedAt,
		ExpiresAt:  artifact.ExpiresAt,
	})
}

func (h *AgentHandler) ListConnected(c *fiber.Ctx) error {
	targets := h.service.ConnectedTargets()
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"targets": targets,
		"count":   len(targets),
	})
}

func (h *AgentHandler) upgrade(c *fiber.Ctx) error {
	if !service.IsValidTargetID(strings.TrimSpace(c.Params("targetId"))) {
		return fiber.NewError(fiber.StatusBadRequest, "invalid target id")
	}
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	return c.Next()
}

func (h *AgentHandler) ServeAgent(conn *websocket.Conn) {
	h.serve(strings.TrimSpace(conn.Params("targetId")), conn)
}

// serve registers the connection and blocks reading until the agent goes
// away. Inbound frames carry nothing; results arrive via RegisterArtifact.
func (h *AgentHandler) serve(targetID string, conn agentConn) {
	logger := h.logger.With(zap.String("targetId", targetID))

	unregister := h.registry.Register(targetID, &deadlineConn{conn: conn, timeout: h.writeTimeout})
	h.metrics.SetConnectedTargets(h.registry.Len())
	logger.Info("agent connected")

	defer func() {
		unregister()
		h.metrics.SetConnectedTargets(h.registry.Len())
		_ = conn.Close()
		logger.Info("agent disconnected")
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			logger.Debug("agent read loop ended", zap.Error(err))
			return
		}
	}
}

// deadlineConn bounds every push so a stalled agent cannot hold the
// registry's per-connection lock forever.
type deadlineConn struct {
	conn    agentConn
	timeout time.Duration
}

func (d *deadlineConn) WriteJSON(v any) error {
	if err := d.conn.SetWriteDeadline(time.Now().Add(d.timeout)); err != nil {
		return err
	}
	return d.conn.WriteJSON(v)
}
