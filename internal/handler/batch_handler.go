package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/batch-dispatch/internal/domain"
	"github.com/kursadbilgin/batch-dispatch/internal/service"
	"github.com/kursadbilgin/batch-dispatch/internal/transport"
)

const (
	defaultPage     = 1
	defaultPageSize = 10
)

type BatchService interface {
	Submit(ctx context.Context, ownerID string, targetIDs []string, period domain.Period) (*domain.Batch, []domain.BatchItem, error)
	GetStatus(ctx context.Context, batchID, ownerID string) (*service.BatchSnapshot, error)
	List(ctx context.Context, ownerID string, page, pageSize int, status string) (*service.BatchPage, error)
	Cancel(ctx context.Context, batchID, ownerID string) error
	AuditTrail(ctx context.Context, batchID, ownerID string) ([]domain.AuditEvent, error)
}

type BatchHandler struct {
	service BatchService
}

func NewBatchHandler(service BatchService) (*BatchHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("batch service is required")
	}
	return &BatchHandler{service: service}, nil
}

// RegisterBatchRoutes mounts the owner-facing batch API. The router is
// expected to run transport.RequireOwner first.
func RegisterBatchRoutes(router fiber.Router, service BatchService) error {
	h, err := NewBatchHandler(service)
	if err != nil {
		return err
	}

	router.Post("/batches", h.CreateBatch)
	router.Get("/batches", h.ListBatches)
	router.Get("/batches/:batchId", h.GetBatch)
	router.Delete("/batches/:batchId", h.CancelBatch)
	router.Get("/batches/:batchId/audit", h.GetAuditTrail)

	return nil
}

type createBatchRequest struct {
	TargetIDs []string `json:"targetIds"`
	StartDate string   `json:"startDate"`
	EndDate   string   `json:"endDate"`
}

type itemResponse struct {
	ID            string     `json:"id"`
	TargetID      string     `json:"targetId"`
	Label         string     `json:"label"`
	Position      int        `json:"position"`
	Status        string     `json:"status"`
	ResultRef     *string    `json:"resultRef,omitempty"`
	ResultExpired bool       `json:"resultExpired,omitempty"`
	FailureReason *string    `json:"failureReason,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}

type batchResponse struct {
	ID             string         `json:"id"`
	Status         string         `json:"status"`
	StartDate      string         `json:"startDate"`
	EndDate        string         `json:"endDate"`
	TotalCount     int            `json:"totalCount"`
	CompletedCount int            `json:"completedCount"`
	FailedCount    int            `json:"failedCount"`
	Progress       *float64       `json:"progress,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	CompletedAt    *time.Time     `json:"completedAt,omitempty"`
	Items          []itemResponse `json:"items,omitempty"`
}

type listBatchesResponse struct {
	Data []batchResponse `json:"data"`
	Meta listMeta        `json:"meta"`
}

type listMeta struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"pageSize"`
	TotalItems int64 `json:"totalItems"`
	TotalPages int   `json:"totalPages"`
}

type auditEventResponse struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	ItemID     *string   `json:"itemId,omitempty"`
	WorkUnitID *string   `json:"workUnitId,omitempty"`
	TargetID   *string   `json:"targetId,omitempty"`
	Result     string    `json:"result"`
	Details    *string   `json:"details,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (h *BatchHandler) CreateBatch(c *fiber.Ctx) error {
	var req createBatchRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	period, err := domain.ParsePeriod(req.StartDate, req.EndDate)
	if err != nil {
		return err
	}

	batch, items, err := h.service.Submit(c.UserContext(), transport.OwnerID(c), req.TargetIDs, period)
	if err != nil {
		return err
	}

	resp := toBatchResponse(batch)
	resp.Items = make([]itemResponse, 0, len(items))
	for i := range items {
		resp.Items = append(resp.Items, toItemResponse(service.ItemView{BatchItem: items[i]}))
	}
	return c.Status(fiber.StatusAccepted).JSON(resp)
}

func (h *BatchHandler) GetBatch(c *fiber.Ctx) error {
	snapshot, err := h.service.GetStatus(c.UserContext(), c.Params("batchId"), transport.OwnerID(c))
	if err != nil {
		return err
	}

	resp := toBatchResponse(&snapshot.Batch)
	resp.Progress = &snapshot.Progress
	resp.Items = make([]itemResponse, 0, len(snapshot.Items))
	for _, item := range snapshot.Items {
		resp.Items = append(resp.Items, toItemResponse(item))
	}
	return c.Status(fiber.StatusOK).JSON(resp)
}

func (h *BatchHandler) ListBatches(c *fiber.Ctx) error {
	page, err := h.service.List(
		c.UserContext(),
		transport.OwnerID(c),
		c.QueryInt("page", defaultPage),
		c.QueryInt("pageSize", defaultPageSize),
		strings.TrimSpace(c.Query("status")),
	)
	if err != nil {
		return err
	}

	data := make([]batchResponse, 0, len(page.Batches))
	for i := range page.Batches {
		data = append(data, toBatchResponse(&page.Batches[i]))
	}
	return c.Status(fiber.StatusOK).JSON(listBatchesResponse{
		Data: data,
		Meta: listMeta{
			Page:       page.Page,
			PageSize:   page.PageSize,
			TotalItems: page.Total,
			TotalPages: page.TotalPages,
		},
	})
}

func (h *BatchHandler) CancelBatch(c *fiber.Ctx) error {
	batchID := strings.TrimSpace(c.Params("batchId"))
	if err := h.service.Cancel(c.UserContext(), batchID, transport.OwnerID(c)); err != nil {
		return err
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"batchId": batchID,
		"status":  domain.BatchStatusError.String(),
	})
}

func (h *BatchHandler) GetAuditTrail(c *fiber.Ctx) error {
	events, err := h.service.AuditTrail(c.UserContext(), c.Params("batchId"), transport.OwnerID(c))
	if err != nil {
		return err
	}

	data := make([]auditEventResponse, 0, len(events))
	for _, e := range events {
		data = append(data, auditEventResponse{
			ID:         e.ID,
			Action:     string(e.Action),
			ItemID:     e.ItemID,
			WorkUnitID: e.WorkUnitID,
			TargetID:   e.TargetID,
			Result:     e.Result,
			Details:    e.Details,
			CreatedAt:  e.CreatedAt,
		})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"data": data})
}

func toBatchResponse(b *domain.Batch) batchResponse {
	return batchResponse{
		ID:             b.ID,
		Status:         b.Status.String(),
		StartDate:      b.Period.StartString(),
		EndDate:        b.Period.EndString(),
		TotalCount:     b.TotalCount,
		CompletedCount: b.CompletedCount,
		FailedCount:    b.FailedCount,
		CreatedAt:      b.CreatedAt,
		UpdatedAt:      b.UpdatedAt,
		CompletedAt:    b.CompletedAt,
	}
}

func toItemResponse(item service.ItemView) itemResponse {
	return itemResponse{
		ID:            item.ID,
		TargetID:      item.TargetID,
		Label:         item.Label,
		Position:      item.Position,
		Status:        item.Status.String(),
		ResultRef:     item.ResultRef,
		ResultExpired: item.ResultExpired,
		FailureReason: item.FailureReason,
		CompletedAt:   item.CompletedAt,
	}
}
