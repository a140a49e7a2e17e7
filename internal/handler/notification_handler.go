package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/due-notifier/internal/domain"
	"github.com/kursadbilgin/due-notifier/internal/observability"
	"github.com/kursadbilgin/due-notifier/internal/repository"
	"github.com/kursadbilgin/due-notifier/internal/transport"
)

const (
	defaultPage     = 1
	defaultPageSize = 50
	maxPageSize     = 100
)

type NotificationService interface {
	Create(ctx context.Context, n *domain.Notification) (*domain.Notification, error)
	Reschedule(ctx context.Context, id string, dueAt time.Time) (*domain.Notification, error)
	GetByID(ctx context.Context, id string) (*domain.Notification, error)
	List(ctx context.Context, params repository.ListParams) ([]domain.Notification, int64, error)
	Attempts(ctx context.Context, id string) ([]domain.NotificationAttempt, error)
}

type NotificationHandler struct {
	service NotificationService
}

func NewNotificationHandler(service NotificationService) (*NotificationHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("notification service is required")
	}
	return &NotificationHandler{service: service}, nil
}

func RegisterNotificationRoutes(router fiber.Router, service NotificationService) error {
	h, err := NewNotificationHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/notifications", h.CreateNotification)
	v1.Get("/notifications", h.ListNotifications)
	v1.Get("/notifications/:id", h.GetNotification)
	v1.Get("/notifications/:id/attempts", h.ListAttempts)
	v1.Post("/notifications/:id/reschedule", h.RescheduleNotification)

	return nil
}

type createNotificationRequest struct {
	ChatID          string `json:"chatId"`
	Kind            string `json:"kind"`
	ReferenceNumber string `json:"referenceNumber"`
	Title           string `json:"title"`
	Description     string `json:"description"`
	CustomerName    string `json:"customerName"`
	Phone           string `json:"phone"`
	Note            string `json:"note"`
	DueAt           string `json:"dueAt"`
}

type rescheduleRequest struct {
	DueAt string `json:"dueAt"`
}

type notificationResponse struct {
	ID              string     `json:"id"`
	ChatID          string     `json:"chatId"`
	Kind            string     `json:"kind"`
	ReferenceNumber string     `json:"referenceNumber,omitempty"`
	Title           string     `json:"title,omitempty"`
	Description     string     `json:"description,omitempty"`
	CustomerName    string     `json:"customerName,omitempty"`
	Phone           string     `json:"phone,omitempty"`
	Note            string     `json:"note,omitempty"`
	DueAt           time.Time  `json:"dueAt"`
	Status          string     `json:"status"`
	ErrorMessage    *string    `json:"errorMessage,omitempty"`
	SentAt          *time.Time `json:"sentAt,omitempty"`
	AttemptCount    int        `json:"attemptCount"`
	CreatedAt       time.Time  `json:"createdAt,omitempty"`
	UpdatedAt       time.Time  `json:"updatedAt,omitempty"`
}

type attemptResponse struct {
	AttemptNumber int       `json:"attemptNumber"`
	MessageID     *string   `json:"messageId,omitempty"`
	Error         *string   `json:"error,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

type listNotificationsResponse struct {
	Data []notificationResponse `json:"data"`
	Meta listMeta               `json:"meta"`
}

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

func (h *NotificationHandler) CreateNotification(c *fiber.Ctx) error {
	var req createNotificationRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	notification, err := requestToDomainNotification(req)
	if err != nil {
		return toHTTPError(err)
	}

	created, err := h.service.Create(requestContext(c), &notification)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(toNotificationResponse(created))
}

func (h *NotificationHandler) GetNotification(c *fiber.Ctx) error {
	notification, err := h.service.GetByID(requestContext(c), strings.TrimSpace(c.Params("id")))
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toNotificationResponse(notification))
}

func (h *NotificationHandler) ListAttempts(c *fiber.Ctx) error {
	attempts, err := h.service.Attempts(requestContext(c), strings.TrimSpace(c.Params("id")))
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]attemptResponse, 0, len(attempts))
	for _, a := range attempts {
		data = append(data, attemptResponse{
			AttemptNumber: a.AttemptNumber,
			MessageID:     a.MessageID,
			Error:         a.Error,
			CreatedAt:     a.CreatedAt,
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"data": data})
}

func (h *NotificationHandler) RescheduleNotification(c *fiber.Ctx) error {
	var req rescheduleRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	dueAt, err := parseRFC3339(req.DueAt, "dueAt")
	if err != nil {
		return toHTTPError(err)
	}
	if dueAt == nil {
		return toHTTPError(fmt.Errorf("%w: dueAt is required", domain.ErrValidation))
	}

	updated, err := h.service.Reschedule(requestContext(c), strings.TrimSpace(c.Params("id")), *dueAt)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toNotificationResponse(updated))
}

func (h *NotificationHandler) ListNotifications(c *fiber.Ctx) error {
	params, err := parseListParams(c)
	if err != nil {
		return toHTTPError(err)
	}

	notifications, total, err := h.service.List(requestContext(c), params)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(listNotificationsResponse{
		Data: toNotificationResponses(notifications),
		Meta: listMeta{
			Page:     params.Page,
			PageSize: params.PageSize,
			Total:    total,
		},
	})
}

func parseListParams(c *fiber.Ctx) (repository.ListParams, error) {
	params := repository.ListParams{
		Page:     c.QueryInt("page", defaultPage),
		PageSize: c.QueryInt("pageSize", defaultPageSize),
	}

	if params.Page < 1 {
		return repository.ListParams{}, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if params.PageSize < 1 || params.PageSize > maxPageSize {
		return repository.ListParams{}, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}

	if rawStatus := strings.TrimSpace(c.Query("status")); rawStatus != "" {
		status, err := domain.ParseStatusFromString(rawStatus)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Status = &status
	}

	if rawKind := strings.TrimSpace(c.Query("kind")); rawKind != "" {
		kind, err := domain.ParseKindFromString(rawKind)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Kind = &kind
	}

	return params, nil
}

func parseRFC3339(value string, field string) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC3339", domain.ErrValidation, field)
	}
	return &t, nil
}

func requestToDomainNotification(req createNotificationRequest) (domain.Notification, error) {
	kind, err := domain.ParseKindFromString(req.Kind)
	if err != nil {
		return domain.Notification{}, err
	}

	dueAt, err := parseRFC3339(req.DueAt, "dueAt")
	if err != nil {
		return domain.Notification{}, err
	}

	n := domain.Notification{
		ChatID:          strings.TrimSpace(req.ChatID),
		Kind:            kind,
		ReferenceNumber: req.ReferenceNumber,
		Title:           req.Title,
		Description:     req.Description,
		CustomerName:    req.CustomerName,
		Phone:           req.Phone,
		Note:            req.Note,
	}
	if dueAt != nil {
		n.DueAt = *dueAt
	}

	return n, nil
}

// requestContext carries the request id into the service call for log correlation.
func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if id := requestCorrelationID(c); id != "" {
		ctx = observability.WithCorrelationID(ctx, id)
	}
	return ctx
}

func requestCorrelationID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); value != "" {
		return value
	}
	if value, ok := c.Locals("requestid").(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func toNotificationResponses(notifications []domain.Notification) []notificationResponse {
	responses := make([]notificationResponse, 0, len(notifications))
	for _, notification := range notifications {
		n := notification
		responses = append(responses, toNotificationResponse(&n))
	}
	return responses
}

func toNotificationResponse(n *domain.Notification) notificationResponse {
	if n == nil {
		return notificationResponse{}
	}

	return notificationResponse{
		ID:              n.ID,
		ChatID:          n.ChatID,
		Kind:            n.Kind.String(),
		ReferenceNumber: n.ReferenceNumber,
		Title:           n.Title,
		Description:     n.Description,
		CustomerName:    n.CustomerName,
		Phone:           n.Phone,
		Note:            n.Note,
		DueAt:           n.DueAt,
		Status:          n.Status.String(),
		ErrorMessage:    n.ErrorMessage,
		SentAt:          n.SentAt,
		AttemptCount:    n.AttemptCount,
		CreatedAt:       n.CreatedAt,
		UpdatedAt:       n.UpdatedAt,
	}
}

func toHTTPError(err error) error {
	code := transport.StatusCode(err)
	if code >= fiber.StatusInternalServerError {
		return err
	}
	return fiber.NewError(code, err.Error())
}
