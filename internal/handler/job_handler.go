package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/due-notifier/internal/domain"
	"github.com/kursadbilgin/due-notifier/internal/queue"
)

const maxDeadListLimit = 500

// JobService is the operator view of the delivery broker.
type JobService interface {
	Job(ctx context.Context, key string) (*queue.JobStatus, error)
	DeadJobs(ctx context.Context, limit int) ([]queue.DeadJob, error)
	RequeueDeadJob(ctx context.Context, key string) error
}

type JobHandler struct {
	service JobService
}

func RegisterJobRoutes(router fiber.Router, service JobService) error {
	if service == nil {
		return fmt.Errorf("job service is required")
	}
	h := &JobHandler{service: service}

	v1 := router.Group("/v1")
	v1.Get("/jobs/dead", h.ListDead)
	v1.Post("/jobs/dead/:key/requeue", h.RequeueDead)
	v1.Get("/jobs/:key", h.GetJob)

	return nil
}

type jobResponse struct {
	Key        string     `json:"key"`
	Topic      string     `json:"topic"`
	PayloadRef string     `json:"payloadRef"`
	State      string     `json:"state,omitempty"`
	Attempt    int        `json:"attempt"`
	Requeued   bool       `json:"requeued,omitempty"`
	DueAt      time.Time  `json:"dueAt"`
	EnqueuedAt time.Time  `json:"enqueuedAt"`
	LastError  string     `json:"lastError,omitempty"`
	FailedAt   *time.Time `json:"failedAt,omitempty"`
}

func (h *JobHandler) GetJob(c *fiber.Ctx) error {
	status, err := h.service.Job(requestContext(c), strings.TrimSpace(c.Params("key")))
	if err != nil {
		return toHTTPError(err)
	}

	resp := toJobResponse(status.Job)
	resp.State = string(status.State)
	resp.FailedAt = status.FailedAt
	return c.Status(fiber.StatusOK).JSON(resp)
}

func (h *JobHandler) ListDead(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 0)
	if limit < 0 || limit > maxDeadListLimit {
		return toHTTPError(fmt.Errorf("%w: limit must be between 0 and %d", domain.ErrValidation, maxDeadListLimit))
	}

	dead, err := h.service.DeadJobs(requestContext(c), limit)
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]jobResponse, 0, len(dead))
	for _, d := range dead {
		resp := toJobResponse(d.Job)
		resp.State = string(queue.JobStateDead)
		failedAt := d.FailedAt
		resp.FailedAt = &failedAt
		data = append(data, resp)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"data": data})
}

func (h *JobHandler) RequeueDead(c *fiber.Ctx) error {
	key := strings.TrimSpace(c.Params("key"))
	if err := h.service.RequeueDeadJob(requestContext(c), key); err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"key":   key,
		"state": string(queue.JobStateScheduled),
	})
}

func toJobResponse(job queue.Job) jobResponse {
	return jobResponse{
		Key:        job.Key,
		Topic:      job.Topic,
		PayloadRef: job.PayloadRef,
		Attempt:    job.Attempt,
		Requeued:   job.Requeued,
		DueAt:      job.DueAt,
		EnqueuedAt: job.EnqueuedAt,
		LastError:  job.LastError,
	}
}
