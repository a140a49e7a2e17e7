package handler

import (
	"bytes"
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/due-notifier/internal/domain"
	"github.com/kursadbilgin/due-notifier/internal/queue"
	"github.com/kursadbilgin/due-notifier/internal/repository"
	"github.com/kursadbilgin/due-notifier/internal/transport"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func TestNotificationIntegration_CreateNotification(t *testing.T) {
	t.Parallel()

	svc := &stubNotificationService{
		createFn: func(ctx context.Context, n *domain.Notification) (*domain.Notification, error) {
			if err := n.Validate(); err != nil {
				return nil, err
			}
			if n.DueAt.IsZero() {
				t.Error("dueAt should be parsed from the request")
			}
			n.ID = "n-created"
			n.Status = domain.StatusPending
			return n, nil
		},
	}

	app := newNotificationTestApp(t, svc)

	validBody := `{"chatId":"-100123","kind":"reminder","title":"Boiler service","dueAt":"2026-03-01T10:00:00Z"}`
	resp, body := performRequest(t, app, http.MethodPost, "/v1/notifications", validBody)
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("status = %d, want 202, body=%s", resp.StatusCode, string(body))
	}
	var accepted map[string]any
	if err := json.Unmarshal(body, &accepted); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if accepted["id"] != "n-created" || accepted["status"] != domain.StatusPending.String() {
		t.Fatalf("body = %v", accepted)
	}
	if accepted["kind"] != domain.KindReminder.String() || accepted["dueAt"] != "2026-03-01T10:00:00Z" {
		t.Fatalf("body = %v", accepted)
	}

	tests := []struct {
		name string
		body string
	}{
		{name: "missing chat", body: `{"chatId":"","kind":"contact"}`},
		{name: "unknown kind", body: `{"chatId":"c","kind":"fax"}`},
		{name: "bad due date", body: `{"chatId":"c","kind":"contact","dueAt":"tomorrow"}`},
		{name: "malformed json", body: `{"chatId":`},
		{name: "note overflow", body: fmt.Sprintf(`{"chatId":"c","kind":"contact","note":"%s"}`, strings.Repeat("a", domain.MaxNote+1))},
	}
	for _, tt := range tests {
		resp, _ := performRequest(t, app, http.MethodPost, "/v1/notifications", tt.body)
		if resp.StatusCode != fiber.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", tt.name, resp.StatusCode)
		}
	}
}

func TestNotificationIntegration_CreateNotificationInternalErrorIsHidden(t *testing.T) {
	t.Parallel()

	svc := &stubNotificationService{
		createFn: func(context.Context, *domain.Notification) (*domain.Notification, error) {
			return nil, errors.New("failed to schedule notification: dial tcp 10.0.0.7:6379: connection refused")
		},
	}
	app := newNotificationTestApp(t, svc)

	resp, body := performRequest(t, app, http.MethodPost, "/v1/notifications", `{"chatId":"c","kind":"contact"}`)
	if resp.StatusCode != fiber.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	if strings.Contains(string(body), "10.0.0.7") {
		t.Fatalf("body leaks internals: %s", string(body))
	}
}

func TestNotificationIntegration_GetNotification(t *testing.T) {
	t.Parallel()

	sentAt := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	svc := &stubNotificationService{
		getByIDFn: func(_ context.Context, id string) (*domain.Notification, error) {
			if id != "n1" {
				return nil, domain.ErrNotFound
			}
			return &domain.Notification{
				ID:           "n1",
				ChatID:       "c",
				Kind:         domain.KindContact,
				Status:       domain.StatusSent,
				SentAt:       &sentAt,
				AttemptCount: 1,
			}, nil
		},
	}
	app := newNotificationTestApp(t, svc)

	resp, body := performRequest(t, app, http.MethodGet, "/v1/notifications/n1", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if parsed["status"] != "SENT" || parsed["sentAt"] != "2026-02-01T09:00:00Z" || parsed["attemptCount"] != float64(1) {
		t.Fatalf("body = %v", parsed)
	}

	resp, _ = performRequest(t, app, http.MethodGet, "/v1/notifications/missing", "")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestNotificationIntegration_RescheduleNotification(t *testing.T) {
	t.Parallel()

	svc := &stubNotificationService{
		rescheduleFn: func(_ context.Context, id string, dueAt time.Time) (*domain.Notification, error) {
			switch id {
			case "sent":
				return nil, fmt.Errorf("%w: already sent", domain.ErrConflict)
			case "n1":
				return &domain.Notification{ID: id, Kind: domain.KindContact, Status: domain.StatusPending, DueAt: dueAt}, nil
			}
			return nil, domain.ErrNotFound
		},
	}
	app := newNotificationTestApp(t, svc)

	resp, body := performRequest(t, app, http.MethodPost, "/v1/notifications/n1/reschedule", `{"dueAt":"2026-04-01T08:30:00Z"}`)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}
	if !strings.Contains(string(body), `"dueAt":"2026-04-01T08:30:00Z"`) {
		t.Fatalf("body = %s", string(body))
	}

	resp, _ = performRequest(t, app, http.MethodPost, "/v1/notifications/sent/reschedule", `{"dueAt":"2026-04-01T08:30:00Z"}`)
	if resp.StatusCode != fiber.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}

	resp, _ = performRequest(t, app, http.MethodPost, "/v1/notifications/n1/reschedule", `{}`)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for missing dueAt", resp.StatusCode)
	}
}

func TestNotificationIntegration_ListNotificationsAndAttempts(t *testing.T) {
	t.Parallel()

	svc := &stubNotificationService{
		listFn: func(_ context.Context, params repository.ListParams) ([]domain.Notification, int64, error) {
			if params.Page != 2 || params.PageSize != 10 {
				t.Errorf("params = %+v, want page 2 size 10", params)
			}
			if params.Status == nil || *params.Status != domain.StatusFailed {
				t.Errorf("status filter = %v, want FAILED", params.Status)
			}
			if params.Kind == nil || *params.Kind != domain.KindTermination {
				t.Errorf("kind filter = %v, want TERMINATION", params.Kind)
			}
			return []domain.Notification{{ID: "n1", Kind: domain.KindTermination, Status: domain.StatusFailed}}, 11, nil
		},
		attemptsFn: func(_ context.Context, id string) ([]domain.NotificationAttempt, error) {
			failure := "provider error: status=400: chat not found"
			return []domain.NotificationAttempt{{NotificationID: id, AttemptNumber: 1, Error: &failure}}, nil
		},
	}
	app := newNotificationTestApp(t, svc)

	resp, body := performRequest(t, app, http.MethodGet, "/v1/notifications?page=2&pageSize=10&status=failed&kind=termination", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}
	var list listNotificationsResponse
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if list.Meta.Total != 11 || len(list.Data) != 1 {
		t.Fatalf("list = %+v", list)
	}

	resp, _ = performRequest(t, app, http.MethodGet, "/v1/notifications?pageSize=1000", "")
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for oversized page", resp.StatusCode)
	}

	resp, body = performRequest(t, app, http.MethodGet, "/v1/notifications/n1/attempts", "")
	if resp.StatusCode != fiber.StatusOK || !strings.Contains(string(body), "chat not found") {
		t.Fatalf("attempts status = %d, body=%s", resp.StatusCode, string(body))
	}
}

func TestJobIntegration_DeadJobs(t *testing.T) {
	t.Parallel()

	failedAt := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	svc := &stubJobService{
		deadJobsFn: func(_ context.Context, limit int) ([]queue.DeadJob, error) {
			if limit != 5 {
				t.Errorf("limit = %d, want 5", limit)
			}
			return []queue.DeadJob{{
				Job:      queue.Job{Key: "n1", Topic: queue.TopicNotification, PayloadRef: "n1", Attempt: 3, LastError: "timeout"},
				FailedAt: failedAt,
			}}, nil
		},
		requeueFn: func(_ context.Context, key string) error {
			if key != "n1" {
				return fmt.Errorf("%w: dead job", domain.ErrNotFound)
			}
			return nil
		},
		jobFn: func(_ context.Context, key string) (*queue.JobStatus, error) {
			if key != "n1" {
				return nil, queue.ErrJobNotFound
			}
			return &queue.JobStatus{Job: queue.Job{Key: key}, State: queue.JobStateRunning}, nil
		},
	}

	app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
	if err := RegisterJobRoutes(app, svc); err != nil {
		t.Fatalf("RegisterJobRoutes() error = %v", err)
	}

	resp, body := performRequest(t, app, http.MethodGet, "/v1/jobs/dead?limit=5", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}
	if !strings.Contains(string(body), `"lastError":"timeout"`) || !strings.Contains(string(body), `"state":"dead"`) {
		t.Fatalf("body = %s", string(body))
	}

	resp, _ = performRequest(t, app, http.MethodPost, "/v1/jobs/dead/n1/requeue", "")
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	resp, _ = performRequest(t, app, http.MethodPost, "/v1/jobs/dead/other/requeue", "")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}

	resp, body = performRequest(t, app, http.MethodGet, "/v1/jobs/n1", "")
	if resp.StatusCode != fiber.StatusOK || !strings.Contains(string(body), `"state":"running"`) {
		t.Fatalf("job status = %d, body=%s", resp.StatusCode, string(body))
	}
	resp, _ = performRequest(t, app, http.MethodGet, "/v1/jobs/other", "")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHealthIntegration_LivezAndReadyz(t *testing.T) {
	t.Parallel()

	t.Run("livez returns 200", func(t *testing.T) {
		t.Parallel()

		app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
		RegisterHealthRoutes(app)

		resp, body := performRequest(t, app, http.MethodGet, "/livez", "")
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
		}
	})

	t.Run("readyz returns 200 when dependencies healthy", func(t *testing.T) {
		t.Parallel()

		sqlDB := sql.OpenDB(stubConnector{})
		t.Cleanup(func() { _ = sqlDB.Close() })

		mr := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })

		app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
		RegisterHealthRoutes(app, PostgresCheck(sqlDB), RedisCheck(rdb))

		resp, body := performRequest(t, app, http.MethodGet, "/readyz", "")
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
		}
	})

	t.Run("readyz returns 503 when a dependency is down", func(t *testing.T) {
		t.Parallel()

		sqlDB := sql.OpenDB(stubConnector{pingErr: errors.New("postgres down")})
		t.Cleanup(func() { _ = sqlDB.Close() })

		mr := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })

		app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
		RegisterHealthRoutes(app, PostgresCheck(sqlDB), RedisCheck(rdb))

		resp, body := performRequest(t, app, http.MethodGet, "/readyz", "")
		if resp.StatusCode != fiber.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503, body=%s", resp.StatusCode, string(body))
		}
		if !strings.Contains(string(body), `"postgres":"down"`) || !strings.Contains(string(body), `"redis":"ok"`) {
			t.Fatalf("body = %s", string(body))
		}
	})
}

type stubNotificationService struct {
	createFn     func(ctx context.Context, n *domain.Notification) (*domain.Notification, error)
	rescheduleFn func(ctx context.Context, id string, dueAt time.Time) (*domain.Notification, error)
	getByIDFn    func(ctx context.Context, id string) (*domain.Notification, error)
	listFn       func(ctx context.Context, params repository.ListParams) ([]domain.Notification, int64, error)
	attemptsFn   func(ctx context.Context, id string) ([]domain.NotificationAttempt, error)
}

func (s *stubNotificationService) Create(ctx context.Context, n *domain.Notification) (*domain.Notification, error) {
	if s.createFn != nil {
		return s.createFn(ctx, n)
	}
	return nil, errors.New("not implemented")
}

func (s *stubNotificationService) Reschedule(ctx context.Context, id string, dueAt time.Time) (*domain.Notification, error) {
	if s.rescheduleFn != nil {
		return s.rescheduleFn(ctx, id, dueAt)
	}
	return nil, errors.New("not implemented")
}

func (s *stubNotificationService) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	if s.getByIDFn != nil {
		return s.getByIDFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (s *stubNotificationService) List(
	ctx context.Context,
	params repository.ListParams,
) ([]domain.Notification, int64, error) {
	if s.listFn != nil {
		return s.listFn(ctx, params)
	}
	return nil, 0, nil
}

func (s *stubNotificationService) Attempts(ctx context.Context, id string) ([]domain.NotificationAttempt, error) {
	if s.attemptsFn != nil {
		return s.attemptsFn(ctx, id)
	}
	return nil, nil
}

type stubJobService struct {
	jobFn      func(ctx context.Context, key string) (*queue.JobStatus, error)
	deadJobsFn func(ctx context.Context, limit int) ([]queue.DeadJob, error)
	requeueFn  func(ctx context.Context, key string) error
}

func (s *stubJobService) Job(ctx context.Context, key string) (*queue.JobStatus, error) {
	return s.jobFn(ctx, key)
}

func (s *stubJobService) DeadJobs(ctx context.Context, limit int) ([]queue.DeadJob, error) {
	return s.deadJobsFn(ctx, limit)
}

func (s *stubJobService) RequeueDeadJob(ctx context.Context, key string) error {
	return s.requeueFn(ctx, key)
}

func newNotificationTestApp(t *testing.T, svc NotificationService) *fiber.App {
	t.Helper()

	app := fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(zap.NewNop()),
	})

	if err := RegisterNotificationRoutes(app, svc); err != nil {
		t.Fatalf("RegisterNotificationRoutes() error = %v", err)
	}

	return app
}

func performRequest(t *testing.T, app *fiber.App, method string, path string, body string) (*http.Response, []byte) {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	_ = resp.Body.Close()

	return resp, respBody
}

type stubConnector struct {
	pingErr error
}

func (c stubConnector) Connect(context.Context) (driver.Conn, error) {
	return stubConn(c), nil
}

func (c stubConnector) Driver() driver.Driver {
	return stubDriver(c)
}

type stubDriver struct {
	pingErr error
}

func (d stubDriver) Open(string) (driver.Conn, error) {
	return stubConn(d), nil
}

type stubConn struct {
	pingErr error
}

func (c stubConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("not implemented") }
func (c stubConn) Close() error                        { return nil }
func (c stubConn) Begin() (driver.Tx, error)           { return nil, errors.New("not implemented") }
func (c stubConn) Ping(context.Context) error          { return c.pingErr }
