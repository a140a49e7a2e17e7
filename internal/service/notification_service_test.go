package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/due-notifier/internal/domain"
	"github.com/kursadbilgin/due-notifier/internal/queue"
	"go.uber.org/zap"
)

func TestNotificationServiceCreateHappyPath(t *testing.T) {
	t.Parallel()

	store := newMemNotificationStore()
	jobs := &fakeJobAdmin{}
	svc := newTestNotificationService(t, store, jobs)

	dueAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.FixedZone("TRT", 3*3600))
	created, err := svc.Create(context.Background(), &domain.Notification{
		ChatID:       "  chat-1 ",
		Kind:         domain.KindReminder,
		Title:        " Boiler service ",
		CustomerName: "Acme",
		DueAt:        dueAt,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if created.ID == "" || created.Status != domain.StatusPending {
		t.Fatalf("created = %+v, want id and PENDING", created)
	}
	if created.ChatID != "chat-1" || created.Title != "Boiler service" {
		t.Fatalf("fields were not trimmed: %+v", created)
	}
	if !created.DueAt.Equal(dueAt) || created.DueAt.Location() != time.UTC {
		t.Fatalf("dueAt = %v, want %v in UTC", created.DueAt, dueAt)
	}

	scheduled := jobs.scheduled()
	if len(scheduled) != 1 {
		t.Fatalf("schedules = %d, want 1", len(scheduled))
	}
	if got := scheduled[0]; got.topic != queue.TopicNotification || got.key != created.ID || got.payloadRef != created.ID || !got.dueAt.Equal(dueAt) {
		t.Fatalf("schedule = %+v", got)
	}
	if stored := store.get(created.ID); stored.Status != domain.StatusPending {
		t.Fatalf("stored status = %s, want PENDING", stored.Status)
	}
}

func TestNotificationServiceCreateDefaultsDueAtToNow(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	jobs := &fakeJobAdmin{}
	svc := newTestNotificationService(t, newMemNotificationStore(), jobs)
	svc.now = func() time.Time { return now }

	created, err := svc.Create(context.Background(), &domain.Notification{ChatID: "chat-1", Kind: domain.KindContact})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if !created.DueAt.Equal(now) || !jobs.scheduled()[0].dueAt.Equal(now) {
		t.Fatalf("dueAt = %v, want %v", created.DueAt, now)
	}
}

func TestNotificationServiceCreateValidationBeforeStore(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		notification *domain.Notification
	}{
		{name: "nil", notification: nil},
		{name: "missing chat", notification: &domain.Notification{Kind: domain.KindContact}},
		{name: "unknown kind", notification: &domain.Notification{ChatID: "c", Kind: "FAX"}},
		{name: "note too long", notification: &domain.Notification{
			ChatID: "c", Kind: domain.KindContact, Note: strings.Repeat("n", domain.MaxNote+1),
		}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := newMemNotificationStore()
			jobs := &fakeJobAdmin{}
			svc := newTestNotificationService(t, store, jobs)

			if _, err := svc.Create(context.Background(), tt.notification); !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("Create() error = %v, want ErrValidation", err)
			}
			if len(jobs.scheduled()) != 0 {
				t.Fatal("invalid input must not be scheduled")
			}
			if _, total, _ := store.List(context.Background(), listAll()); total != 0 {
				t.Fatalf("stored = %d, want 0", total)
			}
		})
	}
}

func TestNotificationServiceCreateScheduleFailureMarksFailed(t *testing.T) {
	t.Parallel()

	store := newMemNotificationStore()
	jobs := &fakeJobAdmin{scheduleFn: func(context.Context, string, string, time.Time, string) error {
		return errors.New("redis down")
	}}
	svc := newTestNotificationService(t, store, jobs)

	_, err := svc.Create(context.Background(), &domain.Notification{ChatID: "chat-1", Kind: domain.KindContact})
	if err == nil || !strings.Contains(err.Error(), "redis down") {
		t.Fatalf("Create() error = %v, want schedule error", err)
	}

	stored, _, _ := store.List(context.Background(), listAll())
	if len(stored) != 1 || stored[0].Status != domain.StatusFailed {
		t.Fatalf("stored = %+v, want one FAILED record", stored)
	}
	if stored[0].ErrorMessage == nil || !strings.Contains(*stored[0].ErrorMessage, "scheduling failed") {
		t.Fatalf("error message = %v", stored[0].ErrorMessage)
	}
}

func TestNotificationServiceReschedule(t *testing.T) {
	t.Parallel()

	failure := "timeout"
	store := newMemNotificationStore(
		&domain.Notification{ID: "failed", Kind: domain.KindContact, Status: domain.StatusFailed, ErrorMessage: &failure},
		&domain.Notification{ID: "sent", Kind: domain.KindContact, Status: domain.StatusSent},
		&domain.Notification{ID: "busy", Kind: domain.KindContact, Status: domain.StatusProcessing},
	)
	jobs := &fakeJobAdmin{}
	svc := newTestNotificationService(t, store, jobs)
	dueAt := time.Now().Add(time.Hour).UTC()

	updated, err := svc.Reschedule(context.Background(), "failed", dueAt)
	if err != nil {
		t.Fatalf("Reschedule() error = %v", err)
	}
	if updated.Status != domain.StatusPending || updated.ErrorMessage != nil || !updated.DueAt.Equal(dueAt) {
		t.Fatalf("updated = %+v", updated)
	}
	if scheduled := jobs.scheduled(); len(scheduled) != 1 || scheduled[0].key != "failed" || !scheduled[0].dueAt.Equal(dueAt) {
		t.Fatalf("schedules = %+v", scheduled)
	}

	for _, id := range []string{"sent", "busy"} {
		if _, err := svc.Reschedule(context.Background(), id, dueAt); !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("Reschedule(%s) error = %v, want ErrConflict", id, err)
		}
	}
	if _, err := svc.Reschedule(context.Background(), "missing", dueAt); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Reschedule(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := svc.Reschedule(context.Background(), "failed", time.Time{}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("Reschedule(zero) error = %v, want ErrValidation", err)
	}
	if len(jobs.scheduled()) != 1 {
		t.Fatal("rejected reschedules must not touch the broker")
	}
}

func TestNotificationServiceAttempts(t *testing.T) {
	t.Parallel()

	store := newMemNotificationStore(&domain.Notification{ID: "n1", Kind: domain.KindContact, Status: domain.StatusSent})
	attempts := &fakeAttemptRepo{}
	_ = attempts.Create(context.Background(), &domain.NotificationAttempt{ID: "a1", NotificationID: "n1", AttemptNumber: 1})
	svc, err := NewNotificationService(store, attempts, &fakeJobAdmin{}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewNotificationService() error = %v", err)
	}

	got, err := svc.Attempts(context.Background(), "n1")
	if err != nil || len(got) != 1 {
		t.Fatalf("Attempts() = %+v, %v", got, err)
	}
	if _, err := svc.Attempts(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Attempts(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := svc.GetByID(context.Background(), " "); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("GetByID(blank) error = %v, want ErrValidation", err)
	}
}

func TestNotificationServiceDeadJobs(t *testing.T) {
	t.Parallel()

	var requeued []string
	jobs := &fakeJobAdmin{
		listDeadFn: func(_ context.Context, limit int) ([]queue.DeadJob, error) {
			if limit != defaultDeadListLimit {
				t.Errorf("limit = %d, want %d", limit, defaultDeadListLimit)
			}
			return []queue.DeadJob{{Job: queue.Job{Key: "n1"}}}, nil
		},
		requeueDeadFn: func(_ context.Context, key string) error {
			if key == "missing" {
				return queue.ErrJobNotFound
			}
			requeued = append(requeued, key)
			return nil
		},
		inspectFn: func(context.Context, string) (*queue.JobStatus, error) {
			return nil, queue.ErrJobNotFound
		},
	}
	svc := newTestNotificationService(t, newMemNotificationStore(), jobs)

	dead, err := svc.DeadJobs(context.Background(), 0)
	if err != nil || len(dead) != 1 {
		t.Fatalf("DeadJobs() = %+v, %v", dead, err)
	}
	if err := svc.RequeueDeadJob(context.Background(), " n1 "); err != nil {
		t.Fatalf("RequeueDeadJob() error = %v", err)
	}
	if len(requeued) != 1 || requeued[0] != "n1" {
		t.Fatalf("requeued = %v", requeued)
	}
	if err := svc.RequeueDeadJob(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("RequeueDeadJob(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := svc.Job(context.Background(), "n1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Job() error = %v, want ErrNotFound", err)
	}
}

func newTestNotificationService(t *testing.T, store *memNotificationStore, jobs *fakeJobAdmin) *NotificationService {
	t.Helper()

	svc, err := NewNotificationService(store, &fakeAttemptRepo{}, jobs, zap.NewNop())
	if err != nil {
		t.Fatalf("NewNotificationService() error = %v", err)
	}
	return svc
}

type scheduleCall struct {
	topic      string
	key        string
	dueAt      time.Time
	payloadRef string
}

type fakeJobAdmin struct {
	mu            sync.Mutex
	calls         []scheduleCall
	scheduleFn    func(ctx context.Context, topic, key string, dueAt time.Time, payloadRef string) error
	inspectFn     func(ctx context.Context, key string) (*queue.JobStatus, error)
	listDeadFn    func(ctx context.Context, limit int) ([]queue.DeadJob, error)
	requeueDeadFn func(ctx context.Context, key string) error
}

func (f *fakeJobAdmin) Schedule(ctx context.Context, topic string, key string, dueAt time.Time, payloadRef string) error {
	if f.scheduleFn != nil {
		if err := f.scheduleFn(ctx, topic, key, dueAt, payloadRef); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, scheduleCall{topic: topic, key: key, dueAt: dueAt, payloadRef: payloadRef})
	return nil
}

func (f *fakeJobAdmin) Inspect(ctx context.Context, key string) (*queue.JobStatus, error) {
	if f.inspectFn != nil {
		return f.inspectFn(ctx, key)
	}
	return &queue.JobStatus{Job: queue.Job{Key: key}, State: queue.JobStateScheduled}, nil
}

func (f *fakeJobAdmin) ListDead(ctx context.Context, limit int) ([]queue.DeadJob, error) {
	if f.listDeadFn != nil {
		return f.listDeadFn(ctx, limit)
	}
	return nil, nil
}

func (f *fakeJobAdmin) RequeueDead(ctx context.Context, key string) error {
	if f.requeueDeadFn != nil {
		return f.requeueDeadFn(ctx, key)
	}
	return nil
}

func (f *fakeJobAdmin) scheduled() []scheduleCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]scheduleCall(nil), f.calls...)
}
