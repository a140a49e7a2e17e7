package queue

import (
	"context"
	"time"
)

// TopicNotification is the topic carrying notification delivery jobs.
const TopicNotification = "notification.deliver"

// Job is one delayed unit of work. Key is unique across the broker: scheduling an
// existing key replaces its pending run.
type Job struct {
	Key        string
	Topic      string
	PayloadRef string
	// Attempt counts failed runs of this job so far.
	Attempt    int
	Requeued   bool
	EnqueuedAt time.Time
	DueAt      time.Time
	LastError  string
}

// IsRetry reports whether this run re-executes a job that already failed.
func (j Job) IsRetry() bool {
	return j.Attempt > 0 || j.Requeued
}

// DeadJob is a job that exhausted its attempts.
type DeadJob struct {
	Job
	FailedAt time.Time
}

// Handler executes a job. A returned error feeds the retry policy.
type Handler func(ctx context.Context, job Job) error

// Scheduler enqueues delayed jobs.
type Scheduler interface {
	Schedule(ctx context.Context, topic string, key string, dueAt time.Time, payloadRef string) error
}

// Broker is the full broker surface: scheduling, handler registration, dead-set
// inspection and teardown.
type Broker interface {
	Scheduler
	Handle(topic string, handler Handler) error
	Run(ctx context.Context) error
	Inspect(ctx context.Context, key string) (*JobStatus, error)
	ListDead(ctx context.Context, limit int) ([]DeadJob, error)
	RequeueDead(ctx context.Context, key string) error
	Close() error
}

// RetryPolicy bounds re-execution of failed jobs.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   5 * time.Second,
		MaxDelay:    5 * time.Minute,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts < 1 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// Backoff returns the delay before re-running a job after its attempt-th failure:
// BaseDelay doubled per prior failure, capped at MaxDelay. It never decreases as attempt grows.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}

	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return min(delay, p.MaxDelay)
}

// Exhausted reports whether a job that has now failed `failures` times must stop retrying.
func (p RetryPolicy) Exhausted(failures int) bool {
	return failures >= p.normalized().MaxAttempts
}
