package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kursadbilgin/due-notifier/internal/observability"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPrefix       = "notifier"
	defaultConcurrency  = 8
	defaultPollInterval = 500 * time.Millisecond
	defaultLease        = 2 * time.Minute
	defaultRunTimeout   = 10 * time.Minute
	claimScanFactor     = 4
	reapBatch           = 100
	// A running job renews its lease this many times per lease period.
	leaseRenewals = 3
	// settleTimeout bounds the ack or fail bookkeeping once a handler returns.
	settleTimeout = 5 * time.Second
)

var (
	ErrJobNotFound   = errors.New("job not found")
	ErrBrokerRunning = errors.New("broker is already running")
	errNoHandler     = errors.New("no handler registered for topic")
)

// Fail script outcomes.
const (
	failSuperseded = 0
	failRetrying   = 1
	failDead       = 2
)

// KEYS: delayed, job hash, dead. ARGV: key, runAtMs, topic, payload, nowMs.
// Re-scheduling overwrites the pending run and resets its attempt counter.
var scheduleScript = goredis.NewScript(`
redis.call("HSET", KEYS[2], "topic", ARGV[3], "payload", ARGV[4], "attempts", "0", "enqueued_at", ARGV[5], "due_at", ARGV[2])
redis.call("HDEL", KEYS[2], "last_error", "failed_at", "requeued")
redis.call("ZREM", KEYS[3], ARGV[1])
redis.call("ZADD", KEYS[1], ARGV[2], ARGV[1])
return 1
`)

// KEYS: delayed, inflight. ARGV: nowMs, leaseUntilMs, limit, scanLimit.
// Keys already in flight stay in the delayed set until their current run settles.
var claimScript = goredis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", "0", ARGV[4])
local claimed = {}
local limit = tonumber(ARGV[3])
for _, key in ipairs(due) do
  if #claimed >= limit then
    break
  end
  if not redis.call("ZSCORE", KEYS[2], key) then
    redis.call("ZREM", KEYS[1], key)
    redis.call("ZADD", KEYS[2], ARGV[2], key)
    table.insert(claimed, key)
  end
end
return claimed
`)

// KEYS: delayed, inflight, job hash. ARGV: key.
var ackScript = goredis.NewScript(`
redis.call("ZREM", KEYS[2], ARGV[1])
if not redis.call("ZSCORE", KEYS[1], ARGV[1]) then
  redis.call("DEL", KEYS[3])
end
return 1
`)

// KEYS: delayed, inflight, job hash, dead. ARGV: key, retryAtMs, exhausted, error, nowMs.
var failScript = goredis.NewScript(`
redis.call("ZREM", KEYS[2], ARGV[1])
if redis.call("ZSCORE", KEYS[1], ARGV[1]) then
  return 0
end
if redis.call("EXISTS", KEYS[3]) == 0 then
  return 0
end
redis.call("HINCRBY", KEYS[3], "attempts", "1")
redis.call("HSET", KEYS[3], "last_error", ARGV[4])
redis.call("HDEL", KEYS[3], "requeued")
if ARGV[3] == "1" then
  redis.call("HSET", KEYS[3], "failed_at", ARGV[5])
  redis.call("ZADD", KEYS[4], ARGV[5], ARGV[1])
  return 2
end
redis.call("HSET", KEYS[3], "due_at", ARGV[2])
redis.call("ZADD", KEYS[1], ARGV[2], ARGV[1])
return 1
`)

// KEYS: delayed, inflight. ARGV: nowMs, limit.
var reapScript = goredis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[1], "LIMIT", "0", ARGV[2])
for _, key in ipairs(expired) do
  redis.call("ZREM", KEYS[2], key)
  if not redis.call("ZSCORE", KEYS[1], key) then
    redis.call("ZADD", KEYS[1], ARGV[1], key)
  end
end
return #expired
`)

// KEYS: delayed, inflight. ARGV: nowMs, keys...
var releaseScript = goredis.NewScript(`
for i = 2, #ARGV do
  if redis.call("ZREM", KEYS[2], ARGV[i]) == 1 and not redis.call("ZSCORE", KEYS[1], ARGV[i]) then
    redis.call("ZADD", KEYS[1], ARGV[1], ARGV[i])
  end
end
return 1
`)

// KEYS: dead, delayed, job hash. ARGV: key, nowMs.
var requeueDeadScript = goredis.NewScript(`
if redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[3], "attempts", "0", "due_at", ARGV[2], "requeued", "1")
redis.call("HDEL", KEYS[3], "failed_at")
redis.call("ZADD", KEYS[2], ARGV[2], ARGV[1])
return 1
`)

// BrokerConfig tunes a RedisBroker. Zero values fall back to defaults.
type BrokerConfig struct {
	Prefix       string
	Concurrency  int
	PollInterval time.Duration
	// Lease is how long a claimed job stays reserved without a renewal. Running jobs
	// renew it, so it only has to outlast a stalled or crashed process.
	Lease time.Duration
	// RunTimeout caps a single handler run. A run that hits it counts as a failure.
	RunTimeout time.Duration
	Retry      RetryPolicy
}

type brokerKeys struct {
	delayed  string
	inflight string
	dead     string
	jobBase  string
}

func newBrokerKeys(prefix string) brokerKeys {
	// The hash tag keeps every key in one cluster slot so scripts may touch them together.
	tag := fmt.Sprintf("{%s}", prefix)
	return brokerKeys{
		delayed:  tag + ":delayed",
		inflight: tag + ":inflight",
		dead:     tag + ":dead",
		jobBase:  tag + ":job:",
	}
}

func (k brokerKeys) job(key string) string {
	return k.jobBase + key
}

// RedisBroker is a durable delayed-job broker on Redis sorted sets. Jobs live in a
// delayed set scored by due time, move to an in-flight set scored by lease expiry
// while running, and land in a dead set once attempts are exhausted.
type RedisBroker struct {
	client  *goredis.Client
	keys    brokerKeys
	cfg     BrokerConfig
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler
	onDead   func(ctx context.Context, job DeadJob)

	runMu    sync.Mutex
	stop     context.CancelFunc
	done     chan struct{}
	inflight atomic.Int64
}

var _ Broker = (*RedisBroker)(nil)

func NewRedisBroker(client *goredis.Client, cfg BrokerConfig, logger *zap.Logger) (*RedisBroker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if strings.TrimSpace(cfg.Prefix) == "" {
		cfg.Prefix = defaultPrefix
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Lease <= 0 {
		cfg.Lease = defaultLease
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = defaultRunTimeout
	}
	cfg.Retry = cfg.Retry.normalized()
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RedisBroker{
		client:   client,
		keys:     newBrokerKeys(strings.TrimSpace(cfg.Prefix)),
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		handlers: make(map[string]Handler),
	}, nil
}

func (b *RedisBroker) SetMetrics(metrics *observability.Metrics) {
	if b == nil {
		return
	}
	b.metrics = metrics
}

// OnDead registers a callback invoked after a job is moved to the dead set.
func (b *RedisBroker) OnDead(fn func(ctx context.Context, job DeadJob)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDead = fn
}

func (b *RedisBroker) Handle(topic string, handler Handler) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return fmt.Errorf("topic is required")
	}
	if handler == nil {
		return fmt.Errorf("handler is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = handler
	return nil
}

// Schedule enqueues payloadRef under key to run at dueAt, or immediately when dueAt
// has passed. An existing pending run for the same key is replaced.
func (b *RedisBroker) Schedule(ctx context.Context, topic string, key string, dueAt time.Time, payloadRef string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("job key is required")
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return fmt.Errorf("topic is required")
	}

	payload, err := encodePayload(payloadRef)
	if err != nil {
		return err
	}

	now := b.now()
	runAt := dueAt
	if runAt.Before(now) {
		runAt = now
	}

	err = scheduleScript.Run(ctx, b.client,
		[]string{b.keys.delayed, b.keys.job(key), b.keys.dead},
		key, runAt.UnixMilli(), topic, payload, now.UnixMilli(),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to schedule job %q: %w", key, err)
	}

	b.logger.Debug("job scheduled",
		zap.String("jobKey", key),
		zap.String("topic", topic),
		zap.Time("runAt", runAt),
	)
	return nil
}

// Run drains due jobs until ctx is canceled or Close is called, then waits for
// in-flight handlers to settle.
func (b *RedisBroker) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	b.runMu.Lock()
	if b.stop != nil {
		b.runMu.Unlock()
		return ErrBrokerRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	b.stop = cancel
	b.done = done
	b.runMu.Unlock()

	defer close(done)
	defer cancel()

	g := new(errgroup.Group)
	g.SetLimit(b.cfg.Concurrency)

	b.logger.Info("broker started",
		zap.Int("concurrency", b.cfg.Concurrency),
		zap.Duration("pollInterval", b.cfg.PollInterval),
	)

	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	for {
		b.poll(ctx, g)

		select {
		case <-ctx.Done():
			_ = g.Wait()
			b.logger.Info("broker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Close stops a running broker and waits for in-flight jobs. The Redis client is
// owned by the caller and stays open.
func (b *RedisBroker) Close() error {
	b.runMu.Lock()
	stop, done := b.stop, b.done
	b.stop = nil
	b.done = nil
	b.runMu.Unlock()

	if stop == nil {
		return nil
	}
	stop()
	<-done
	return nil
}

func (b *RedisBroker) poll(ctx context.Context, g *errgroup.Group) {
	if _, err := b.reapExpired(ctx); err != nil && ctx.Err() == nil {
		b.logger.Error("failed to reap expired leases", zap.Error(err))
	}

	free := b.cfg.Concurrency - int(b.inflight.Load())
	if free <= 0 || ctx.Err() != nil {
		return
	}

	jobs, err := b.claim(ctx, free)
	if err != nil {
		if ctx.Err() == nil {
			b.logger.Error("failed to claim due jobs", zap.Error(err))
		}
		return
	}

	for i := range jobs {
		job := jobs[i]
		b.inflight.Add(1)
		g.Go(func() error {
			defer b.inflight.Add(-1)
			// Shutdown must not abort a handler halfway through a delivery.
			b.execute(context.WithoutCancel(ctx), job)
			return nil
		})
	}
}

func (b *RedisBroker) claim(ctx context.Context, limit int) ([]Job, error) {
	now := b.now()
	keys, err := claimScript.Run(ctx, b.client,
		[]string{b.keys.delayed, b.keys.inflight},
		now.UnixMilli(), now.Add(b.cfg.Lease).UnixMilli(), limit, limit*claimScanFactor,
	).StringSlice()
	if err != nil {
		return nil, err
	}

	jobs := make([]Job, 0, len(keys))
	for i, key := range keys {
		fields, err := b.client.HGetAll(ctx, b.keys.job(key)).Result()
		if err != nil {
			// Hand back what is loaded and give the rest up for the next poll.
			b.release(ctx, keys[i:])
			return jobs, fmt.Errorf("failed to load job %q: %w", key, err)
		}
		if len(fields) == 0 {
			b.logger.Warn("claimed job has no data, dropping", zap.String("jobKey", key))
			if err := b.client.ZRem(ctx, b.keys.inflight, key).Err(); err != nil {
				b.logger.Error("failed to drop lease of empty job", zap.String("jobKey", key), zap.Error(err))
			}
			continue
		}

		job, err := jobFromFields(key, fields)
		if err != nil {
			settleCtx, cancel := b.settleContext(ctx)
			b.fail(settleCtx, job, err, true)
			cancel()
			continue
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}

// release returns claimed but unstarted jobs to the delayed set, due now.
func (b *RedisBroker) release(ctx context.Context, keys []string) {
	ctx, cancel := b.settleContext(ctx)
	defer cancel()

	if err := releaseScript.Run(ctx, b.client,
		[]string{b.keys.delayed, b.keys.inflight},
		append([]any{b.now().UnixMilli()}, toArgs(keys)...)...,
	).Err(); err != nil {
		b.logger.Error("failed to release claimed jobs, leases will expire",
			zap.Strings("jobKeys", keys),
			zap.Error(err),
		)
	}
}

func toArgs(keys []string) []any {
	args := make([]any, len(keys))
	for i, key := range keys {
		args[i] = key
	}
	return args
}

func (b *RedisBroker) execute(ctx context.Context, job Job) {
	logger := b.logger.With(
		zap.String("jobKey", job.Key),
		zap.String("topic", job.Topic),
		zap.Int("attempt", job.Attempt+1),
	)

	handler := b.handler(job.Topic)
	if handler == nil {
		logger.Error("no handler registered for job topic")
		settleCtx, cancel := b.settleContext(ctx)
		defer cancel()
		b.fail(settleCtx, job, fmt.Errorf("%w %q", errNoHandler, job.Topic), true)
		return
	}

	runCtx, cancelRun := context.WithTimeout(ctx, b.cfg.RunTimeout)
	stopRenewal := b.renewLease(runCtx, job.Key, logger)
	err := invoke(runCtx, handler, job)
	stopRenewal()
	cancelRun()

	// The run context may be spent; the outcome must still be recorded.
	settleCtx, cancel := b.settleContext(ctx)
	defer cancel()

	if err != nil {
		b.fail(settleCtx, job, err, false)
		return
	}

	if err := ackScript.Run(settleCtx, b.client,
		[]string{b.keys.delayed, b.keys.inflight, b.keys.job(job.Key)},
		job.Key,
	).Err(); err != nil {
		logger.Error("failed to ack job", zap.Error(err))
		return
	}
	b.metrics.IncJobOutcome(job.Topic, "completed")
	logger.Debug("job completed")
}

// renewLease pushes the job's lease forward while its handler runs, so the reaper
// only re-arms jobs whose process stopped renewing. The returned func stops renewal
// and waits for it to exit.
func (b *RedisBroker) renewLease(ctx context.Context, key string, logger *zap.Logger) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)

		ticker := time.NewTicker(max(b.cfg.Lease/leaseRenewals, time.Millisecond))
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				until := b.now().Add(b.cfg.Lease).UnixMilli()
				err := b.client.ZAddXX(ctx, b.keys.inflight, goredis.Z{Score: float64(until), Member: key}).Err()
				if err != nil && ctx.Err() == nil {
					logger.Warn("failed to renew job lease", zap.Error(err))
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (b *RedisBroker) settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

func invoke(ctx context.Context, handler Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in handler: %v", r)
		}
	}()
	return handler(ctx, job)
}

func (b *RedisBroker) fail(ctx context.Context, job Job, cause error, forceDead bool) {
	failures := job.Attempt + 1
	exhausted := forceDead || b.cfg.Retry.Exhausted(failures)
	now := b.now()
	retryAt := now.Add(b.cfg.Retry.Backoff(failures))

	exhaustedFlag := "0"
	if exhausted {
		exhaustedFlag = "1"
	}

	outcome, err := failScript.Run(ctx, b.client,
		[]string{b.keys.delayed, b.keys.inflight, b.keys.job(job.Key), b.keys.dead},
		job.Key, retryAt.UnixMilli(), exhaustedFlag, cause.Error(), now.UnixMilli(),
	).Int()

	logger := b.logger.With(
		zap.String("jobKey", job.Key),
		zap.String("topic", job.Topic),
		zap.Int("attempt", failures),
		zap.NamedError("cause", cause),
	)

	if err != nil {
		logger.Error("failed to record job failure", zap.Error(err))
		return
	}

	switch outcome {
	case failSuperseded:
		logger.Info("job failed but was rescheduled meanwhile, keeping new schedule")
	case failRetrying:
		b.metrics.IncJobOutcome(job.Topic, "retried")
		logger.Warn("job failed, retry scheduled", zap.Time("retryAt", retryAt))
	case failDead:
		b.metrics.IncJobOutcome(job.Topic, "dead")
		logger.Error("job moved to dead set")

		dead := DeadJob{Job: job, FailedAt: now}
		dead.Attempt = failures
		dead.LastError = cause.Error()

		b.mu.RLock()
		onDead := b.onDead
		b.mu.RUnlock()
		if onDead != nil {
			onDead(ctx, dead)
		}
	}
}

func (b *RedisBroker) reapExpired(ctx context.Context) (int, error) {
	n, err := reapScript.Run(ctx, b.client,
		[]string{b.keys.delayed, b.keys.inflight},
		b.now().UnixMilli(), reapBatch,
	).Int()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		b.logger.Warn("re-armed jobs with expired leases", zap.Int("count", n))
	}
	return n, nil
}

func (b *RedisBroker) handler(topic string) Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.handlers[topic]
}

// JobState is where a job currently sits in the broker.
type JobState string

const (
	JobStateScheduled JobState = "scheduled"
	JobStateRunning   JobState = "running"
	JobStateDead      JobState = "dead"
)

// JobStatus describes a job for inspection.
type JobStatus struct {
	Job
	State    JobState
	FailedAt *time.Time
}

func (b *RedisBroker) Inspect(ctx context.Context, key string) (*JobStatus, error) {
	fields, err := b.client.HGetAll(ctx, b.keys.job(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load job %q: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}

	job, err := jobFromFields(key, fields)
	if err != nil {
		return nil, err
	}

	status := &JobStatus{Job: job, State: JobStateScheduled}
	if failedAt, ok := parseMillis(fields["failed_at"]); ok {
		status.State = JobStateDead
		status.FailedAt = &failedAt
		return status, nil
	}

	inflight, err := b.client.ZScore(ctx, b.keys.inflight, key).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("failed to read lease for job %q: %w", key, err)
	}
	if err == nil && inflight > 0 {
		status.State = JobStateRunning
	}

	return status, nil
}

func (b *RedisBroker) ListDead(ctx context.Context, limit int) ([]DeadJob, error) {
	if limit <= 0 {
		limit = 100
	}

	keys, err := b.client.ZRevRange(ctx, b.keys.dead, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead jobs: %w", err)
	}

	dead := make([]DeadJob, 0, len(keys))
	for _, key := range keys {
		fields, err := b.client.HGetAll(ctx, b.keys.job(key)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to load dead job %q: %w", key, err)
		}
		if len(fields) == 0 {
			continue
		}

		job, err := jobFromFields(key, fields)
		if err != nil {
			b.logger.Warn("dead job has an unreadable payload", zap.String("jobKey", key), zap.Error(err))
		}
		item := DeadJob{Job: job}
		if failedAt, ok := parseMillis(fields["failed_at"]); ok {
			item.FailedAt = failedAt
		}
		dead = append(dead, item)
	}

	return dead, nil
}

// RequeueDead moves a dead job back to the delayed set to run now. The run is marked
// as a retry so handlers may resume work the job already started.
func (b *RedisBroker) RequeueDead(ctx context.Context, key string) error {
	n, err := requeueDeadScript.Run(ctx, b.client,
		[]string{b.keys.dead, b.keys.delayed, b.keys.job(key)},
		key, b.now().UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to requeue dead job %q: %w", key, err)
	}
	if n == 0 {
		return ErrJobNotFound
	}

	b.logger.Info("dead job requeued", zap.String("jobKey", key))
	return nil
}

func jobFromFields(key string, fields map[string]string) (Job, error) {
	job := Job{
		Key:       key,
		Topic:     fields["topic"],
		LastError: fields["last_error"],
		Requeued:  fields["requeued"] == "1",
	}
	if attempts, err := strconv.Atoi(fields["attempts"]); err == nil {
		job.Attempt = attempts
	}
	if enqueuedAt, ok := parseMillis(fields["enqueued_at"]); ok {
		job.EnqueuedAt = enqueuedAt
	}
	if dueAt, ok := parseMillis(fields["due_at"]); ok {
		job.DueAt = dueAt
	}

	payload, err := decodePayload(fields["payload"])
	if err != nil {
		return job, err
	}
	job.PayloadRef = payload.PayloadRef

	return job, nil
}

func parseMillis(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}
