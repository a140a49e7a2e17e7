package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/due-notifier/internal/domain"
	"github.com/kursadbilgin/due-notifier/internal/observability"
	"github.com/kursadbilgin/due-notifier/internal/provider"
	"github.com/kursadbilgin/due-notifier/internal/ratelimit"
	"go.uber.org/zap"
)

const DefaultSendTimeout = 30 * time.Second

// Config holds the gateway's send policy.
type Config struct {
	// SendTimeout bounds each individual send, including every part of a sequence.
	SendTimeout time.Duration
	ParseMode   string
	// RateLimiter is awaited before every message, so each sequence part and
	// attachment takes its own slot. Waiting does not count against SendTimeout.
	RateLimiter ratelimit.RateLimiter
}

// SequenceResult reports what a sequenced send delivered.
type SequenceResult struct {
	MessageIDs []string
	// Fallback is set when a part failed and the content went out as one message.
	Fallback bool
}

// Gateway sends messages through a channel provider with a deadline per send.
type Gateway struct {
	provider provider.Provider
	cfg      Config
	logger   *zap.Logger
	metrics  *observability.Metrics
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewGateway(p provider.Provider, cfg Config, logger *zap.Logger) (*Gateway, error) {
	if p == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.RateLimiter == nil {
		cfg.RateLimiter = ratelimit.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Gateway{
		provider: p,
		cfg:      cfg,
		logger:   logger,
		sleep:    sleepContext,
	}, nil
}

func (g *Gateway) SetMetrics(metrics *observability.Metrics) {
	if g == nil {
		return
	}
	g.metrics = metrics
}

// SendTimeout is the per-send deadline applied by Send and SendSequence.
func (g *Gateway) SendTimeout() time.Duration {
	return g.cfg.SendTimeout
}

// Send delivers msg to target within the configured send timeout.
func (g *Gateway) Send(ctx context.Context, target string, msg provider.OutboundMessage) (*provider.ProviderResponse, error) {
	return g.SendTimed(ctx, target, msg, g.cfg.SendTimeout)
}

// SendTimed waits for a rate limit slot, then delivers msg to target, giving up after timeout. A missed deadline yields
// an error wrapping domain.ErrTimeout; any other failure wraps domain.ErrDelivery.
func (g *Gateway) SendTimed(
	ctx context.Context,
	target string,
	msg provider.OutboundMessage,
	timeout time.Duration,
) (*provider.ProviderResponse, error) {
	if timeout <= 0 {
		timeout = g.cfg.SendTimeout
	}
	msg.ChatID = target
	if msg.ParseMode == "" {
		msg.ParseMode = g.cfg.ParseMode
	}

	if err := g.cfg.RateLimiter.Wait(ctx, target); err != nil {
		return nil, fmt.Errorf("%w: rate limiter: %w", domain.ErrDelivery, err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type sendResult struct {
		resp *provider.ProviderResponse
		err  error
	}
	// Buffered so a send that outlives the deadline can still complete and exit.
	done := make(chan sendResult, 1)
	go func() {
		resp, err := g.provider.Send(ctx, msg)
		done <- sendResult{resp: resp, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, g.deadlineError(ctx, target, timeout)
	case res := <-done:
		if res.err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, g.deadlineError(ctx, target, timeout)
			}
			return nil, fmt.Errorf("%w: %w", domain.ErrDelivery, res.err)
		}
		return res.resp, nil
	}
}

func (g *Gateway) deadlineError(ctx context.Context, target string, timeout time.Duration) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: send to chat %s did not complete within %s", domain.ErrTimeout, target, timeout)
	}
	return fmt.Errorf("%w: %w", domain.ErrDelivery, ctx.Err())
}

// SendSequence delivers parts to target in order, pausing interDelay between two sent
// parts. Blank parts are skipped and take no delay slot. If any part fails the rest
// are abandoned and the non-blank parts go out once more as a single message.
func (g *Gateway) SendSequence(
	ctx context.Context,
	target string,
	parts []string,
	interDelay time.Duration,
) (*SequenceResult, error) {
	content := nonBlank(parts)
	if len(content) == 0 {
		return nil, fmt.Errorf("%w: sequence has no content", domain.ErrDelivery)
	}

	result := &SequenceResult{MessageIDs: make([]string, 0, len(content))}
	for i, part := range content {
		if i > 0 && interDelay > 0 {
			if err := g.sleep(ctx, interDelay); err != nil {
				return result, fmt.Errorf("%w: sequence interrupted: %w", domain.ErrDelivery, err)
			}
		}

		resp, err := g.Send(ctx, target, provider.OutboundMessage{Text: part})
		if err != nil {
			g.logger.Warn("sequence part failed, sending consolidated message",
				zap.String("chatId", target),
				zap.Int("part", i+1),
				zap.Int("parts", len(content)),
				zap.Error(err),
			)
			return g.sendConsolidated(ctx, target, content, result, err)
		}
		result.MessageIDs = append(result.MessageIDs, messageIDOf(resp))
	}

	return result, nil
}

func (g *Gateway) sendConsolidated(
	ctx context.Context,
	target string,
	content []string,
	result *SequenceResult,
	cause error,
) (*SequenceResult, error) {
	g.metrics.IncSequenceFallback()
	result.Fallback = true

	resp, err := g.Send(ctx, target, provider.OutboundMessage{Text: strings.Join(content, "\n")})
	if err != nil {
		return result, fmt.Errorf("consolidated send after failed sequence (%v): %w", cause, err)
	}
	result.MessageIDs = append(result.MessageIDs, messageIDOf(resp))
	return result, nil
}

func nonBlank(parts []string) []string {
	content := make([]string, 0, len(parts))
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			continue
		}
		content = append(content, part)
	}
	return content
}

func messageIDOf(resp *provider.ProviderResponse) string {
	if resp == nil {
		return ""
	}
	return resp.MessageID
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
