package delivery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/due-notifier/internal/domain"
	"github.com/kursadbilgin/due-notifier/internal/provider"
)

type fakeProvider struct {
	mu     sync.Mutex
	sent   []provider.OutboundMessage
	sendFn func(ctx context.Context, msg provider.OutboundMessage, call int) (*provider.ProviderResponse, error)
}

func (f *fakeProvider) Send(ctx context.Context, msg provider.OutboundMessage) (*provider.ProviderResponse, error) {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	call := len(f.sent)
	f.mu.Unlock()

	if f.sendFn != nil {
		return f.sendFn(ctx, msg, call)
	}
	return &provider.ProviderResponse{StatusCode: 200, MessageID: strings.Repeat("m", call)}, nil
}

func (f *fakeProvider) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	texts := make([]string, 0, len(f.sent))
	for _, msg := range f.sent {
		texts = append(texts, msg.Text)
	}
	return texts
}

func newTestGateway(t *testing.T, p provider.Provider) (*Gateway, *[]time.Duration) {
	t.Helper()

	gateway, err := NewGateway(p, Config{SendTimeout: time.Second, ParseMode: provider.ParseModeHTML}, nil)
	if err != nil {
		t.Fatalf("NewGateway() error = %v", err)
	}

	var sleeps []time.Duration
	gateway.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	return gateway, &sleeps
}

func TestSendTimedSuccess(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{}
	gateway, _ := newTestGateway(t, p)

	resp, err := gateway.SendTimed(context.Background(), "-100", provider.OutboundMessage{Text: "hi"}, time.Second)
	if err != nil {
		t.Fatalf("SendTimed() error = %v", err)
	}
	if resp.MessageID != "m" {
		t.Fatalf("MessageID = %q, want m", resp.MessageID)
	}
	if p.sent[0].ChatID != "-100" || p.sent[0].ParseMode != provider.ParseModeHTML {
		t.Fatalf("sent message = %+v", p.sent[0])
	}
}

func TestSendTimedNeverResolvingSendTimesOut(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	p := &fakeProvider{sendFn: func(context.Context, provider.OutboundMessage, int) (*provider.ProviderResponse, error) {
		<-release
		return &provider.ProviderResponse{}, nil
	}}
	gateway, _ := newTestGateway(t, p)

	start := time.Now()
	_, err := gateway.SendTimed(context.Background(), "-100", provider.OutboundMessage{Text: "hi"}, 50*time.Millisecond)
	elapsed := time.Since(start)

	if !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}
	if elapsed < 50*time.Millisecond {
		t.Fatalf("returned after %v, before the deadline", elapsed)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("returned after %v, long past the deadline", elapsed)
	}
}

func TestSendTimedProviderErrorIsDeliveryError(t *testing.T) {
	t.Parallel()

	providerErr := &provider.ProviderError{StatusCode: 400, Message: "chat not found"}
	p := &fakeProvider{sendFn: func(context.Context, provider.OutboundMessage, int) (*provider.ProviderResponse, error) {
		return nil, providerErr
	}}
	gateway, _ := newTestGateway(t, p)

	_, err := gateway.SendTimed(context.Background(), "-100", provider.OutboundMessage{Text: "hi"}, time.Second)
	if !errors.Is(err, domain.ErrDelivery) {
		t.Fatalf("error = %v, want ErrDelivery", err)
	}
	if errors.Is(err, domain.ErrTimeout) {
		t.Fatal("provider error must not be classified as timeout")
	}

	var gotProviderErr *provider.ProviderError
	if !errors.As(err, &gotProviderErr) || gotProviderErr.StatusCode != 400 {
		t.Fatalf("expected wrapped provider error, got %v", err)
	}
}

func TestSendTimedCanceledContextIsDeliveryError(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{sendFn: func(ctx context.Context, _ provider.OutboundMessage, _ int) (*provider.ProviderResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	gateway, _ := newTestGateway(t, p)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := gateway.SendTimed(ctx, "-100", provider.OutboundMessage{Text: "hi"}, time.Second)
	if !errors.Is(err, domain.ErrDelivery) || errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("error = %v, want non-timeout ErrDelivery", err)
	}
}

func TestSendSequenceSkipsBlankParts(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{}
	gateway, sleeps := newTestGateway(t, p)

	result, err := gateway.SendSequence(context.Background(), "-100", []string{"A", "B", ""}, 250*time.Millisecond)
	if err != nil {
		t.Fatalf("SendSequence() error = %v", err)
	}

	if got := p.texts(); len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Fatalf("sent = %v, want [A B]", got)
	}
	if len(*sleeps) != 1 || (*sleeps)[0] != 250*time.Millisecond {
		t.Fatalf("sleeps = %v, want one 250ms delay", *sleeps)
	}
	if result.Fallback || len(result.MessageIDs) != 2 {
		t.Fatalf("result = %+v", result)
	}
}

func TestSendSequenceBlankPartsTakeNoDelaySlot(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{}
	gateway, sleeps := newTestGateway(t, p)

	_, err := gateway.SendSequence(context.Background(), "-100", []string{"", "A", "  ", "B", "C"}, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("SendSequence() error = %v", err)
	}
	if got := p.texts(); strings.Join(got, ",") != "A,B,C" {
		t.Fatalf("sent = %v", got)
	}
	if len(*sleeps) != 2 {
		t.Fatalf("sleeps = %d, want 2", len(*sleeps))
	}
}

func TestSendSequenceFailureFallsBackToOneMessage(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{sendFn: func(_ context.Context, _ provider.OutboundMessage, call int) (*provider.ProviderResponse, error) {
		if call == 2 {
			return nil, errors.New("network down")
		}
		return &provider.ProviderResponse{MessageID: "ok"}, nil
	}}
	gateway, _ := newTestGateway(t, p)

	result, err := gateway.SendSequence(context.Background(), "-100", []string{"A", "B", "", "C"}, 250*time.Millisecond)
	if err != nil {
		t.Fatalf("SendSequence() error = %v", err)
	}

	got := p.texts()
	if len(got) != 3 {
		t.Fatalf("sent %d messages, want 3 (A, failed B, fallback): %v", len(got), got)
	}
	if got[2] != "A\nB\nC" {
		t.Fatalf("fallback text = %q, want consolidated content", got[2])
	}
	for _, text := range got {
		if text == "C" {
			t.Fatal("remaining parts must be abandoned after a failure")
		}
	}
	if !result.Fallback {
		t.Fatal("expected fallback to be reported")
	}
}

func TestSendSequenceFallbackFailureReturnsError(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{sendFn: func(context.Context, provider.OutboundMessage, int) (*provider.ProviderResponse, error) {
		return nil, errors.New("network down")
	}}
	gateway, _ := newTestGateway(t, p)

	result, err := gateway.SendSequence(context.Background(), "-100", []string{"A", "B"}, time.Millisecond)
	if !errors.Is(err, domain.ErrDelivery) {
		t.Fatalf("error = %v, want ErrDelivery", err)
	}
	if result == nil || !result.Fallback {
		t.Fatalf("result = %+v, want fallback attempted", result)
	}
	if got := len(p.texts()); got != 2 {
		t.Fatalf("sent %d messages, want first part and one fallback", got)
	}
}

func TestSendSequenceEmpty(t *testing.T) {
	t.Parallel()

	gateway, _ := newTestGateway(t, &fakeProvider{})

	if _, err := gateway.SendSequence(context.Background(), "-100", []string{"", " "}, time.Millisecond); !errors.Is(err, domain.ErrDelivery) {
		t.Fatalf("error = %v, want ErrDelivery", err)
	}
}

func TestSleepContext(t *testing.T) {
	t.Parallel()

	if err := sleepContext(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("sleepContext() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("sleepContext() error = %v, want context.Canceled", err)
	}
}

type countingLimiter struct {
	mu    sync.Mutex
	waits int
	err   error
}

func (l *countingLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

func (l *countingLimiter) Wait(context.Context, string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.waits++
	return l.err
}

func TestSendSequenceWaitsForRateLimitPerMessage(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{sendFn: func(_ context.Context, _ provider.OutboundMessage, call int) (*provider.ProviderResponse, error) {
		if call == 3 {
			return nil, &provider.ProviderError{StatusCode: 429, Transient: true}
		}
		return &provider.ProviderResponse{MessageID: "ok"}, nil
	}}
	limiter := &countingLimiter{}
	gateway, err := NewGateway(p, Config{SendTimeout: time.Second, RateLimiter: limiter}, nil)
	if err != nil {
		t.Fatalf("NewGateway() error = %v", err)
	}
	gateway.sleep = func(context.Context, time.Duration) error { return nil }

	if _, err := gateway.SendSequence(context.Background(), "-100", []string{"A", "B", "C", "D"}, time.Millisecond); err != nil {
		t.Fatalf("SendSequence() error = %v", err)
	}

	// A, B, failed C and the fallback each take a slot.
	if got := len(p.texts()); got != 4 {
		t.Fatalf("sent %d messages, want 4", got)
	}
	if limiter.waits != 4 {
		t.Fatalf("rate limit waits = %d, want 4", limiter.waits)
	}
}

func TestSendTimedRateLimiterErrorSkipsSend(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{}
	gateway, err := NewGateway(p, Config{RateLimiter: &countingLimiter{err: errors.New("redis down")}}, nil)
	if err != nil {
		t.Fatalf("NewGateway() error = %v", err)
	}

	_, err = gateway.Send(context.Background(), "-100", provider.OutboundMessage{Text: "hi"})
	if !errors.Is(err, domain.ErrDelivery) || errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("error = %v, want ErrDelivery", err)
	}
	if got := len(p.texts()); got != 0 {
		t.Fatalf("sent %d messages, want 0", got)
	}
}
