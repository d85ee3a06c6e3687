package forward

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wcfbridge/pkg/bus"
	"wcfbridge/pkg/event"
	"wcfbridge/pkg/logger"
	"wcfbridge/pkg/sdk"
)

var errUnavailable = errors.New("sink unavailable")

type fakeSink struct {
	name     string
	mode     Mode
	failures int // failures before the first success; negative fails forever
	block    bool

	mu        sync.Mutex
	attempts  int
	delivered []string
}

func (s *fakeSink) Name() string { return s.name }

func (s *fakeSink) Mode() Mode { return s.mode }

func (s *fakeSink) Deliver(ctx context.Context, ev event.NormalizedEvent) error {
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.failures < 0 || s.attempts <= s.failures {
		return errUnavailable
	}
	s.delivered = append(s.delivered, ev.ID)
	return nil
}

func (s *fakeSink) snapshot() (int, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts, append([]string(nil), s.delivered...)
}

func fastRetry() Retry {
	return Retry{MaxAttempts: 3, Backoff: sdk.Backoff{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond}}
}

func startForwarder(t *testing.T, sinks []Sink, opts Options) (*Forwarder, context.CancelFunc, <-chan error) {
	t.Helper()

	b := bus.New()
	t.Cleanup(b.Close)

	f := New(b, sinks, opts, logger.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()
	t.Cleanup(cancel)

	select {
	case <-f.Ready():
	case <-time.After(time.Second):
		t.Fatal("forwarder did not subscribe its sinks")
	}
	return f, cancel, done
}

func TestRetryRecoversFromTransientFailures(t *testing.T) {
	sink := &fakeSink{name: "webhook", mode: ModeRetry, failures: 2}
	f, _, _ := startForwarder(t, []Sink{sink}, Options{Retry: fastRetry()})

	require.True(t, f.Forward(context.Background(), event.NormalizedEvent{ID: "evt-1"}))

	require.Eventually(t, func() bool {
		_, delivered := sink.snapshot()
		return len(delivered) == 1
	}, time.Second, 5*time.Millisecond)

	attempts, delivered := sink.snapshot()
	require.Equal(t, 3, attempts)
	require.Equal(t, []string{"evt-1"}, delivered)

	stats := f.Stats()
	require.Equal(t, uint64(1), stats.Published)
	require.Equal(t, uint64(3), stats.Sinks[0].Attempts)
	require.Equal(t, uint64(1), stats.Sinks[0].Delivered)
	require.Zero(t, stats.Sinks[0].Failed)
}

func TestPersistentFailureIsBoundedAndIsolated(t *testing.T) {
	failing := &fakeSink{name: "broken", mode: ModeRetry, failures: -1}
	healthy := &fakeSink{name: "healthy", mode: ModeRetry}

	var mu sync.Mutex
	var failures []*DeliveryError
	opts := Options{
		Retry: fastRetry(),
		OnFailure: func(err *DeliveryError) {
			mu.Lock()
			failures = append(failures, err)
			mu.Unlock()
		},
	}
	f, _, _ := startForwarder(t, []Sink{failing, healthy}, opts)

	require.True(t, f.Forward(context.Background(), event.NormalizedEvent{ID: "evt-1"}))

	require.Eventually(t, func() bool {
		_, delivered := healthy.snapshot()
		return len(delivered) == 1
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failures) == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	attempts, delivered := failing.snapshot()
	require.Equal(t, 3, attempts)
	require.Empty(t, delivered)

	mu.Lock()
	got := failures[0]
	mu.Unlock()
	require.Equal(t, "broken", got.Sink)
	require.Equal(t, "evt-1", got.EventID)
	require.Equal(t, 3, got.Attempts)
	require.ErrorIs(t, got, errUnavailable)

	stats := f.Stats()
	require.Equal(t, uint64(1), stats.Sinks[0].Failed)
	require.Equal(t, errUnavailable.Error(), stats.Sinks[0].LastError)
	require.Equal(t, uint64(1), stats.Sinks[1].Delivered)
}

func TestFireAndForgetMakesOneAttempt(t *testing.T) {
	sink := &fakeSink{name: "redis", mode: ModeFireAndForget, failures: -1}
	f, _, _ := startForwarder(t, []Sink{sink}, Options{Retry: fastRetry()})

	require.True(t, f.Forward(context.Background(), event.NormalizedEvent{ID: "evt-1"}))

	require.Eventually(t, func() bool {
		return f.Stats().Sinks[0].Failed == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	attempts, _ := sink.snapshot()
	require.Equal(t, 1, attempts)
}

func TestSlowSinkDoesNotDelayOthers(t *testing.T) {
	stuck := &fakeSink{name: "stuck", mode: ModeRetry, block: true}
	fast := &fakeSink{name: "fast", mode: ModeFireAndForget}
	f, _, _ := startForwarder(t, []Sink{stuck, fast}, Options{QueueSize: 2, Retry: fastRetry()})

	ids := []string{"a", "b", "c", "d", "e"}
	for i, id := range ids {
		require.True(t, f.Forward(context.Background(), event.NormalizedEvent{ID: id}))
		require.Eventually(t, func() bool {
			_, delivered := fast.snapshot()
			return len(delivered) == i+1
		}, time.Second, 2*time.Millisecond)
	}

	_, delivered := fast.snapshot()
	require.Equal(t, ids, delivered)
	require.Positive(t, f.Stats().Sinks[0].Dropped)
}

func TestShutdownAbandonsPendingRetries(t *testing.T) {
	sink := &fakeSink{name: "broken", mode: ModeRetry, failures: -1}
	opts := Options{Retry: Retry{MaxAttempts: 5, Backoff: sdk.Backoff{Initial: time.Hour, Max: time.Hour}}}
	f, cancel, done := startForwarder(t, []Sink{sink}, opts)

	require.True(t, f.Forward(context.Background(), event.NormalizedEvent{ID: "evt-1"}))
	require.Eventually(t, func() bool {
		attempts, _ := sink.snapshot()
		return attempts == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("forwarder waited on a pending retry")
	}

	require.Zero(t, f.Stats().Sinks[0].Failed)
}

func TestParseMode(t *testing.T) {
	require.Equal(t, ModeRetry, ParseMode("retry", ModeFireAndForget))
	require.Equal(t, ModeFireAndForget, ParseMode("fire_and_forget", ModeRetry))
	require.Equal(t, ModeRetry, ParseMode("", ModeRetry))
}
