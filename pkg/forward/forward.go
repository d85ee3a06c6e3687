// Package forward delivers normalized events to the configured sinks.
//
// Every sink gets its own bounded queue and its own worker, so a slow or
// failing sink never delays another sink or the event drain loop.
package forward

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"wcfbridge/pkg/bus"
	"wcfbridge/pkg/event"
	"wcfbridge/pkg/sdk"
)

// Mode is a sink's delivery policy.
type Mode string

const (
	// ModeRetry retries failed deliveries with bounded exponential backoff.
	ModeRetry Mode = "retry"
	// ModeFireAndForget makes exactly one attempt.
	ModeFireAndForget Mode = "fire_and_forget"
)

// ParseMode maps a configured mode to a Mode, using fallback when empty.
func ParseMode(value string, fallback Mode) Mode {
	switch Mode(value) {
	case ModeRetry:
		return ModeRetry
	case ModeFireAndForget:
		return ModeFireAndForget
	default:
		return fallback
	}
}

// Sink is one event destination. Names must be unique per Forwarder.
type Sink interface {
	Name() string
	Mode() Mode
	Deliver(ctx context.Context, ev event.NormalizedEvent) error
}

// DeliveryError is reported once a sink has used up its attempts for one event.
type DeliveryError struct {
	Sink     string
	EventID  string
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver event %s to %s after %d attempt(s): %v", e.EventID, e.Sink, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Retry bounds redelivery for ModeRetry sinks.
type Retry struct {
	MaxAttempts int
	Backoff     sdk.Backoff
}

// Options configures a Forwarder.
type Options struct {
	QueueSize int
	Retry     Retry
	// OnFailure, when set, sees every event a sink gave up on.
	OnFailure func(*DeliveryError)
}

// SinkStats counts deliveries for one sink.
type SinkStats struct {
	Name      string `json:"name"`
	Mode      Mode   `json:"mode"`
	Attempts  uint64 `json:"attempts"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	LastError string `json:"last_error,omitempty"`
}

// Stats is a snapshot of forwarding counters.
type Stats struct {
	Published uint64      `json:"published"`
	Sinks     []SinkStats `json:"sinks"`
}

type sinkCounters struct {
	attempts  atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
	lastError atomic.Pointer[string]
}

// Forwarder publishes events onto the bus and runs one worker per sink.
type Forwarder struct {
	bus      *bus.EventBus
	sinks    []Sink
	counters []*sinkCounters
	opts     Options
	log      *slog.Logger

	ready     chan struct{}
	readyOnce sync.Once
}

func New(eventBus *bus.EventBus, sinks []Sink, opts Options, log *slog.Logger) *Forwarder {
	if log == nil {
		log = slog.Default()
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = 3
	}
	if opts.Retry.Backoff.Initial <= 0 {
		opts.Retry.Backoff.Initial = 500 * time.Millisecond
	}
	if opts.Retry.Backoff.Max <= 0 {
		opts.Retry.Backoff.Max = 8 * opts.Retry.Backoff.Initial
	}

	counters := make([]*sinkCounters, len(sinks))
	for i := range counters {
		counters[i] = &sinkCounters{}
	}

	return &Forwarder{
		bus:      eventBus,
		sinks:    sinks,
		counters: counters,
		opts:     opts,
		log:      log.With("component", "forward.forwarder"),
		ready:    make(chan struct{}),
	}
}

// Forward hands ev to every sink queue without waiting for delivery.
func (f *Forwarder) Forward(ctx context.Context, ev event.NormalizedEvent) bool {
	return f.bus.PublishEvent(ctx, ev)
}

// PublishEvent lets the Forwarder stand in as the listener's publisher.
func (f *Forwarder) PublishEvent(ctx context.Context, ev event.NormalizedEvent) bool {
	return f.Forward(ctx, ev)
}

// Ready is closed once every sink queue is subscribed.
func (f *Forwarder) Ready() <-chan struct{} {
	return f.ready
}

// Run subscribes every sink and delivers until ctx ends. Pending retries
// are abandoned on shutdown.
func (f *Forwarder) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i, sink := range f.sinks {
		events, unsubscribe := f.bus.SubscribeEvents(ctx, sink.Name(), f.opts.QueueSize)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer unsubscribe()
			f.work(ctx, sink, f.counters[i], events)
		}()
	}
	f.readyOnce.Do(func() { close(f.ready) })

	f.log.Info("Forwarder started", "sinks", f.Sinks())

	wg.Wait()
	f.log.Info("Forwarder stopped")
	return nil
}

func (f *Forwarder) work(ctx context.Context, sink Sink, counters *sinkCounters, events <-chan event.NormalizedEvent) {
	for ev := range events {
		if ctx.Err() != nil {
			return
		}
		f.deliver(ctx, sink, counters, ev)
	}
}

func (f *Forwarder) deliver(ctx context.Context, sink Sink, counters *sinkCounters, ev event.NormalizedEvent) {
	attempts := 1
	if sink.Mode() == ModeRetry {
		attempts = f.opts.Retry.MaxAttempts
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(f.opts.Retry.Backoff.Delay(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		counters.attempts.Add(1)
		err = sink.Deliver(ctx, ev)
		if err == nil {
			counters.delivered.Add(1)
			return
		}
		if ctx.Err() != nil {
			return
		}
		f.log.Debug("Sink delivery failed", "sink", sink.Name(), "event_id", ev.ID, "attempt", attempt, "error", err)
	}

	counters.failed.Add(1)
	msg := err.Error()
	counters.lastError.Store(&msg)

	failure := &DeliveryError{Sink: sink.Name(), EventID: ev.ID, Attempts: attempts, Err: err}
	f.log.Warn("Dropping event after failed delivery", "sink", sink.Name(), "event_id", ev.ID, "attempts", attempts, "error", err)
	if f.opts.OnFailure != nil {
		f.opts.OnFailure(failure)
	}
}

// Sinks returns the configured sink names in order.
func (f *Forwarder) Sinks() []string {
	names := make([]string, 0, len(f.sinks))
	for _, sink := range f.sinks {
		names = append(names, sink.Name())
	}
	return names
}

func (f *Forwarder) Stats() Stats {
	dropped := f.bus.Dropped()
	out := Stats{
		Published: f.bus.Published(),
		Sinks:     make([]SinkStats, 0, len(f.sinks)),
	}
	for i, sink := range f.sinks {
		c := f.counters[i]
		stats := SinkStats{
			Name:      sink.Name(),
			Mode:      sink.Mode(),
			Attempts:  c.attempts.Load(),
			Delivered: c.delivered.Load(),
			Failed:    c.failed.Load(),
			Dropped:   dropped[sink.Name()],
		}
		if last := c.lastError.Load(); last != nil {
			stats.LastError = *last
		}
		out.Sinks = append(out.Sinks, stats)
	}
	return out
}
