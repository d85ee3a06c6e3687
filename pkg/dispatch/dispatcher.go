package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"wcfbridge/pkg/codec"
	"wcfbridge/pkg/sdk"
)

const (
	defaultCommandTimeout = 5 * time.Second
	defaultQueueTimeout   = 30 * time.Second
	defaultPollInterval   = time.Second
)

// Caller is the part of the transport client the dispatcher drives.
type Caller interface {
	Call(ctx context.Context, req sdk.Request, timeout time.Duration) (sdk.Response, error)
	State() sdk.State
}

// Options bounds how long a command may wait and run.
type Options struct {
	CommandTimeout time.Duration
	QueueTimeout   time.Duration
	// PollInterval spaces the decrypt polls of SaveImage.
	PollInterval time.Duration
}

// Command is one request to dispatch. ID is assigned by Dispatch when empty.
type Command struct {
	ID      string
	Kind    CommandKind
	Payload any
}

// Result is the raw outcome of a successful round trip.
type Result struct {
	ID      string
	Kind    CommandKind
	Status  int32
	Str     string
	Payload codec.RawMessage
}

// Decode unpacks the structured reply payload into v.
func (r Result) Decode(v any) error {
	if len(r.Payload) == 0 {
		return fmt.Errorf("%s reply carries no payload", r.Kind)
	}
	return codec.Unmarshal(r.Payload, v)
}

// Stats counts dispatcher activity since start.
type Stats struct {
	Dispatched uint64 `json:"dispatched"`
	Failed     uint64 `json:"failed"`
	Waiting    int    `json:"waiting"`
}

type ticket struct {
	ready chan struct{}
}

// Dispatcher serializes commands onto the single SDK command channel. Callers
// are admitted to the in-flight slot in arrival order.
type Dispatcher struct {
	caller Caller
	opts   Options
	log    *slog.Logger

	mu    sync.Mutex
	busy  bool
	queue []*ticket

	dispatched atomic.Uint64
	failed     atomic.Uint64
}

// New returns a dispatcher over caller.
func New(caller Caller, opts Options, log *slog.Logger) *Dispatcher {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}
	if opts.QueueTimeout <= 0 {
		opts.QueueTimeout = defaultQueueTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if log == nil {
		log = slog.Default()
	}

	return &Dispatcher{
		caller: caller,
		opts:   opts,
		log:    log.With("component", "dispatch"),
	}
}

// Dispatch validates cmd, waits for the command slot and performs one round
// trip. It fails fast without queueing when the session is not connected.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) (Result, error) {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}

	res, err := d.dispatch(ctx, cmd)
	d.dispatched.Add(1)
	if err != nil {
		d.failed.Add(1)
	}
	return res, err
}

func (d *Dispatcher) dispatch(ctx context.Context, cmd Command) (Result, error) {
	spec, ok := Lookup(cmd.Kind)
	if !ok {
		return Result{}, fail(KindInvalid, cmd.Kind, cmd.ID, ErrUnknownKind)
	}
	if err := Validate(cmd.Kind, cmd.Payload); err != nil {
		return Result{}, fail(KindInvalid, cmd.Kind, cmd.ID, err)
	}
	if state := d.caller.State(); state != sdk.StateConnected {
		return Result{}, fail(sdk.KindConnect, cmd.Kind, cmd.ID, fmt.Errorf("%w (session %s)", sdk.ErrNotConnected, state))
	}

	req, err := sdk.NewRequest(spec.Func, cmd.Payload)
	if err != nil {
		return Result{}, fail(KindInvalid, cmd.Kind, cmd.ID, err)
	}

	waitStart := time.Now()
	if err := d.acquire(ctx); err != nil {
		return Result{}, fail(sdk.KindTimeout, cmd.Kind, cmd.ID, err)
	}
	// Once on the wire only the command timeout ends the exchange. Abandoning
	// it mid-frame would desynchronize the socket for every other caller.
	callStart := time.Now()
	resp, err := d.caller.Call(context.WithoutCancel(ctx), req, d.opts.CommandTimeout)
	d.release()

	d.log.Debug("Command dispatched",
		"kind", cmd.Kind,
		"correlation_id", cmd.ID,
		"waited", callStart.Sub(waitStart),
		"elapsed", time.Since(callStart),
		"ok", err == nil,
	)

	if err != nil {
		kind := sdk.KindOf(err)
		if kind == "" {
			kind = sdk.KindTransport
		}
		return Result{}, fail(kind, cmd.Kind, cmd.ID, err)
	}

	return Result{
		ID:      cmd.ID,
		Kind:    cmd.Kind,
		Status:  resp.Status,
		Str:     resp.Str,
		Payload: resp.Payload,
	}, nil
}

// Stats returns a snapshot of dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	waiting := len(d.queue)
	d.mu.Unlock()

	return Stats{
		Dispatched: d.dispatched.Load(),
		Failed:     d.failed.Load(),
		Waiting:    waiting,
	}
}

func (d *Dispatcher) acquire(ctx context.Context) error {
	d.mu.Lock()
	if !d.busy && len(d.queue) == 0 {
		d.busy = true
		d.mu.Unlock()
		return nil
	}
	t := &ticket{ready: make(chan struct{})}
	d.queue = append(d.queue, t)
	d.mu.Unlock()

	timer := time.NewTimer(d.opts.QueueTimeout)
	defer timer.Stop()

	var cause error
	select {
	case <-t.ready:
		return nil
	case <-ctx.Done():
		cause = ctx.Err()
	case <-timer.C:
		cause = ErrQueueTimeout
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if idx := slices.Index(d.queue, t); idx >= 0 {
		d.queue = slices.Delete(d.queue, idx, idx+1)
		return cause
	}
	// The slot was handed over while we were giving up; pass it on.
	d.releaseLocked()
	return cause
}

func (d *Dispatcher) release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.releaseLocked()
}

func (d *Dispatcher) releaseLocked() {
	if len(d.queue) == 0 {
		d.busy = false
		return
	}
	next := d.queue[0]
	d.queue = d.queue[1:]
	close(next.ready)
}
