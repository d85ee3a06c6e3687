package sdk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"wcfbridge/pkg/codec"
)

const (
	defaultDialTimeout      = 3 * time.Second
	defaultHandshakeTimeout = 5 * time.Second
	closeTimeout            = time.Second
)

// Options configures a Client.
type Options struct {
	// Address is the command socket, "tcp://host:port".
	Address string
	// EventAddress defaults to Address with the port incremented by one.
	EventAddress     string
	ReceivePyq       bool
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	Backoff          Backoff
}

// Client owns the two SDK sockets: a strictly ordered request/reply command
// channel and a one-way event channel. Lost connections are re-established by
// a single supervisor goroutine.
type Client struct {
	opts     Options
	cmdAddr  string
	eventAdr string
	log      *slog.Logger

	callSem chan struct{}
	redial  chan struct{}

	mu           sync.Mutex
	state        State
	cmdConn      net.Conn
	eventConn    net.Conn
	generation   uint64
	stale        int
	connectedAt  time.Time
	lastActivity time.Time
	changed      chan struct{}
	closed       bool
	cancel       context.CancelFunc
	done         chan struct{}
}

// NewClient validates the addresses and returns a disconnected client.
func NewClient(opts Options, log *slog.Logger) (*Client, error) {
	cmdAddr, err := ParseAddress(opts.Address)
	if err != nil {
		return nil, err
	}

	eventAddr := ""
	if opts.EventAddress != "" {
		eventAddr, err = ParseAddress(opts.EventAddress)
	} else {
		eventAddr, err = EventAddressFor(opts.Address)
	}
	if err != nil {
		return nil, err
	}

	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if log == nil {
		log = slog.Default()
	}

	return &Client{
		opts:     opts,
		cmdAddr:  cmdAddr,
		eventAdr: eventAddr,
		log:      log.With("component", "sdk.client"),
		callSem:  make(chan struct{}, 1),
		redial:   make(chan struct{}, 1),
		changed:  make(chan struct{}),
	}, nil
}

// Connect opens both sockets and performs the receive handshake. It fails
// with a KindConnect error when the SDK is unreachable; there is no retry on
// the first connection.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return newError(KindConnect, "connect", ErrClosed)
	}
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return newError(KindConnect, "connect", fmt.Errorf("session is %s", c.state))
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	cmdConn, eventConn, err := c.open(ctx)
	if err != nil {
		c.mu.Lock()
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		return newError(KindConnect, "connect", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.install(cmdConn, eventConn)
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go c.supervise(runCtx, done)

	c.log.Info("Session connected", "command", c.cmdAddr, "event", c.eventAdr)
	return nil
}

// Call sends one request on the command socket and waits up to timeout for its
// reply. Only one call may be in flight; an overlapping call gets ErrBusy.
func (c *Client) Call(ctx context.Context, req Request, timeout time.Duration) (Response, error) {
	op := req.Func.String()

	select {
	case c.callSem <- struct{}{}:
	default:
		return Response{}, newError(KindTransport, op, ErrBusy)
	}
	defer func() { <-c.callSem }()

	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return Response{}, newError(KindConnect, op, ErrNotConnected)
	}
	conn, gen, stale := c.cmdConn, c.generation, c.stale
	c.mu.Unlock()

	resp, pending, err := exchange(ctx, conn, req, timeout, stale)

	c.mu.Lock()
	if gen == c.generation {
		c.stale = pending
		if err == nil {
			c.lastActivity = time.Now()
		}
	}
	c.mu.Unlock()

	if err != nil && KindOf(err) == KindTransport {
		c.fail(gen, err)
	}
	if pending > 0 {
		c.log.Debug("Reply outstanding after timeout", "func", op, "stale", pending)
	}

	return resp, err
}

// Events yields raw event frame bodies for the current connection. The
// sequence ends when the event socket closes or ctx is done and is not
// restartable; call WaitConnected and Events again after a reconnect.
func (c *Client) Events(ctx context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		c.mu.Lock()
		if c.state != StateConnected {
			c.mu.Unlock()
			yield(nil, newError(KindConnect, "events", ErrNotConnected))
			return
		}
		conn, gen := c.eventConn, c.generation
		c.mu.Unlock()

		_ = conn.SetReadDeadline(time.Time{})
		stop := context.AfterFunc(ctx, func() {
			_ = conn.SetReadDeadline(time.Unix(1, 0))
		})
		defer stop()

		for {
			body, _, err := ReadFrame(conn)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.fail(gen, err)
				if !errors.Is(err, io.EOF) {
					yield(nil, newError(KindTransport, "events", err))
				}
				return
			}

			c.touch(gen)
			if !yield(body, nil) {
				return
			}
		}
	}
}

// WaitConnected blocks until the session is Connected, ctx ends or the client is closed.
func (c *Client) WaitConnected(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.state == StateConnected {
			c.mu.Unlock()
			return nil
		}
		if c.closed {
			c.mu.Unlock()
			return ErrClosed
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Changed returns a channel closed at the next state transition.
func (c *Client) Changed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

// State returns the current session state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns a snapshot of the session.
func (c *Client) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Session{
		CommandAddress: c.cmdAddr,
		EventAddress:   c.eventAdr,
		State:          c.state,
		Generation:     c.generation,
		ConnectedAt:    c.connectedAt,
		LastActivity:   c.lastActivity,
	}
}

// Close disables event delivery on a best effort basis, closes both sockets
// and stops the supervisor. The client cannot be reconnected afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	connected := c.state == StateConnected
	c.mu.Unlock()

	if connected {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		if _, err := c.Call(ctx, Request{Func: FuncDisableRecvTxt}, closeTimeout); err != nil {
			c.log.Debug("Disable receiving on close failed", "error", err)
		}
		cancel()
	}

	c.mu.Lock()
	c.closed = true
	cancel, done := c.cancel, c.done
	err := c.closeConnsLocked()
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	c.log.Info("Session closed")
	return err
}

func (c *Client) open(ctx context.Context) (net.Conn, net.Conn, error) {
	dialer := net.Dialer{Timeout: c.opts.DialTimeout}

	cmdConn, err := dialer.DialContext(ctx, "tcp", c.cmdAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("dial command socket: %w", err)
	}

	req, err := NewRequest(FuncEnableRecvTxt, RecvFlag{Pyq: c.opts.ReceivePyq})
	if err != nil {
		_ = cmdConn.Close()
		return nil, nil, err
	}
	resp, _, err := exchange(ctx, cmdConn, req, c.opts.HandshakeTimeout, 0)
	if err != nil {
		_ = cmdConn.Close()
		return nil, nil, fmt.Errorf("enable receiving: %w", err)
	}
	if resp.Status != 0 {
		_ = cmdConn.Close()
		return nil, nil, fmt.Errorf("enable receiving: sdk status %d", resp.Status)
	}

	eventConn, err := dialer.DialContext(ctx, "tcp", c.eventAdr)
	if err != nil {
		_ = cmdConn.Close()
		return nil, nil, fmt.Errorf("dial event socket: %w", err)
	}

	return cmdConn, eventConn, nil
}

// install must be called with c.mu held.
func (c *Client) install(cmdConn, eventConn net.Conn) {
	now := time.Now()
	c.cmdConn = cmdConn
	c.eventConn = eventConn
	c.generation++
	c.stale = 0
	c.connectedAt = now
	c.lastActivity = now
	c.setStateLocked(StateConnected)
}

// fail marks the session degraded after an I/O error on generation gen and
// wakes the supervisor. Errors from an already replaced connection are ignored.
func (c *Client) fail(gen uint64, cause error) {
	c.mu.Lock()
	if c.closed || gen != c.generation || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	_ = c.closeConnsLocked()
	c.setStateLocked(StateDegraded)
	c.mu.Unlock()

	c.log.Warn("Session degraded", "generation", gen, "error", cause)

	select {
	case c.redial <- struct{}{}:
	default:
	}
}

func (c *Client) supervise(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.redial:
		}

		for attempt := 1; ; attempt++ {
			cmdConn, eventConn, err := c.open(ctx)
			if err == nil {
				c.mu.Lock()
				if c.closed {
					c.mu.Unlock()
					_ = cmdConn.Close()
					_ = eventConn.Close()
					return
				}
				c.install(cmdConn, eventConn)
				gen := c.generation
				c.mu.Unlock()

				c.log.Info("Session reconnected", "generation", gen, "attempts", attempt)
				break
			}

			delay := c.opts.Backoff.Delay(attempt)
			c.log.Warn("Reconnect attempt failed", "attempt", attempt, "retry_in", delay, "error", err)

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}
}

func (c *Client) touch(gen uint64) {
	c.mu.Lock()
	if gen == c.generation {
		c.lastActivity = time.Now()
	}
	c.mu.Unlock()
}

// closeConnsLocked must be called with c.mu held.
func (c *Client) closeConnsLocked() error {
	var errs []error
	if c.cmdConn != nil {
		errs = append(errs, c.cmdConn.Close())
		c.cmdConn = nil
	}
	if c.eventConn != nil {
		errs = append(errs, c.eventConn.Close())
		c.eventConn = nil
	}
	return errors.Join(errs...)
}

// setStateLocked must be called with c.mu held.
func (c *Client) setStateLocked(state State) {
	if c.state == state {
		return
	}
	c.state = state
	close(c.changed)
	c.changed = make(chan struct{})
}

// exchange writes req and reads replies until its own arrives, discarding
// stale replies owed to earlier timed out calls. It returns how many replies
// are still outstanding when the deadline expires before any byte of the next
// reply arrived. Any other I/O error leaves the stream unusable.
func exchange(ctx context.Context, conn net.Conn, req Request, timeout time.Duration, stale int) (Response, int, error) {
	op := req.Func.String()
	if err := ctx.Err(); err != nil {
		return Response{}, stale, newError(KindTimeout, op, err)
	}

	body, err := codec.Marshal(req)
	if err != nil {
		return Response{}, stale, newError(KindDecode, op, err)
	}

	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return Response{}, stale, newError(KindTransport, op, err)
	}
	defer conn.SetDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := WriteFrame(conn, body); err != nil {
		return Response{}, 0, newError(KindTransport, op, fmt.Errorf("write request: %w", err))
	}

	pending := stale + 1
	for {
		frame, n, err := ReadFrame(conn)
		if err != nil {
			if n == 0 && errors.Is(err, os.ErrDeadlineExceeded) {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return Response{}, pending, newError(KindTimeout, op, ctxErr)
				}
				return Response{}, pending, newError(KindTimeout, op, ErrCommandTimeout)
			}
			return Response{}, 0, newError(KindTransport, op, fmt.Errorf("read reply: %w", err))
		}

		pending--
		if pending > 0 {
			continue
		}

		var resp Response
		if err := codec.Unmarshal(frame, &resp); err != nil {
			return Response{}, 0, newError(KindDecode, op, err)
		}
		if resp.Func != req.Func {
			return Response{}, 0, newError(KindDecode, op, fmt.Errorf("reply for %s while waiting for %s", resp.Func, req.Func))
		}
		return resp, 0, nil
	}
}
