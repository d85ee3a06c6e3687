package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wcfbridge/pkg/codec"
	"wcfbridge/pkg/logger"
	"wcfbridge/pkg/sdk"
	"wcfbridge/pkg/sdk/sdktest"
)

func newTestDispatcher(t *testing.T, srv *sdktest.Server, opts Options) *Dispatcher {
	t.Helper()

	client, err := sdk.NewClient(srv.Options(), logger.Discard())
	require.NoError(t, err)
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { _ = client.Close() })

	return New(client, opts, logger.Discard())
}

type blockingCaller struct {
	state   sdk.State
	release chan struct{}
	calls   atomic.Int32
}

func (c *blockingCaller) Call(ctx context.Context, req sdk.Request, _ time.Duration) (sdk.Response, error) {
	c.calls.Add(1)
	select {
	case <-c.release:
		return sdk.Response{Func: req.Func}, nil
	case <-ctx.Done():
		return sdk.Response{}, ctx.Err()
	}
}

func (c *blockingCaller) State() sdk.State { return c.state }

func echoText(req sdk.Request) sdk.Response {
	var msg sdk.TextMsg
	if err := codec.Unmarshal(req.Payload, &msg); err != nil {
		return sdk.Response{Status: -1}
	}
	return sdk.Response{Str: msg.Msg}
}

func TestDispatchPreservesFIFOAndCorrelation(t *testing.T) {
	srv := sdktest.NewServer(t)
	srv.Handle(sdk.FuncSendTxt, echoText)
	srv.Delay(sdk.FuncSendTxt, 150*time.Millisecond)
	d := newTestDispatcher(t, srv, Options{})

	const callers = 4
	type outcome struct {
		cmd Command
		res Result
		err error
	}
	outcomes := make([]outcome, callers)

	var wg sync.WaitGroup
	for i := range callers {
		cmd := Command{
			ID:      fmt.Sprintf("caller-%d", i),
			Kind:    KindSendText,
			Payload: sdk.TextMsg{Msg: fmt.Sprintf("m%d", i), Receiver: "wxid_abc"},
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := d.Dispatch(context.Background(), cmd)
			outcomes[i] = outcome{cmd: cmd, res: res, err: err}
		}()

		if i == 0 {
			require.Eventually(t, func() bool { return srv.CountRequests(sdk.FuncSendTxt) == 1 }, time.Second, time.Millisecond)
		} else {
			require.Eventually(t, func() bool { return d.Stats().Waiting == i }, time.Second, time.Millisecond)
		}
	}
	wg.Wait()

	for i, o := range outcomes {
		require.NoError(t, o.err, "caller %d", i)
		require.Equal(t, o.cmd.ID, o.res.ID)
		require.Equal(t, fmt.Sprintf("m%d", i), o.res.Str)
	}

	var order []string
	for _, req := range srv.Requests() {
		if req.Func != sdk.FuncSendTxt {
			continue
		}
		var msg sdk.TextMsg
		require.NoError(t, codec.Unmarshal(req.Payload, &msg))
		order = append(order, msg.Msg)
	}
	require.Equal(t, []string{"m0", "m1", "m2", "m3"}, order)
	require.Equal(t, uint64(callers), d.Stats().Dispatched)
}

func TestDispatchAssignsCorrelationID(t *testing.T) {
	srv := sdktest.NewServer(t)
	d := newTestDispatcher(t, srv, Options{})

	first, err := d.Dispatch(context.Background(), Command{Kind: KindIsLogin})
	require.NoError(t, err)
	second, err := d.Dispatch(context.Background(), Command{Kind: KindIsLogin})
	require.NoError(t, err)

	require.NotEmpty(t, first.ID)
	require.NotEqual(t, first.ID, second.ID)
}

func TestDispatchTimeoutIsBounded(t *testing.T) {
	srv := sdktest.NewServer(t)
	srv.Delay(sdk.FuncIsLogin, 250*time.Millisecond)
	srv.Handle(sdk.FuncGetSelfWxid, func(sdk.Request) sdk.Response { return sdk.Response{Str: "wxid_self"} })
	d := newTestDispatcher(t, srv, Options{CommandTimeout: 100 * time.Millisecond})

	start := time.Now()
	_, err := d.IsLogin(context.Background())
	require.Error(t, err)
	require.Equal(t, sdk.KindTimeout, KindOf(err))
	require.ErrorIs(t, err, sdk.ErrCommandTimeout)
	require.Less(t, time.Since(start), 250*time.Millisecond)

	// Let the late reply land so the next call has to skip it.
	time.Sleep(300 * time.Millisecond)
	wxid, err := d.SelfWxid(context.Background())
	require.NoError(t, err)
	require.Equal(t, "wxid_self", wxid)
}

func TestDispatchSendTextWhileDisconnectedFailsFast(t *testing.T) {
	srv := sdktest.NewServer(t)
	client, err := sdk.NewClient(srv.Options(), logger.Discard())
	require.NoError(t, err)
	d := New(client, Options{}, logger.Discard())

	start := time.Now()
	err = d.SendText(context.Background(), sdk.TextMsg{Msg: "hello", Receiver: "wxid_abc"})
	require.Error(t, err)
	require.Equal(t, sdk.KindConnect, KindOf(err))
	require.ErrorIs(t, err, sdk.ErrNotConnected)
	require.Less(t, time.Since(start), 100*time.Millisecond)
	require.Empty(t, srv.Requests())
}

func TestDispatchFailsFastWhileDegraded(t *testing.T) {
	caller := &blockingCaller{state: sdk.StateDegraded, release: make(chan struct{})}
	d := New(caller, Options{}, logger.Discard())

	_, err := d.Dispatch(context.Background(), Command{Kind: KindIsLogin})
	require.Equal(t, sdk.KindConnect, KindOf(err))
	require.Zero(t, caller.calls.Load())
}

func TestDispatchQueueWaitIsBounded(t *testing.T) {
	caller := &blockingCaller{state: sdk.StateConnected, release: make(chan struct{})}
	d := New(caller, Options{QueueTimeout: 50 * time.Millisecond}, logger.Discard())

	done := make(chan error, 1)
	go func() {
		_, err := d.Dispatch(context.Background(), Command{Kind: KindIsLogin})
		done <- err
	}()
	require.Eventually(t, func() bool { return caller.calls.Load() == 1 }, time.Second, time.Millisecond)

	_, err := d.Dispatch(context.Background(), Command{Kind: KindIsLogin})
	require.ErrorIs(t, err, ErrQueueTimeout)
	require.Equal(t, sdk.KindTimeout, KindOf(err))
	require.Zero(t, d.Stats().Waiting)

	close(caller.release)
	require.NoError(t, <-done)
}

func TestDispatchCancelledWaiterDoesNotLeakSlot(t *testing.T) {
	caller := &blockingCaller{state: sdk.StateConnected, release: make(chan struct{})}
	d := New(caller, Options{}, logger.Discard())

	first := make(chan error, 1)
	go func() {
		_, err := d.Dispatch(context.Background(), Command{Kind: KindIsLogin})
		first <- err
	}()
	require.Eventually(t, func() bool { return caller.calls.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	second := make(chan error, 1)
	go func() {
		_, err := d.Dispatch(ctx, Command{Kind: KindIsLogin})
		second <- err
	}()
	require.Eventually(t, func() bool { return d.Stats().Waiting == 1 }, time.Second, time.Millisecond)
	cancel()
	require.True(t, errors.Is(<-second, context.Canceled))

	close(caller.release)
	require.NoError(t, <-first)

	_, err := d.Dispatch(context.Background(), Command{Kind: KindIsLogin})
	require.NoError(t, err)
	require.Equal(t, int32(2), caller.calls.Load())
}

func TestDispatchCallerCancelDoesNotAbortExchange(t *testing.T) {
	srv := sdktest.NewServer(t)
	srv.Handle(sdk.FuncIsLogin, func(sdk.Request) sdk.Response { return sdk.Response{Status: 1} })
	srv.Delay(sdk.FuncIsLogin, 200*time.Millisecond)
	srv.Handle(sdk.FuncGetSelfWxid, func(sdk.Request) sdk.Response { return sdk.Response{Str: "wxid_self"} })

	client, err := sdk.NewClient(srv.Options(), logger.Discard())
	require.NoError(t, err)
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { _ = client.Close() })
	d := New(client, Options{}, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	loggedIn, err := d.IsLogin(ctx)
	require.NoError(t, err)
	require.True(t, loggedIn)
	require.Equal(t, sdk.StateConnected, client.State())
	require.Equal(t, uint64(1), client.Session().Generation)

	wxid, err := d.SelfWxid(context.Background())
	require.NoError(t, err)
	require.Equal(t, "wxid_self", wxid)
}

func TestDispatchRejectsInvalidPayloadWithoutSDK(t *testing.T) {
	caller := &blockingCaller{state: sdk.StateConnected, release: make(chan struct{})}
	d := New(caller, Options{}, logger.Discard())

	err := d.SendText(context.Background(), sdk.TextMsg{Msg: "hello"})
	require.Equal(t, KindInvalid, KindOf(err))
	require.ErrorContains(t, err, "receiver is required")

	_, err = d.Dispatch(context.Background(), Command{Kind: KindSendText, Payload: sdk.PathMsg{Path: "a", Receiver: "b"}})
	require.Equal(t, KindInvalid, KindOf(err))

	_, err = d.Dispatch(context.Background(), Command{Kind: "launch_rockets"})
	require.ErrorIs(t, err, ErrUnknownKind)

	require.Zero(t, caller.calls.Load())
	require.Equal(t, uint64(3), d.Stats().Failed)
}
