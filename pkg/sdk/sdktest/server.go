// Package sdktest provides an in-process fake of the automation SDK speaking
// the same framed protocol on a command and an event socket.
package sdktest

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"wcfbridge/pkg/codec"
	"wcfbridge/pkg/sdk"
)

// Handler produces the reply for one request. Func is filled in by the server.
type Handler func(sdk.Request) sdk.Response

// Server is a fake SDK. Requests without a handler are answered with status 0.
type Server struct {
	t        testing.TB
	cmdLn    net.Listener
	eventLn  net.Listener
	wg       sync.WaitGroup
	mu       sync.Mutex
	handlers map[sdk.Func]Handler
	delays   map[sdk.Func]time.Duration
	reject   int
	requests []sdk.Request
	cmdConns map[net.Conn]struct{}
	evConns  map[net.Conn]struct{}
	closed   bool
}

// NewServer starts listening on two loopback ports and stops on test cleanup.
func NewServer(t testing.TB) *Server {
	t.Helper()

	cmdLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen command socket: %v", err)
	}
	eventLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		_ = cmdLn.Close()
		t.Fatalf("listen event socket: %v", err)
	}

	s := &Server{
		t:        t,
		cmdLn:    cmdLn,
		eventLn:  eventLn,
		handlers: make(map[sdk.Func]Handler),
		delays:   make(map[sdk.Func]time.Duration),
		cmdConns: make(map[net.Conn]struct{}),
		evConns:  make(map[net.Conn]struct{}),
	}

	s.wg.Add(2)
	go s.acceptCommands()
	go s.acceptEvents()

	t.Cleanup(s.Close)
	return s
}

// CommandAddress is the tcp:// address of the command socket.
func (s *Server) CommandAddress() string {
	return "tcp://" + s.cmdLn.Addr().String()
}

// EventAddress is the tcp:// address of the event socket.
func (s *Server) EventAddress() string {
	return "tcp://" + s.eventLn.Addr().String()
}

// Options returns client options pointed at this server with fast reconnects.
func (s *Server) Options() sdk.Options {
	return sdk.Options{
		Address:          s.CommandAddress(),
		EventAddress:     s.EventAddress(),
		DialTimeout:      time.Second,
		HandshakeTimeout: time.Second,
		Backoff:          sdk.Backoff{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond},
	}
}

// Handle installs the reply producer for fn.
func (s *Server) Handle(fn sdk.Func, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[fn] = h
}

// Delay holds every reply to fn for d.
func (s *Server) Delay(fn sdk.Func, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays[fn] = d
}

// RejectHandshakes answers the next n enable_recv_txt requests with a failure status.
func (s *Server) RejectHandshakes(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject += n
}

// Requests returns every request received so far, in arrival order.
func (s *Server) Requests() []sdk.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sdk.Request(nil), s.requests...)
}

// CountRequests returns how many requests for fn arrived.
func (s *Server) CountRequests(fn sdk.Func) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, req := range s.requests {
		if req.Func == fn {
			count++
		}
	}
	return count
}

// Subscribers is the number of open event socket connections.
func (s *Server) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.evConns)
}

// Push writes a raw event frame body to every event subscriber.
func (s *Server) Push(body []byte) {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.evConns))
	for conn := range s.evConns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		if err := sdk.WriteFrame(conn, body); err != nil {
			s.t.Logf("sdktest: push event: %v", err)
		}
	}
}

// PushMessage encodes msg and pushes it to every event subscriber.
func (s *Server) PushMessage(msg sdk.Message) {
	body, err := codec.Marshal(msg)
	if err != nil {
		s.t.Errorf("sdktest: encode message: %v", err)
		return
	}
	s.Push(body)
}

// DropConnections closes every open connection while keeping the listeners up.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.cmdConns {
		_ = conn.Close()
		delete(s.cmdConns, conn)
	}
	for conn := range s.evConns {
		_ = conn.Close()
		delete(s.evConns, conn)
	}
}

// Close stops the listeners and drops every connection.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	_ = s.cmdLn.Close()
	_ = s.eventLn.Close()
	s.DropConnections()
	s.wg.Wait()
}

func (s *Server) acceptCommands() {
	defer s.wg.Done()
	for {
		conn, err := s.cmdLn.Accept()
		if err != nil {
			return
		}
		if !s.track(s.cmdConns, conn) {
			return
		}
		s.wg.Add(1)
		go s.serveCommands(conn)
	}
}

func (s *Server) acceptEvents() {
	defer s.wg.Done()
	for {
		conn, err := s.eventLn.Accept()
		if err != nil {
			return
		}
		if !s.track(s.evConns, conn) {
			return
		}
	}
}

func (s *Server) track(set map[net.Conn]struct{}, conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = conn.Close()
		return false
	}
	set[conn] = struct{}{}
	return true
}

func (s *Server) serveCommands(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.cmdConns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		frame, _, err := sdk.ReadFrame(conn)
		if err != nil {
			return
		}

		var req sdk.Request
		if err := codec.Unmarshal(frame, &req); err != nil {
			s.t.Logf("sdktest: decode request: %v", err)
			return
		}

		resp, delay := s.respond(req)
		if delay > 0 {
			time.Sleep(delay)
		}

		body, err := codec.Marshal(resp)
		if err != nil {
			s.t.Errorf("sdktest: encode response: %v", err)
			return
		}
		if err := sdk.WriteFrame(conn, body); err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.t.Logf("sdktest: write response: %v", err)
			}
			return
		}
	}
}

func (s *Server) respond(req sdk.Request) (sdk.Response, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, req)

	var resp sdk.Response
	switch {
	case req.Func == sdk.FuncEnableRecvTxt && s.reject > 0:
		s.reject--
		resp = sdk.Response{Status: -1}
	case s.handlers[req.Func] != nil:
		resp = s.handlers[req.Func](req)
	}
	resp.Func = req.Func

	return resp, s.delays[req.Func]
}
