// Package bridge wires the SDK client, dispatcher, event listener, forwarder
// and HTTP facade into one long-running service.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"wcfbridge/pkg/api"
	"wcfbridge/pkg/bus"
	"wcfbridge/pkg/config"
	"wcfbridge/pkg/dispatch"
	"wcfbridge/pkg/event"
	"wcfbridge/pkg/forward"
	"wcfbridge/pkg/sdk"
)

type Service struct {
	cfg *config.Config
	log *slog.Logger

	client     *sdk.Client
	dispatcher *dispatch.Dispatcher
	bus        *bus.EventBus
	forwarder  *forward.Forwarder
	listener   *event.Listener
	api        *api.Server
	hub        *forward.Hub
	closers    []io.Closer

	mu        sync.RWMutex
	startedAt time.Time
	addr      string
	bound     chan struct{}
}

type statusResponse struct {
	Status        string              `json:"status"`
	UptimeSeconds int64               `json:"uptime_seconds"`
	Session       sdk.Session         `json:"session"`
	Dispatcher    dispatch.Stats      `json:"dispatcher"`
	Listener      event.ListenerStats `json:"listener"`
	Forwarding    forward.Stats       `json:"forwarding"`
}

// NewService builds every component from cfg. Nothing connects until Run.
func NewService(cfg *config.Config, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		log = slog.Default()
	}

	client, err := sdk.NewClient(clientOptions(cfg.SDK), log)
	if err != nil {
		return nil, fmt.Errorf("initialize sdk client: %w", err)
	}

	dispatcher := dispatch.New(client, dispatch.Options{
		CommandTimeout: time.Duration(cfg.Dispatcher.CommandTimeoutSeconds) * time.Second,
		QueueTimeout:   time.Duration(cfg.Dispatcher.QueueTimeoutSeconds) * time.Second,
	}, log)

	var hub *forward.Hub
	if cfg.Forwarding.Hub.Enabled {
		hub = forward.NewHub(log)
	}
	sinks, closers, err := buildSinks(cfg.Forwarding, hub, log)
	if err != nil {
		return nil, err
	}

	eventBus := bus.New()
	forwarder := forward.New(eventBus, sinks, forward.Options{
		QueueSize: cfg.Forwarding.QueueSize,
		Retry: forward.Retry{
			MaxAttempts: cfg.Forwarding.Retry.MaxAttempts,
			Backoff: sdk.Backoff{
				Initial: time.Duration(cfg.Forwarding.Retry.InitialMS) * time.Millisecond,
				Max:     time.Duration(cfg.Forwarding.Retry.MaxMS) * time.Millisecond,
			},
		},
	}, log)

	server, err := api.New(dispatcher, api.Options{MediaDir: cfg.HTTP.MediaDir, DownloadRoots: cfg.HTTP.DownloadRoots}, log)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:        cfg,
		log:        log.With("component", "bridge.service"),
		client:     client,
		dispatcher: dispatcher,
		bus:        eventBus,
		forwarder:  forwarder,
		listener:   event.NewListener(client, forwarder, log),
		api:        server,
		hub:        hub,
		closers:    closers,
		bound:      make(chan struct{}),
	}

	server.Handle("GET /healthz", http.HandlerFunc(s.handleHealth))
	server.Handle("GET /readyz", http.HandlerFunc(s.handleReady))
	server.Handle("GET /status", http.HandlerFunc(s.handleStatus))
	if hub != nil {
		server.Handle("GET /ws", hub)
	}

	return s, nil
}

func clientOptions(cfg config.SDKConfig) sdk.Options {
	return sdk.Options{
		Address:          cfg.Address,
		EventAddress:     cfg.EventAddress,
		ReceivePyq:       cfg.ReceivePyq,
		DialTimeout:      time.Duration(cfg.DialTimeoutSeconds) * time.Second,
		HandshakeTimeout: time.Duration(cfg.HandshakeTimeoutMilli) * time.Millisecond,
		Backoff: sdk.Backoff{
			Initial: time.Duration(cfg.ReconnectInitialMS) * time.Millisecond,
			Max:     time.Duration(cfg.ReconnectMaxMS) * time.Millisecond,
		},
	}
}

// buildSinks turns the forwarding config into sinks. Closers release the
// sinks' connections on shutdown.
func buildSinks(cfg config.ForwardingConfig, hub *forward.Hub, log *slog.Logger) ([]forward.Sink, []io.Closer, error) {
	var (
		sinks   []forward.Sink
		closers []io.Closer
	)

	for i, hook := range cfg.Webhooks {
		sinks = append(sinks, forward.NewWebhook(forward.WebhookOptions{
			Name:    fmt.Sprintf("webhook[%d]", i),
			URL:     hook.URL,
			Mode:    forward.ParseMode(hook.Mode, forward.ModeRetry),
			Timeout: time.Duration(hook.TimeoutSeconds) * time.Second,
			Headers: hook.Headers,
		}))
	}

	if cfg.Push.Enabled {
		push := forward.NewPush(cfg.Push.URL, cfg.Push.EventName, log)
		sinks = append(sinks, push)
		closers = append(closers, push)
	}

	if hub != nil {
		sinks = append(sinks, hub)
		closers = append(closers, hub)
	}

	if cfg.Redis.Enabled {
		redisSink := forward.NewRedis(cfg.Redis.Addr, cfg.Redis.Channel, forward.ParseMode(cfg.Redis.Mode, forward.ModeFireAndForget))
		sinks = append(sinks, redisSink)
		closers = append(closers, redisSink)
	}

	if cfg.Telegram.Enabled {
		telegram, err := forward.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID, cfg.Telegram.AllowFrom)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, telegram)
	}

	return sinks, closers, nil
}

// Run connects to the SDK and serves until ctx ends. Failing to establish
// the first session or to bind the HTTP listener is fatal; everything after
// that recovers on its own.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	defer s.shutdown()

	if err := s.client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to sdk: %w", err)
	}
	s.log.Info("SDK session established", "address", s.cfg.SDK.Address)

	ln, err := net.Listen("tcp", s.cfg.HTTP.ListenAddr())
	if err != nil {
		return fmt.Errorf("bind http listener: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = s.forwarder.Run(runCtx)
	}()
	<-s.forwarder.Ready()

	go func() {
		defer wg.Done()
		if err := s.listener.Run(runCtx); err != nil {
			s.log.Error("Event listener stopped", "error", err)
		}
	}()

	server := &http.Server{
		Handler:           s.api,
		ReadHeaderTimeout: 5 * time.Second,
	}
	serverErrors := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("serve http: %w", err)
		}
	}()

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	close(s.bound)
	s.log.Info("HTTP facade started", "address", ln.Addr().String(), "sinks", s.forwarder.Sinks())

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErrors:
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = server.Shutdown(shutdownCtx)

	cancel()
	wg.Wait()
	s.log.Info("Bridge stopped")
	return runErr
}

// shutdown releases the session and sink connections. In-flight retries
// have already been abandoned by cancelling the run context.
func (s *Service) shutdown() {
	if err := s.client.Close(); err != nil {
		s.log.Debug("SDK client close failed", "error", err)
	}
	s.bus.Close()
	for _, closer := range s.closers {
		if err := closer.Close(); err != nil {
			s.log.Debug("Sink close failed", "error", err)
		}
	}
}

// Addr blocks until the HTTP listener is bound and returns its address.
func (s *Service) Addr(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-s.bound:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr, nil
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := "ready"
	if !s.isReady() {
		status = "degraded"
	}
	s.respondStatus(w, http.StatusOK, status)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	payload := s.currentStatus(status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	startedAt := s.startedAt
	s.mu.RUnlock()

	uptime := int64(0)
	if !startedAt.IsZero() {
		uptime = int64(time.Since(startedAt).Seconds())
	}

	return statusResponse{
		Status:        status,
		UptimeSeconds: uptime,
		Session:       s.client.Session(),
		Dispatcher:    s.dispatcher.Stats(),
		Listener:      s.listener.Stats(),
		Forwarding:    s.forwarder.Stats(),
	}
}

// isReady reports whether commands can be served right now.
func (s *Service) isReady() bool {
	return s.client.State() == sdk.StateConnected
}
