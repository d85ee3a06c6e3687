package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/joho/godotenv"
	"github.com/tailscale/hujson"
)

const (
	envConfigPath    = "WCFBRIDGE_CONFIG"
	envSDKAddress    = "WCFBRIDGE_SDK_ADDRESS"
	envHTTPListen    = "WCFBRIDGE_HTTP_LISTEN"
	envWebhookURLs   = "WCFBRIDGE_WEBHOOK_URLS"
	envPushURL       = "WCFBRIDGE_PUSH_URL"
	envRedisAddr     = "WCFBRIDGE_REDIS_ADDR"
	envTelegramToken = "TELEGRAM_BOT_TOKEN"
)

const (
	defaultSDKAddress            = "tcp://127.0.0.1:10086"
	defaultHTTPHost              = "127.0.0.1"
	defaultHTTPPort              = 10010
	defaultCommandTimeoutSeconds = 5
	defaultQueueTimeoutSeconds   = 30
	defaultReconnectInitialMS    = 200
	defaultReconnectMaxMS        = 5000
	defaultRetryMaxAttempts      = 3
	defaultRetryInitialMS        = 500
	defaultRetryMaxMS            = 4000
	defaultSinkQueueSize         = 100
	defaultPushEventName         = "wechat.event"
	defaultRedisChannel          = "wcfbridge:events"
	defaultMediaDir              = "media"
)

// Delivery modes accepted in sink configuration.
const (
	ModeRetry         = "retry"
	ModeFireAndForget = "fire_and_forget"
)

// Config is the root runtime configuration loaded from config.json.
type Config struct {
	SDK        SDKConfig        `json:"sdk"`
	HTTP       HTTPConfig       `json:"http"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Forwarding ForwardingConfig `json:"forwarding"`
	Logging    LoggingConfig    `json:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
}

// SDKConfig locates the automation SDK sockets.
//
// EventAddress defaults to the command port + 1 when empty.
type SDKConfig struct {
	Address               string `json:"address"`
	EventAddress          string `json:"event_address,omitempty"`
	ReceivePyq            bool   `json:"receive_pyq"`
	DialTimeoutSeconds    int    `json:"dial_timeout_seconds,omitempty"`
	ReconnectInitialMS    int    `json:"reconnect_initial_ms,omitempty"`
	ReconnectMaxMS        int    `json:"reconnect_max_ms,omitempty"`
	HandshakeTimeoutMilli int    `json:"handshake_timeout_ms,omitempty"`
}

// HTTPConfig configures the REST facade bind settings.
type HTTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	MediaDir string `json:"media_dir,omitempty"`

	// DownloadRoots limits /download-file to these directories. Empty allows any path.
	DownloadRoots []string `json:"download_roots,omitempty"`
}

// DispatcherConfig bounds command execution.
type DispatcherConfig struct {
	CommandTimeoutSeconds int `json:"command_timeout_seconds,omitempty"`
	QueueTimeoutSeconds   int `json:"queue_timeout_seconds,omitempty"`
}

// ForwardingConfig lists every event sink. Sinks are fixed for the lifetime of the process.
type ForwardingConfig struct {
	QueueSize int             `json:"queue_size,omitempty"`
	Retry     RetryConfig     `json:"retry"`
	Webhooks  []WebhookConfig `json:"webhooks,omitempty"`
	Push      PushConfig      `json:"push"`
	Hub       HubConfig       `json:"hub"`
	Redis     RedisConfig     `json:"redis"`
	Telegram  TelegramConfig  `json:"telegram"`
}

// RetryConfig is the backoff policy used by retrying sinks.
type RetryConfig struct {
	MaxAttempts int `json:"max_attempts,omitempty"`
	InitialMS   int `json:"initial_ms,omitempty"`
	MaxMS       int `json:"max_ms,omitempty"`
}

// WebhookConfig configures one HTTP callback sink.
type WebhookConfig struct {
	URL            string            `json:"url"`
	Mode           string            `json:"mode,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
}

// PushConfig configures the outbound real-time push channel.
type PushConfig struct {
	Enabled   bool   `json:"enabled"`
	URL       string `json:"url"`
	EventName string `json:"event_name,omitempty"`
}

// HubConfig enables the local /ws subscriber endpoint.
type HubConfig struct {
	Enabled bool `json:"enabled"`
}

// RedisConfig configures the redis pub/sub sink.
type RedisConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
	Channel string `json:"channel,omitempty"`
	Mode    string `json:"mode,omitempty"`
}

// TelegramConfig configures the telegram notification sink.
type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	ChatID  int64  `json:"chat_id"`

	// AllowFrom limits forwarding to these senders or rooms. Empty forwards all.
	AllowFrom []string `json:"allow_from,omitempty"`
}

// LoadConfig resolves config.json, unmarshals it, and applies environment overrides.
func LoadConfig() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	return LoadFile(configPath)
}

// LoadFile reads one config file. Comments and trailing commas are accepted.
func LoadFile(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	standard, err := hujson.Standardize(content)
	if err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(standard, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings that cannot be served.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is required")
	}
	if strings.TrimSpace(c.SDK.Address) == "" {
		return errors.New("sdk.address is required")
	}
	for i, hook := range c.Forwarding.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("forwarding.webhooks[%d].url is required", i)
		}
		if !validMode(hook.Mode) {
			return fmt.Errorf("forwarding.webhooks[%d].mode %q is not supported", i, hook.Mode)
		}
	}
	if c.Forwarding.Push.Enabled && strings.TrimSpace(c.Forwarding.Push.URL) == "" {
		return errors.New("forwarding.push.url is required when push is enabled")
	}
	if c.Forwarding.Redis.Enabled {
		if strings.TrimSpace(c.Forwarding.Redis.Addr) == "" {
			return errors.New("forwarding.redis.addr is required when redis is enabled")
		}
		if !validMode(c.Forwarding.Redis.Mode) {
			return fmt.Errorf("forwarding.redis.mode %q is not supported", c.Forwarding.Redis.Mode)
		}
	}
	if c.Forwarding.Telegram.Enabled {
		if strings.TrimSpace(c.Forwarding.Telegram.Token) == "" {
			return errors.New("forwarding.telegram.token is required when telegram is enabled")
		}
		if c.Forwarding.Telegram.ChatID == 0 {
			return errors.New("forwarding.telegram.chat_id is required when telegram is enabled")
		}
	}

	return nil
}

// ListenAddr returns the host:port the HTTP facade binds.
func (c HTTPConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func validMode(mode string) bool {
	switch mode {
	case "", ModeRetry, ModeFireAndForget:
		return true
	default:
		return false
	}
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if address := strings.TrimSpace(os.Getenv(envSDKAddress)); address != "" {
		cfg.SDK.Address = address
	}

	if listen := strings.TrimSpace(os.Getenv(envHTTPListen)); listen != "" {
		if host, port, ok := splitHostPort(listen); ok {
			cfg.HTTP.Host = host
			cfg.HTTP.Port = port
		}
	}

	if rawHooks := strings.TrimSpace(os.Getenv(envWebhookURLs)); rawHooks != "" {
		hooks := make([]WebhookConfig, 0)
		for _, url := range parseCSV(rawHooks) {
			hooks = append(hooks, WebhookConfig{URL: url})
		}
		cfg.Forwarding.Webhooks = hooks
	}

	if pushURL := strings.TrimSpace(os.Getenv(envPushURL)); pushURL != "" {
		cfg.Forwarding.Push.Enabled = true
		cfg.Forwarding.Push.URL = pushURL
	}

	if redisAddr := strings.TrimSpace(os.Getenv(envRedisAddr)); redisAddr != "" {
		cfg.Forwarding.Redis.Enabled = true
		cfg.Forwarding.Redis.Addr = redisAddr
	}

	if token := strings.TrimSpace(os.Getenv(envTelegramToken)); token != "" {
		cfg.Forwarding.Telegram.Token = token
	}
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.SDK.Address) == "" {
		cfg.SDK.Address = defaultSDKAddress
	}
	if cfg.SDK.ReconnectInitialMS <= 0 {
		cfg.SDK.ReconnectInitialMS = defaultReconnectInitialMS
	}
	if cfg.SDK.ReconnectMaxMS <= 0 {
		cfg.SDK.ReconnectMaxMS = defaultReconnectMaxMS
	}
	if strings.TrimSpace(cfg.HTTP.Host) == "" {
		cfg.HTTP.Host = defaultHTTPHost
	}
	if cfg.HTTP.Port <= 0 {
		cfg.HTTP.Port = defaultHTTPPort
	}
	if strings.TrimSpace(cfg.HTTP.MediaDir) == "" {
		cfg.HTTP.MediaDir = defaultMediaDir
	}
	if cfg.Dispatcher.CommandTimeoutSeconds <= 0 {
		cfg.Dispatcher.CommandTimeoutSeconds = defaultCommandTimeoutSeconds
	}
	if cfg.Dispatcher.QueueTimeoutSeconds <= 0 {
		cfg.Dispatcher.QueueTimeoutSeconds = defaultQueueTimeoutSeconds
	}
	if cfg.Forwarding.QueueSize <= 0 {
		cfg.Forwarding.QueueSize = defaultSinkQueueSize
	}
	if cfg.Forwarding.Retry.MaxAttempts <= 0 {
		cfg.Forwarding.Retry.MaxAttempts = defaultRetryMaxAttempts
	}
	if cfg.Forwarding.Retry.InitialMS <= 0 {
		cfg.Forwarding.Retry.InitialMS = defaultRetryInitialMS
	}
	if cfg.Forwarding.Retry.MaxMS <= 0 {
		cfg.Forwarding.Retry.MaxMS = defaultRetryMaxMS
	}
	if strings.TrimSpace(cfg.Forwarding.Push.EventName) == "" {
		cfg.Forwarding.Push.EventName = defaultPushEventName
	}
	if strings.TrimSpace(cfg.Forwarding.Redis.Channel) == "" {
		cfg.Forwarding.Redis.Channel = defaultRedisChannel
	}
	if cfg.Forwarding.Redis.Mode == "" {
		cfg.Forwarding.Redis.Mode = ModeFireAndForget
	}
	for i := range cfg.Forwarding.Webhooks {
		if cfg.Forwarding.Webhooks[i].Mode == "" {
			cfg.Forwarding.Webhooks[i].Mode = ModeRetry
		}
	}
}

func splitHostPort(listen string) (string, int, bool) {
	idx := strings.LastIndex(listen, ":")
	if idx < 0 {
		return "", 0, false
	}

	var port int
	if _, err := fmt.Sscanf(listen[idx+1:], "%d", &port); err != nil || port <= 0 {
		return "", 0, false
	}

	return listen[:idx], port, true
}

// parseCSV splits comma-separated values and returns a trimmed compact slice.
func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// loadDotEnv loads environment variables from path. Missing files are ignored.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// findConfigPath resolves the active config file location.
//
// Precedence is WCFBRIDGE_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("config.json not found (checked %s and %s)", candidates[0], candidates[1])
}
