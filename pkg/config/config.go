package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default configuration values exported for documentation and validation
const (
	DefaultGatewayBind   = "127.0.0.1:4777"
	DefaultDevToolsHost  = "127.0.0.1"
	DefaultDevToolsPort  = 9222
	DefaultSelectAllMod  = "ctrl"
	DefaultLogLevel      = "info"
	MinTokenLength       = 32
)

// Default orchestrator timings. These mirror the behavior of the chat panel
// being driven: the agent can take minutes to answer, the send control
// flickers while it streams, and rich-text editors need settle time.
const (
	DefaultIdleTimeout      = 120 * time.Second
	DefaultIdlePollInterval = 1 * time.Second
	DefaultReplyTimeout     = 120 * time.Second
	DefaultReplyPoll        = 2 * time.Second
	DefaultStartTimeout     = 5 * time.Second
	DefaultStartPoll        = 500 * time.Millisecond
	DefaultDebounceDelay    = 1500 * time.Millisecond
	DefaultClearSettle      = 50 * time.Millisecond
	DefaultInsertSettle     = 100 * time.Millisecond
	DefaultInterMessage     = 300 * time.Millisecond
	DefaultSubmitRetries    = 10
	DefaultSubmitBackoff    = 1 * time.Second
	DefaultCallTimeout      = 10 * time.Second
	DefaultDialTimeout      = 15 * time.Second
)

// Config represents the complete Antigravity-Link configuration
type Config struct {
	DevTools DevToolsConfig `yaml:"devtools"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Compose  ComposeConfig  `yaml:"compose"`
	Wait     WaitConfig     `yaml:"wait"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DevToolsConfig locates the remote-debugging endpoint of the host browser.
type DevToolsConfig struct {
	// Host and Port are used for target discovery via the /json endpoint.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// URL, when set, is dialed directly and discovery is skipped.
	URL         string        `yaml:"url"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// GatewayConfig controls the HTTP/WebSocket surface exposed to callers.
type GatewayConfig struct {
	BindAddress    string   `yaml:"bind_address"`
	AuthToken      string   `yaml:"auth_token"`
	RequireToken   bool     `yaml:"require_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	PublicMetrics  bool     `yaml:"public_metrics"`
}

// ComposeConfig tunes input composition and submission.
type ComposeConfig struct {
	// SelectAllModifier is "ctrl" or "meta"; the host browser may run on
	// macOS where select-all is Cmd+A.
	SelectAllModifier string        `yaml:"select_all_modifier"`
	ClearSettle       time.Duration `yaml:"clear_settle"`
	InsertSettle      time.Duration `yaml:"insert_settle"`
	InterMessageDelay time.Duration `yaml:"inter_message_delay"`
	SubmitRetries     int           `yaml:"submit_retries"`
	SubmitBackoff     time.Duration `yaml:"submit_backoff"`
}

// WaitConfig tunes idle and completion polling.
type WaitConfig struct {
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	IdlePollInterval time.Duration `yaml:"idle_poll_interval"`
	ReplyTimeout     time.Duration `yaml:"reply_timeout"`
	ReplyPoll        time.Duration `yaml:"reply_poll"`
	StartTimeout     time.Duration `yaml:"start_timeout"`
	StartPoll        time.Duration `yaml:"start_poll"`
	DebounceDelay    time.Duration `yaml:"debounce_delay"`
}

// LoggingConfig controls the structured JSONL logs.
type LoggingConfig struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		DevTools: DevToolsConfig{
			Host:        DefaultDevToolsHost,
			Port:        DefaultDevToolsPort,
			CallTimeout: DefaultCallTimeout,
			DialTimeout: DefaultDialTimeout,
		},
		Gateway: GatewayConfig{
			BindAddress: DefaultGatewayBind,
		},
		Compose: ComposeConfig{
			SelectAllModifier: DefaultSelectAllMod,
			ClearSettle:       DefaultClearSettle,
			InsertSettle:      DefaultInsertSettle,
			InterMessageDelay: DefaultInterMessage,
			SubmitRetries:     DefaultSubmitRetries,
			SubmitBackoff:     DefaultSubmitBackoff,
		},
		Wait: WaitConfig{
			IdleTimeout:      DefaultIdleTimeout,
			IdlePollInterval: DefaultIdlePollInterval,
			ReplyTimeout:     DefaultReplyTimeout,
			ReplyPoll:        DefaultReplyPoll,
			StartTimeout:     DefaultStartTimeout,
			StartPoll:        DefaultStartPoll,
			DebounceDelay:    DefaultDebounceDelay,
		},
		Logging: LoggingConfig{
			Level: DefaultLogLevel,
		},
	}
}

// Load loads configuration from default locations with proper precedence
func Load() (*Config, error) {
	cfg := DefaultConfig()

	// Load user config (~/.aglink/config.yaml)
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	if home != "" {
		userConfigPath := filepath.Join(home, ".aglink", "config.yaml")
		if err := loadAndMerge(cfg, userConfigPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading user config: %w", err)
		}
		if cfg.Logging.Dir == "" {
			cfg.Logging.Dir = filepath.Join(home, ".aglink", "logs")
		}
	}

	// Load project config (./.aglink/config.yaml)
	projectConfigPath := filepath.Join(".", ".aglink", "config.yaml")
	if err := loadAndMerge(cfg, projectConfigPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()

	if err := loadAndMerge(cfg, path); err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// loadAndMerge reads a YAML file over the current config in place.
func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGLINK_DEVTOOLS_HOST"); v != "" {
		cfg.DevTools.Host = v
	}
	if v := os.Getenv("AGLINK_DEVTOOLS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.DevTools.Port = port
		}
	}
	if v := os.Getenv("AGLINK_DEVTOOLS_URL"); v != "" {
		cfg.DevTools.URL = v
	}
	if v := os.Getenv("AGLINK_BIND"); v != "" {
		cfg.Gateway.BindAddress = v
	}
	if v := os.Getenv("AGLINK_AUTH_TOKEN"); v != "" {
		cfg.Gateway.AuthToken = v
		cfg.Gateway.RequireToken = true
	}
	if v, ok := envBool("AGLINK_REQUIRE_TOKEN"); ok {
		cfg.Gateway.RequireToken = v
	}
	if v := os.Getenv("AGLINK_SELECT_ALL_MODIFIER"); v != "" {
		cfg.Compose.SelectAllModifier = v
	}
	if v := os.Getenv("AGLINK_LOG_DIR"); v != "" {
		cfg.Logging.Dir = v
	}
	if v := os.Getenv("AGLINK_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("AGLINK_REPLY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Wait.ReplyTimeout = d
		}
	}
	if v := os.Getenv("AGLINK_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Wait.IdleTimeout = d
		}
	}
}

func envBool(key string) (bool, bool) {
	val := os.Getenv(key)
	if val == "" {
		return false, false
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if c.DevTools.URL == "" {
		if c.DevTools.Host == "" {
			return fmt.Errorf("devtools.host is required when devtools.url is not set")
		}
		if c.DevTools.Port <= 0 || c.DevTools.Port > 65535 {
			return fmt.Errorf("devtools.port %d out of range", c.DevTools.Port)
		}
	} else if !strings.HasPrefix(c.DevTools.URL, "ws://") && !strings.HasPrefix(c.DevTools.URL, "wss://") {
		return fmt.Errorf("devtools.url must be a ws:// or wss:// URL")
	}

	if c.Gateway.BindAddress == "" {
		return fmt.Errorf("gateway.bind_address is required")
	}
	if _, _, err := net.SplitHostPort(c.Gateway.BindAddress); err != nil {
		return fmt.Errorf("gateway.bind_address %q: %w", c.Gateway.BindAddress, err)
	}
	if c.Gateway.RequireToken && len(c.Gateway.AuthToken) < MinTokenLength {
		return fmt.Errorf("gateway.auth_token must be at least %d characters when require_token is set", MinTokenLength)
	}

	switch c.Compose.SelectAllModifier {
	case "ctrl", "meta":
	default:
		return fmt.Errorf("compose.select_all_modifier must be \"ctrl\" or \"meta\", got %q", c.Compose.SelectAllModifier)
	}
	if c.Compose.SubmitRetries < 1 {
		return fmt.Errorf("compose.submit_retries must be at least 1")
	}

	if c.Wait.ReplyPoll <= 0 || c.Wait.IdlePollInterval <= 0 || c.Wait.StartPoll <= 0 {
		return fmt.Errorf("wait poll intervals must be positive")
	}
	if c.Wait.DebounceDelay < 0 {
		return fmt.Errorf("wait.debounce_delay must not be negative")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}

	return nil
}

// DiscoveryBaseURL returns the HTTP base for target discovery.
func (c *DevToolsConfig) DiscoveryBaseURL() string {
	return fmt.Sprintf("http://%s", net.JoinHostPort(c.Host, strconv.Itoa(c.Port)))
}
