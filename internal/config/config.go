package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the persistent application configuration.
type Config struct {
	API       APIConfig       `yaml:"api"`
	Polling   PollingConfig   `yaml:"polling"`
	Stream    StreamConfig    `yaml:"stream"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Log       LogConfig       `yaml:"log"`
	UI        UIConfig        `yaml:"ui"`

	// DataDir holds the sqlite database and logs. Defaults to ~/.ddwatch.
	DataDir string `yaml:"data_dir"`
}

// APIConfig locates the pipeline backend.
type APIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token,omitempty"`
	Timeout time.Duration `yaml:"timeout"`
}

// PollingConfig tunes the progress poller.
type PollingConfig struct {
	FastInterval time.Duration `yaml:"fast_interval"` // while processing
	SlowInterval time.Duration `yaml:"slow_interval"` // otherwise
	OrgInterval  time.Duration `yaml:"org_interval"`
}

// StreamConfig tunes the live findings stream.
type StreamConfig struct {
	Transport   string        `yaml:"transport"` // "sse" or "websocket"
	BufferSize  int           `yaml:"buffer_size"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// LifecycleConfig tunes run control.
type LifecycleConfig struct {
	// StuckThreshold is a product choice, not a derived constant.
	StuckThreshold time.Duration `yaml:"stuck_threshold"`
	// ControlRPS limits control requests per second against the backend.
	ControlRPS float64 `yaml:"control_rps"`
	ModelTier  string  `yaml:"model_tier"`
}

// LogConfig holds logging and event-log settings.
type LogConfig struct {
	Level       string `yaml:"level"`
	File        string `yaml:"file"`
	MaxEntries  int    `yaml:"max_entries"` // local event log cap per project
	EventsFile  string `yaml:"events_file"` // JSONL observability stream
	Trace       bool   `yaml:"trace"`
	RingBufSize int    `yaml:"ring_size"`
}

// UIConfig holds dashboard preferences.
type UIConfig struct {
	FindingsShown int  `yaml:"findings_shown"`
	LogLines      int  `yaml:"log_lines"`
	AltScreen     bool `yaml:"alt_screen"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".ddwatch")
	return &Config{
		API: APIConfig{
			BaseURL: "http://localhost:8000/api/dd",
			Timeout: 30 * time.Second,
		},
		Polling: PollingConfig{
			FastInterval: 2 * time.Second,
			SlowInterval: 5 * time.Second,
			OrgInterval:  5 * time.Second,
		},
		Stream: StreamConfig{
			Transport:   "sse",
			BufferSize:  50,
			BackoffBase: time.Second,
			BackoffMax:  30 * time.Second,
			MaxAttempts: 10,
		},
		Lifecycle: LifecycleConfig{
			StuckThreshold: 2 * time.Minute,
			ControlRPS:     2,
			ModelTier:      "balanced",
		},
		Log: LogConfig{
			Level:       "info",
			File:        filepath.Join(dataDir, "logs", "ddwatch.log"),
			MaxEntries:  500,
			EventsFile:  filepath.Join(dataDir, "logs", "events.jsonl"),
			RingBufSize: 1024,
		},
		UI: UIConfig{
			FindingsShown: 12,
			LogLines:      10,
			AltScreen:     true,
		},
		DataDir: dataDir,
	}
}

// ConfigPath returns the path to the config file. DDWATCH_CONFIG overrides it.
func ConfigPath() string {
	if p := os.Getenv("DDWATCH_CONFIG"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".ddwatch", "config.yaml")
}

// DBPath returns the sqlite database location.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "ddwatch.db")
}

// Load reads the config file at path (ConfigPath() when empty), falling back
// to defaults when it does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to path (ConfigPath() when empty).
func (c *Config) Save(path string) error {
	if path == "" {
		path = ConfigPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600) // may hold an API token
}

// ApplyEnv overrides fields from environment variables. getenv is injected
// for tests.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("DDWATCH_API_URL"); v != "" {
		c.API.BaseURL = v
	}
	if v := getenv("DDWATCH_TOKEN"); v != "" {
		c.API.Token = v
	}
	if v := getenv("DDWATCH_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := getenv("DDWATCH_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := getenv("DDWATCH_STREAM_TRANSPORT"); v != "" {
		c.Stream.Transport = v
	}
	if v := getenv("DDWATCH_STUCK_THRESHOLD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Lifecycle.StuckThreshold = d
		}
	}
	if v := getenv("DDWATCH_TRACE"); v != "" {
		c.Log.Trace, _ = strconv.ParseBool(v)
	}
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if c.API.BaseURL == "" {
		problems = append(problems, "api.base_url is required")
	}
	if c.Polling.FastInterval <= 0 || c.Polling.SlowInterval <= 0 {
		problems = append(problems, "polling intervals must be positive")
	}
	if c.Stream.BufferSize <= 0 {
		problems = append(problems, "stream.buffer_size must be positive")
	}
	if c.Stream.MaxAttempts <= 0 {
		problems = append(problems, "stream.max_attempts must be positive")
	}
	switch c.Stream.Transport {
	case "sse", "websocket":
	default:
		problems = append(problems, fmt.Sprintf("stream.transport %q must be sse or websocket", c.Stream.Transport))
	}
	if c.Log.MaxEntries <= 0 {
		problems = append(problems, "log.max_entries must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// LogLevel parses Log.Level, defaulting to info.
func (c *Config) LogLevel() slog.Level {
	switch strings.ToUpper(c.Log.Level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
