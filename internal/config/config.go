// Package config handles dispatch gateway configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// searchPathsFunc is a package-level indirection so tests can override
// the search order without touching the real filesystem.
var searchPathsFunc = DefaultSearchPaths

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first by FindConfig.
// Then: ./config.yaml, ~/.config/dispatch-gateway/config.yaml,
// /etc/dispatch-gateway/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "dispatch-gateway", "config.yaml"))
	}

	paths = append(paths, "/etc/dispatch-gateway/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise, searches DefaultSearchPaths and returns the first
// that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range searchPathsFunc() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPathsFunc())
}

// Config holds all dispatch gateway configuration (spec.md §6).
type Config struct {
	Radio      RadioConfig       `yaml:"radio"`
	Responders map[string]string `yaml:"responders"` // token -> node ID; "" (null in YAML) means broadcast-to-all
	LLM        LLMConfig         `yaml:"llm"`
	Queue      QueueConfig       `yaml:"queue"`
	Triage     TriageConfig      `yaml:"triage"`
	Menu911    Menu911Config     `yaml:"menu_911"`
	Restrict   RestrictConfig    `yaml:"restriction"`
	Stale      StaleConfig       `yaml:"stale_packet"`
	Watchdog   WatchdogConfig    `yaml:"watchdog"`
	AuditPath  string            `yaml:"audit_log_path"`
	Web        WebConfig         `yaml:"web"`
	LogLevel   string            `yaml:"log_level"`
}

// RadioConfig identifies the transport device and channel.
type RadioConfig struct {
	Device       string `yaml:"device"`        // serial device path or network address
	ChannelIndex int    `yaml:"channel_index"` // the one configured channel packets must arrive on
	ChannelName  string `yaml:"channel_name"`
}

// LLMConfig points at the local conversational model backend.
type LLMConfig struct {
	Endpoint       string        `yaml:"endpoint"`
	Model          string        `yaml:"model"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxTokens      int           `yaml:"max_tokens"`
}

// QueueConfig bounds the router's work queue.
type QueueConfig struct {
	DepthLimit   int           `yaml:"depth_limit"`
	ChunkWidth   int           `yaml:"chunk_width"`
	Cooldown     time.Duration `yaml:"cooldown"`
	WarnThrottle time.Duration `yaml:"warning_throttle"`
}

// TriageConfig bounds a triage session's lifetime and transcript.
type TriageConfig struct {
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	MaxTranscript     int           `yaml:"max_transcript_entries"` // not read by internal/session, which trims at a fixed 12 entries
}

// Menu911Config bounds the 911 menu's wait for a numeric reply.
type Menu911Config struct {
	Timeout time.Duration `yaml:"timeout"`
}

// RestrictConfig sets the responder-imposed lockout duration.
type RestrictConfig struct {
	Duration time.Duration `yaml:"duration"`
}

// StaleConfig bounds how old a replayed packet may be before it's
// treated as live traffic on startup.
type StaleConfig struct {
	Window time.Duration `yaml:"window"`
}

// WatchdogConfig sets the periodic sweep interval.
type WatchdogConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// WebConfig configures the optional operator dashboard.
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates the
// result. After Load returns successfully, all fields are usable
// without additional nil/zero checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with the defaults
// enumerated in spec.md §6. Called automatically by Load.
func (c *Config) applyDefaults() {
	if c.LLM.RequestTimeout == 0 {
		c.LLM.RequestTimeout = 30 * time.Second
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 512
	}
	if c.Queue.DepthLimit == 0 {
		c.Queue.DepthLimit = 15
	}
	if c.Queue.ChunkWidth == 0 {
		c.Queue.ChunkWidth = 180
	}
	if c.Queue.Cooldown == 0 {
		c.Queue.Cooldown = 10 * time.Second
	}
	if c.Queue.WarnThrottle == 0 {
		c.Queue.WarnThrottle = 10 * time.Second
	}
	if c.Triage.InactivityTimeout == 0 {
		c.Triage.InactivityTimeout = 600 * time.Second
	}
	if c.Triage.MaxTranscript == 0 {
		c.Triage.MaxTranscript = 12
	}
	if c.Menu911.Timeout == 0 {
		c.Menu911.Timeout = 120 * time.Second
	}
	if c.Restrict.Duration == 0 {
		c.Restrict.Duration = 120 * time.Minute
	}
	if c.Stale.Window == 0 {
		c.Stale.Window = 10 * time.Second
	}
	if c.Watchdog.Interval == 0 {
		c.Watchdog.Interval = 30 * time.Second
	}
	if c.AuditPath == "" {
		c.AuditPath = "./dispatch-audit.jsonl"
	}
	if c.Web.Enabled && c.Web.Port == 0 {
		c.Web.Port = 8787
	}
}

// Validate checks that the configuration is internally consistent. It
// runs after applyDefaults, so it can assume defaults are populated.
func (c *Config) Validate() error {
	if c.Radio.Device == "" {
		return fmt.Errorf("radio.device must be set")
	}
	if c.Queue.DepthLimit < 1 {
		return fmt.Errorf("queue.depth_limit must be >= 1, got %d", c.Queue.DepthLimit)
	}
	if c.Queue.ChunkWidth < 1 {
		return fmt.Errorf("queue.chunk_width must be >= 1, got %d", c.Queue.ChunkWidth)
	}
	if c.Web.Enabled && (c.Web.Port < 1 || c.Web.Port > 65535) {
		return fmt.Errorf("web.port %d out of range (1-65535)", c.Web.Port)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// ResponderNodeIDs returns the configured responder set as a plain
// slice of node ID strings, for membership checks in the router.
func (c *Config) ResponderNodeIDs() []string {
	ids := make([]string, 0, len(c.Responders))
	for _, id := range c.Responders {
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
