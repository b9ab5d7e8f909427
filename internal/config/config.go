package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"cba-go/internal/cba"
)

// Config represents the main configuration for cba.
type Config struct {
	BaseDir string `toml:"base_dir"`

	// Required settings.
	IndexPath     string `toml:"index_path"`     // SQLite file, or ":memory:"
	LogDir        string `toml:"log_dir"`        // directory for cba.log
	ProtectionKey string `toml:"protection_key"` // passphrase protecting stored secrets

	SecretsPath string `toml:"secrets_path"`
	MetricsAddr string `toml:"metrics_addr,omitempty"` // e.g. "127.0.0.1:9464"; empty disables

	Engine     EngineConfig     `toml:"engine"`
	Filesystem FilesystemConfig `toml:"filesystem"`
}

// EngineConfig holds loop timing and transfer tuning.
type EngineConfig struct {
	ScanInterval    Duration `toml:"scan_interval"`     // pause between scan passes
	IdleInterval    Duration `toml:"idle_interval"`     // backup loop pause when nothing is pending
	BlockSize       int64    `toml:"block_size"`        // bytes per upload block
	BlockAttempts   int      `toml:"block_attempts"`    // attempts per block before giving up on a file
	BlockRetryDelay Duration `toml:"block_retry_delay"` // initial delay between block attempts (doubles)
	CallTimeout     Duration `toml:"call_timeout"`      // timeout for a single provider call
	FailureBackoff  Duration `toml:"failure_backoff"`   // base delay before a failed file is rescheduled
}

// FilesystemConfig holds filesystem-related settings.
type FilesystemConfig struct {
	Ignore []string `toml:"ignore"`
}

// Duration is a time.Duration that encodes as a TOML string ("30s", "5m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Engine defaults.
const (
	DefaultScanInterval    = 15 * time.Minute
	DefaultIdleInterval    = 30 * time.Second
	DefaultBlockAttempts   = 3
	DefaultBlockRetryDelay = 2 * time.Second
	DefaultCallTimeout     = 2 * time.Minute
	DefaultFailureBackoff  = time.Minute
)

// NewConfig creates a new Config rooted at baseDir with default settings.
func NewConfig(baseDir, protectionKey string) *Config {
	cfg := &Config{
		BaseDir:       baseDir,
		IndexPath:     filepath.Join(baseDir, "index.db"),
		LogDir:        filepath.Join(baseDir, "log"),
		ProtectionKey: protectionKey,
		SecretsPath:   filepath.Join(baseDir, "secrets.age"),
		Filesystem: FilesystemConfig{
			Ignore: []string{"*.tmp", "~$*", ".DS_Store", "Thumbs.db"},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills in zero-valued engine settings.
func (c *Config) ApplyDefaults() {
	e := &c.Engine
	if e.ScanInterval.Duration <= 0 {
		e.ScanInterval.Duration = DefaultScanInterval
	}
	if e.IdleInterval.Duration <= 0 {
		e.IdleInterval.Duration = DefaultIdleInterval
	}
	if e.BlockSize <= 0 {
		e.BlockSize = cba.DefaultBlockSize
	}
	if e.BlockAttempts <= 0 {
		e.BlockAttempts = DefaultBlockAttempts
	}
	if e.BlockRetryDelay.Duration <= 0 {
		e.BlockRetryDelay.Duration = DefaultBlockRetryDelay
	}
	if e.CallTimeout.Duration <= 0 {
		e.CallTimeout.Duration = DefaultCallTimeout
	}
	if e.FailureBackoff.Duration <= 0 {
		e.FailureBackoff.Duration = DefaultFailureBackoff
	}
	if c.SecretsPath == "" && c.BaseDir != "" {
		c.SecretsPath = filepath.Join(c.BaseDir, "secrets.age")
	}
}

// Validate checks that every required setting is present.
// Missing values are reported together as a cba.ErrConfiguration.
func (c *Config) Validate() error {
	var missing []string
	if c.IndexPath == "" {
		missing = append(missing, "index_path")
	}
	if c.LogDir == "" {
		missing = append(missing, "log_dir")
	}
	if c.ProtectionKey == "" {
		missing = append(missing, "protection_key")
	}
	if c.SecretsPath == "" {
		missing = append(missing, "secrets_path")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing required setting(s): %s", cba.ErrConfiguration, strings.Join(missing, ", "))
	}
	return nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open config file: %v", cba.ErrConfiguration, err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// The file holds the protection key.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
