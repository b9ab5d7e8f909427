package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cba-go/internal/cba"
)

func TestManager_ReadWrite_RoundTrip(t *testing.T) {
	original := &Config{
		BaseDir:       "/home/user/.local/share/cba",
		IndexPath:     "/home/user/.local/share/cba/index.db",
		LogDir:        "/home/user/.local/share/cba/log",
		ProtectionKey: "correct horse",
		SecretsPath:   "/home/user/.local/share/cba/secrets.age",
		MetricsAddr:   "127.0.0.1:9464",
		Engine: EngineConfig{
			ScanInterval:    Duration{5 * time.Minute},
			IdleInterval:    Duration{10 * time.Second},
			BlockSize:       4096,
			BlockAttempts:   5,
			BlockRetryDelay: Duration{time.Second},
			CallTimeout:     Duration{30 * time.Second},
			FailureBackoff:  Duration{2 * time.Minute},
		},
		Filesystem: FilesystemConfig{
			Ignore: []string{"*.log", ".git"},
		},
	}

	var buf bytes.Buffer
	m := &Manager{}

	if err := m.Write(&buf, original); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := m.Read(&buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if got.IndexPath != original.IndexPath {
		t.Errorf("IndexPath = %q, want %q", got.IndexPath, original.IndexPath)
	}
	if got.LogDir != original.LogDir {
		t.Errorf("LogDir = %q, want %q", got.LogDir, original.LogDir)
	}
	if got.ProtectionKey != original.ProtectionKey {
		t.Errorf("ProtectionKey = %q, want %q", got.ProtectionKey, original.ProtectionKey)
	}
	if got.MetricsAddr != original.MetricsAddr {
		t.Errorf("MetricsAddr = %q, want %q", got.MetricsAddr, original.MetricsAddr)
	}
	if got.Engine.ScanInterval.Duration != 5*time.Minute {
		t.Errorf("ScanInterval = %v, want 5m", got.Engine.ScanInterval)
	}
	if got.Engine.BlockSize != 4096 {
		t.Errorf("BlockSize = %d, want 4096", got.Engine.BlockSize)
	}
	if got.Engine.BlockAttempts != 5 {
		t.Errorf("BlockAttempts = %d, want 5", got.Engine.BlockAttempts)
	}
	if len(got.Filesystem.Ignore) != 2 || got.Filesystem.Ignore[1] != ".git" {
		t.Errorf("Filesystem.Ignore = %v, want [*.log .git]", got.Filesystem.Ignore)
	}
}

func TestManager_Read_AppliesDefaults(t *testing.T) {
	input := `
index_path = "/var/lib/cba/index.db"
log_dir = "/var/log/cba"
protection_key = "k"
secrets_path = "/var/lib/cba/secrets.age"
`
	m := &Manager{}
	cfg, err := m.Read(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if cfg.Engine.BlockSize != cba.DefaultBlockSize {
		t.Errorf("BlockSize = %d, want %d", cfg.Engine.BlockSize, cba.DefaultBlockSize)
	}
	if cfg.Engine.ScanInterval.Duration != DefaultScanInterval {
		t.Errorf("ScanInterval = %v, want %v", cfg.Engine.ScanInterval, DefaultScanInterval)
	}
	if cfg.Engine.BlockAttempts != DefaultBlockAttempts {
		t.Errorf("BlockAttempts = %d, want %d", cfg.Engine.BlockAttempts, DefaultBlockAttempts)
	}
}

func TestManager_Read_InvalidDuration(t *testing.T) {
	input := `
[engine]
scan_interval = "soon"
`
	m := &Manager{}
	if _, err := m.Read(strings.NewReader(input)); err == nil {
		t.Fatal("Read() expected error for invalid duration")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
		missing string
	}{
		{name: "complete config", mutate: func(*Config) {}},
		{name: "missing index path", mutate: func(c *Config) { c.IndexPath = "" }, wantErr: true, missing: "index_path"},
		{name: "missing log dir", mutate: func(c *Config) { c.LogDir = "" }, wantErr: true, missing: "log_dir"},
		{name: "missing protection key", mutate: func(c *Config) { c.ProtectionKey = "" }, wantErr: true, missing: "protection_key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig("/base", "secret")
			tt.mutate(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				return
			}
			if !errors.Is(err, cba.ErrConfiguration) {
				t.Errorf("Validate() error = %v, want ErrConfiguration", err)
			}
			if !strings.Contains(err.Error(), tt.missing) {
				t.Errorf("Validate() error = %q, want mention of %q", err.Error(), tt.missing)
			}
		})
	}
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig("/base", "secret")

	if cfg.IndexPath != filepath.Join("/base", "index.db") {
		t.Errorf("IndexPath = %q", cfg.IndexPath)
	}
	if cfg.LogDir != filepath.Join("/base", "log") {
		t.Errorf("LogDir = %q", cfg.LogDir)
	}
	if cfg.SecretsPath != filepath.Join("/base", "secrets.age") {
		t.Errorf("SecretsPath = %q", cfg.SecretsPath)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestInit(t *testing.T) {
	t.Run("writes new config file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "cba.toml")
		cfg := NewConfig("/base", "secret")

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("config file not created: %v", err)
		}
		if perm := info.Mode().Perm(); perm != 0600 {
			t.Errorf("config file mode = %v, want 0600", perm)
		}

		got, err := ReadFromFile(path)
		if err != nil {
			t.Fatalf("ReadFromFile() error = %v", err)
		}
		if got.ProtectionKey != "secret" {
			t.Errorf("ProtectionKey = %q, want secret", got.ProtectionKey)
		}
	})

	t.Run("refuses to overwrite existing file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "cba.toml")
		if err := os.WriteFile(path, []byte("log_dir = \"/x\"\n"), 0644); err != nil {
			t.Fatal(err)
		}

		if err := Init(path, NewConfig("/base", "secret")); err == nil {
			t.Error("Init() expected error for existing file")
		}
	})
}

func TestReadFromFile_Missing(t *testing.T) {
	_, err := ReadFromFile(filepath.Join(t.TempDir(), "absent.toml"))
	if !errors.Is(err, cba.ErrConfiguration) {
		t.Errorf("ReadFromFile() error = %v, want ErrConfiguration", err)
	}
}
