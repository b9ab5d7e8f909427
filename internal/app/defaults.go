package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - CBA_CONFIG_PATH: config file location (default: ~/.config/cba.toml)
//   - CBA_HOME: base directory for agent data (default: ~/.local/share/cba)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path":  configPath,
		"base_dir":     baseDir,
		"index_path":   filepath.Join(baseDir, "index.db"),
		"log_dir":      filepath.Join(baseDir, "log"),
		"secrets_path": filepath.Join(baseDir, "secrets.age"),
	}, nil
}

// getConfigPath returns the config file path, checking CBA_CONFIG_PATH env var first,
// then falling back to the default ~/.config/cba.toml.
func getConfigPath() (string, error) {
	if path := os.Getenv("CBA_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "cba.toml"), nil
}

// getBaseDir returns the base directory for agent data, checking CBA_HOME env var first,
// then falling back to the XDG default ~/.local/share/cba.
func getBaseDir() (string, error) {
	if path := os.Getenv("CBA_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "cba"), nil
}
