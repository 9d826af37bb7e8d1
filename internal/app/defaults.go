package app

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// GetDefaults returns application default paths, checking environment variables first.
// A .env file in the working directory is loaded before the environment is read.
// Environment variables:
//   - PHOTOBAK_CONFIG_PATH: config file location (default: ~/.config/photobak.toml)
//   - PHOTOBAK_HOME: base directory for photobak data (default: ~/.local/share/photobak)
func GetDefaults() (map[string]string, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}

// loadDotEnv loads path into the environment. Variables already set win.
// A missing file is not an error.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("loading %s: %w", path, err)
}

// getConfigPath returns the config file path, checking PHOTOBAK_CONFIG_PATH first,
// then falling back to the default ~/.config/photobak.toml.
func getConfigPath() (string, error) {
	if path := os.Getenv("PHOTOBAK_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "photobak.toml"), nil
}

// getBaseDir returns the base directory for photobak data, checking PHOTOBAK_HOME
// first, then falling back to the XDG default ~/.local/share/photobak.
func getBaseDir() (string, error) {
	if path := os.Getenv("PHOTOBAK_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "photobak"), nil
}
