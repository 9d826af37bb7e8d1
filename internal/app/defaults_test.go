package app

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGetDefaults(t *testing.T) {
	t.Run("uses env vars when set", func(t *testing.T) {
		t.Setenv("PHOTOBAK_CONFIG_PATH", "/custom/config.toml")
		t.Setenv("PHOTOBAK_HOME", "/custom/photobak")

		defaults, err := GetDefaults()
		if err != nil {
			t.Fatalf("GetDefaults() error = %v", err)
		}

		if defaults["config_path"] != "/custom/config.toml" {
			t.Errorf("config_path = %q, want %q", defaults["config_path"], "/custom/config.toml")
		}
		if defaults["base_dir"] != "/custom/photobak" {
			t.Errorf("base_dir = %q, want %q", defaults["base_dir"], "/custom/photobak")
		}
		if defaults["log_dir"] != "/custom/photobak/log" {
			t.Errorf("log_dir = %q, want %q", defaults["log_dir"], "/custom/photobak/log")
		}
	})

	t.Run("falls back to home dir defaults", func(t *testing.T) {
		t.Setenv("PHOTOBAK_CONFIG_PATH", "")
		t.Setenv("PHOTOBAK_HOME", "")

		defaults, err := GetDefaults()
		if err != nil {
			t.Fatalf("GetDefaults() error = %v", err)
		}

		homeDir, _ := os.UserHomeDir()

		wantConfig := filepath.Join(homeDir, ".config", "photobak.toml")
		if defaults["config_path"] != wantConfig {
			t.Errorf("config_path = %q, want %q", defaults["config_path"], wantConfig)
		}

		wantBase := filepath.Join(homeDir, ".local", "share", "photobak")
		if defaults["base_dir"] != wantBase {
			t.Errorf("base_dir = %q, want %q", defaults["base_dir"], wantBase)
		}
	})
}

func TestLoadDotEnv(t *testing.T) {
	t.Run("sets unset variables", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ".env")
		if err := os.WriteFile(path, []byte("PHOTOBAK_HOME=/from/dotenv\n"), 0644); err != nil {
			t.Fatalf("writing .env: %v", err)
		}
		t.Setenv("PHOTOBAK_HOME", "")
		os.Unsetenv("PHOTOBAK_HOME")

		if err := loadDotEnv(path); err != nil {
			t.Fatalf("loadDotEnv() error = %v", err)
		}
		if got := os.Getenv("PHOTOBAK_HOME"); got != "/from/dotenv" {
			t.Errorf("PHOTOBAK_HOME = %q, want /from/dotenv", got)
		}
	})

	t.Run("does not override the environment", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ".env")
		if err := os.WriteFile(path, []byte("PHOTOBAK_HOME=/from/dotenv\n"), 0644); err != nil {
			t.Fatalf("writing .env: %v", err)
		}
		t.Setenv("PHOTOBAK_HOME", "/from/env")

		if err := loadDotEnv(path); err != nil {
			t.Fatalf("loadDotEnv() error = %v", err)
		}
		if got := os.Getenv("PHOTOBAK_HOME"); got != "/from/env" {
			t.Errorf("PHOTOBAK_HOME = %q, want /from/env", got)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if err := loadDotEnv(filepath.Join(t.TempDir(), ".env")); err != nil {
			t.Errorf("loadDotEnv() error = %v", err)
		}
	})
}
