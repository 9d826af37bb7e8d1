package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for photobak.
type Config struct {
	UserID       string             `toml:"user_id"`
	BaseDir      string             `toml:"base_dir"`
	LogDir       string             `toml:"log_dir"`
	Database     DatabaseConfig     `toml:"database"`
	Media        MediaConfig        `toml:"media"`
	Vault        VaultConfig        `toml:"vault"`
	Encryption   EncryptionConfig   `toml:"encryption"`
	Connectivity ConnectivityConfig `toml:"connectivity"`
	Coordinator  CoordinatorConfig  `toml:"coordinator"`
	Log          LogConfig          `toml:"log"`
}

// DatabaseConfig represents configuration for the ledger database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// MediaConfig describes where buckets live on this device. Each direct
// subdirectory of Root is a bucket.
type MediaConfig struct {
	Root   string   `toml:"root"`
	Ignore []string `toml:"ignore"`
}

// VaultConfig represents configuration for the destination storage.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type VaultConfig struct {
	Type string `toml:"type"` // "memory", "s3", or "filesystem"
	Name string `toml:"name"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket   string `toml:"s3_bucket,omitempty"`
	S3Prefix   string `toml:"s3_prefix,omitempty"`
	S3Region   string `toml:"s3_region,omitempty"`
	S3Endpoint string `toml:"s3_endpoint,omitempty"` // S3-compatible services such as MinIO
	// Static credentials; the default AWS credential chain is used when empty.
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSVaultRoot string `toml:"fs_vault_root,omitempty"`

	// Memory-specific fields (only used when Type == "memory"); 0 is unlimited
	CapacityBytes int64 `toml:"capacity_bytes,omitempty"`
}

// EncryptionConfig holds paths to the age key pair used for encryption.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age" (default) or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// ConnectivityConfig selects how the network state is determined.
type ConnectivityConfig struct {
	Mode         string        `toml:"mode"`                    // "unmetered" (default), "metered", "none" or "probe"
	ProbeAddress string        `toml:"probe_address,omitempty"` // host:port dialed when Mode == "probe"
	ProbeTimeout time.Duration `toml:"probe_timeout,omitempty"`
	ProbeMetered bool          `toml:"probe_metered,omitempty"` // report a reachable probe as metered
}

// CoordinatorConfig tunes reconciliation and uploads.
type CoordinatorConfig struct {
	Workers          int           `toml:"workers"`
	PageSize         int           `toml:"page_size"`
	UploadBatch      int           `toml:"upload_batch"`
	UploadTimeout    time.Duration `toml:"upload_timeout"`
	Order            string        `toml:"order"` // "recent_first" (default) or "oldest_first"
	StaleUploadAfter time.Duration `toml:"stale_upload_after"`
}

// LogConfig controls logging and error reporting.
type LogConfig struct {
	Level     string `toml:"level"` // "debug", "info" (default), "warn" or "error"
	Dev       bool   `toml:"dev"`   // crash on ledger invariant violations
	SentryDSN string `toml:"sentry_dsn,omitempty"`
}

// NewConfig creates a new Config with the provided values and defaults for
// everything else.
func NewConfig(userID, baseDir string) *Config {
	return &Config{
		UserID:  userID,
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "db"),
		},
		Vault: VaultConfig{
			Type:        "filesystem",
			Name:        "local",
			FSVaultRoot: filepath.Join(baseDir, "vault"),
		},
		Encryption: EncryptionConfig{
			Type:           "age",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "photobak.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "photobak.key"),
		},
		Connectivity: ConnectivityConfig{
			Mode: "unmetered",
		},
		Coordinator: CoordinatorConfig{
			Workers:          2,
			PageSize:         200,
			UploadBatch:      50,
			UploadTimeout:    5 * time.Minute,
			Order:            "recent_first",
			StaleUploadAfter: time.Hour,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate checks fields that have no usable zero value.
func (c *Config) Validate() error {
	if c.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if c.Media.Root == "" {
		return fmt.Errorf("media.root is required")
	}
	if c.Coordinator.Workers < 0 || c.Coordinator.PageSize < 0 || c.Coordinator.UploadBatch < 0 {
		return fmt.Errorf("coordinator sizes must not be negative")
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
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
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

// Init writes cfg to path. It refuses to overwrite an existing file.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
