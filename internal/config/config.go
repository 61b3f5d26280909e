package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

// DefaultMaxExtractSize caps the bytes extracted from one archive (4 GiB).
const DefaultMaxExtractSize int64 = 4 << 30

// Config represents the main configuration for labport.
type Config struct {
	BaseDir    string         `toml:"base_dir" validate:"required"`
	LogDir     string         `toml:"log_dir" validate:"required"`
	LogLevel   string         `toml:"log_level,omitempty" validate:"omitempty,oneof=debug info warn error"`
	ScratchDir string         `toml:"scratch_dir,omitempty"` // archive extraction root; system temp dir when empty
	Database   DatabaseConfig `toml:"database"`
	Media      MediaConfig    `toml:"media"`
	Archive    ArchiveConfig  `toml:"archive"`
	Import     ImportConfig   `toml:"import"`
	Metrics    MetricsConfig  `toml:"metrics"`
}

// DatabaseConfig represents configuration for the destination store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type" validate:"oneof=sqlite memory postgres"`
	DataDir string `toml:"data_dir,omitempty" validate:"required_if=Type sqlite"` // only used for type=sqlite
	DSN     string `toml:"dsn,omitempty" validate:"required_if=Type postgres"`    // only used for type=postgres
}

// MediaConfig represents configuration for the store holding materialized files.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type MediaConfig struct {
	Type string `toml:"type" validate:"oneof=filesystem memory s3"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	Root string `toml:"root,omitempty" validate:"required_if=Type filesystem"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket    string `toml:"s3_bucket,omitempty" validate:"required_if=Type s3"`
	S3Prefix    string `toml:"s3_prefix,omitempty"`
	S3Region    string `toml:"s3_region,omitempty"`
	S3Endpoint  string `toml:"s3_endpoint,omitempty" validate:"omitempty,url"`
	S3PathStyle bool   `toml:"s3_path_style,omitempty"`

	// Ignore holds glob patterns for archive media files that are never imported.
	Ignore []string `toml:"ignore,omitempty"`
}

// ArchiveConfig holds archive reading limits and decryption keys.
type ArchiveConfig struct {
	MaxExtractSize int64  `toml:"max_extract_size" validate:"gte=0"` // bytes; DefaultMaxExtractSize when zero
	IdentityPath   string `toml:"identity_path,omitempty"`           // age identity for .age archives
}

// ImportConfig tunes the import engine.
type ImportConfig struct {
	Marker        string `toml:"marker,omitempty"`
	WarningsLimit int    `toml:"warnings_limit,omitempty" validate:"gte=0"`
}

// MetricsConfig controls metrics export.
type MetricsConfig struct {
	TextfilePath string `toml:"textfile_path,omitempty"` // node_exporter textfile; disabled when empty
}

// NewConfig creates a new Config with the provided base directory and default paths.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir:  baseDir,
		LogDir:   filepath.Join(baseDir, "log"),
		LogLevel: "info",
		Database: DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(baseDir, "db")},
		Media:    MediaConfig{Type: "filesystem", Root: filepath.Join(baseDir, "media")},
		Archive: ArchiveConfig{
			MaxExtractSize: DefaultMaxExtractSize,
			IdentityPath:   filepath.Join(baseDir, "keys", "labport.key"),
		},
		Import: ImportConfig{Marker: "[IMPORTED] ", WarningsLimit: 50},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration and reports every invalid field.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validating config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
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
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
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

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
