package app

import (
	"fmt"
	"os"
	"path/filepath"

	"labport/internal/config"
)

// Defaults holds the default locations labport uses before a config file exists.
type Defaults struct {
	ConfigPath string
	BaseDir    string
	LogDir     string
}

// GetDefaults resolves default paths from the environment.
// Lookup order for each path:
//   - LABPORT_CONFIG_PATH, then $XDG_CONFIG_HOME/labport.toml, then ~/.config/labport.toml
//   - LABPORT_HOME, then $XDG_DATA_HOME/labport, then ~/.local/share/labport
func GetDefaults() (*Defaults, error) {
	configPath, err := resolvePath("LABPORT_CONFIG_PATH", "XDG_CONFIG_HOME", "labport.toml", ".config")
	if err != nil {
		return nil, err
	}
	baseDir, err := resolvePath("LABPORT_HOME", "XDG_DATA_HOME", "labport", ".local", "share")
	if err != nil {
		return nil, err
	}
	return &Defaults{
		ConfigPath: configPath,
		BaseDir:    baseDir,
		LogDir:     filepath.Join(baseDir, "log"),
	}, nil
}

func resolvePath(override, xdgVar, name string, homeRel ...string) (string, error) {
	if path := os.Getenv(override); path != "" {
		return path, nil
	}
	if dir := os.Getenv(xdgVar); dir != "" {
		return filepath.Join(dir, name), nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(append(append([]string{homeDir}, homeRel...), name)...), nil
}

// LoadConfig reads the config file at the default location.
func (d *Defaults) LoadConfig() (*config.Config, error) {
	cfg, err := config.ReadFromFile(d.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", d.ConfigPath, err)
	}
	return cfg, nil
}
