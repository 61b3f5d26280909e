package app

import (
	"os"
	"path/filepath"
	"testing"

	"labport/internal/config"
)

func TestGetDefaults(t *testing.T) {
	homeDir, _ := os.UserHomeDir()

	tests := []struct {
		name       string
		env        map[string]string
		wantConfig string
		wantBase   string
	}{
		{
			name: "explicit overrides",
			env: map[string]string{
				"LABPORT_CONFIG_PATH": "/custom/config.toml",
				"LABPORT_HOME":        "/custom/labport",
				"XDG_CONFIG_HOME":     "/xdg/config",
				"XDG_DATA_HOME":       "/xdg/data",
			},
			wantConfig: "/custom/config.toml",
			wantBase:   "/custom/labport",
		},
		{
			name:       "xdg dirs",
			env:        map[string]string{"XDG_CONFIG_HOME": "/xdg/config", "XDG_DATA_HOME": "/xdg/data"},
			wantConfig: "/xdg/config/labport.toml",
			wantBase:   "/xdg/data/labport",
		},
		{
			name:       "home dir fallback",
			wantConfig: filepath.Join(homeDir, ".config", "labport.toml"),
			wantBase:   filepath.Join(homeDir, ".local", "share", "labport"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range []string{"LABPORT_CONFIG_PATH", "LABPORT_HOME", "XDG_CONFIG_HOME", "XDG_DATA_HOME"} {
				t.Setenv(k, tt.env[k])
			}

			d, err := GetDefaults()
			if err != nil {
				t.Fatalf("GetDefaults() error = %v", err)
			}
			if d.ConfigPath != tt.wantConfig {
				t.Errorf("ConfigPath = %q, want %q", d.ConfigPath, tt.wantConfig)
			}
			if d.BaseDir != tt.wantBase {
				t.Errorf("BaseDir = %q, want %q", d.BaseDir, tt.wantBase)
			}
			if want := filepath.Join(tt.wantBase, "log"); d.LogDir != want {
				t.Errorf("LogDir = %q, want %q", d.LogDir, want)
			}
		})
	}
}

func TestDefaults_LoadConfig(t *testing.T) {
	dir := t.TempDir()
	d := &Defaults{ConfigPath: filepath.Join(dir, "labport.toml"), BaseDir: dir}

	if _, err := d.LoadConfig(); err == nil {
		t.Error("LoadConfig() without a file succeeded")
	}

	if err := config.Init(d.ConfigPath, config.NewConfig(dir)); err != nil {
		t.Fatalf("config.Init() error = %v", err)
	}
	cfg, err := d.LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.BaseDir != dir || cfg.Database.Type != "sqlite" {
		t.Errorf("LoadConfig() = %+v", cfg)
	}
}
