package media

import (
	"context"
	"path/filepath"
	"testing"

	"labport/internal/config"
)

func TestNewStoreFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.MediaConfig
		wantErr bool
	}{
		{name: "memory", cfg: config.MediaConfig{Type: "memory"}},
		{name: "filesystem", cfg: config.MediaConfig{Type: "filesystem", Root: filepath.Join(t.TempDir(), "media")}},
		{name: "filesystem without root", cfg: config.MediaConfig{Type: "filesystem"}, wantErr: true},
		{name: "s3", cfg: config.MediaConfig{Type: "s3", S3Bucket: "lab-media", S3Region: "eu-west-1"}},
		{name: "s3 without bucket", cfg: config.MediaConfig{Type: "s3"}, wantErr: true},
		{name: "unknown", cfg: config.MediaConfig{Type: "ftp"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewStoreFromConfig(context.Background(), tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewStoreFromConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got == nil {
				t.Error("NewStoreFromConfig() returned nil store")
			}
		})
	}
}
