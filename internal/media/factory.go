package media

import (
	"context"
	"fmt"
	"os"

	"labport/internal/config"
	"labport/internal/transfer"
)

// Environment variables holding S3 credentials. The AWS default chain is used when unset.
const (
	EnvS3AccessKeyID     = "LABPORT_S3_ACCESS_KEY_ID"
	EnvS3SecretAccessKey = "LABPORT_S3_SECRET_ACCESS_KEY"
	EnvS3SessionToken    = "LABPORT_S3_SESSION_TOKEN"
)

// NewStoreFromConfig creates a MediaStore based on the media config type.
func NewStoreFromConfig(ctx context.Context, cfg config.MediaConfig) (transfer.MediaStore, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "filesystem":
		if cfg.Root == "" {
			return nil, fmt.Errorf("filesystem media store requires root to be set")
		}
		return NewFileSystemStore(cfg.Root)
	case "s3":
		return NewS3Store(ctx, S3Config{
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			PathStyle:       cfg.S3PathStyle,
			AccessKeyID:     os.Getenv(EnvS3AccessKeyID),
			SecretAccessKey: os.Getenv(EnvS3SecretAccessKey),
			SessionToken:    os.Getenv(EnvS3SessionToken),
		})
	default:
		return nil, fmt.Errorf("unknown media type: %s", cfg.Type)
	}
}
