package transfer

import (
	"context"
	"io"
)

// MediaStore holds binary attachments linked from annotations. Keys are slash-separated
// relative paths.
type MediaStore interface {
	// Put stores exactly size bytes read from r under key.
	Put(ctx context.Context, key string, r io.Reader, size int64) error

	// Get writes the content stored under key to w.
	Get(ctx context.Context, key string, w io.Writer) error

	// Stat returns the stored size and whether the key exists.
	Stat(ctx context.Context, key string) (int64, bool, error)

	// Delete removes key and returns false when it was already absent. Implementations
	// backed by a directory tree also remove parent directories left empty.
	Delete(ctx context.Context, key string) (bool, error)
}
