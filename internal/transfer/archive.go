package transfer

import (
	"context"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

// Archive is an opened, extracted export archive.
type Archive interface {
	// Path returns the archive file the handle was opened from.
	Path() string
	// Size returns the archive file size in bytes.
	Size() int64
	// Manifest returns the parsed manifest; it is empty when the archive had none.
	Manifest() Manifest

	HasRecordSet(ctx context.Context, name string) (bool, error)
	CountRows(ctx context.Context, name string) (int, error)
	// Rows re-queries the record set on every call. A missing record set yields an
	// empty iterator.
	Rows(ctx context.Context, name string) (RowIterator, error)

	// FindMedia resolves a file reference by basename against the media tree.
	FindMedia(ref string) (MediaFile, bool)
	OpenMedia(f MediaFile) (io.ReadCloser, error)
	MediaStats() MediaStats

	// Close releases the scratch directory. It is safe to call more than once.
	Close() error
}

// ArchiveOpener opens archives by path.
type ArchiveOpener interface {
	Open(ctx context.Context, path string) (Archive, error)
}

// RowIterator is a lazy, forward-only cursor over one record set.
type RowIterator interface {
	Next() bool
	Row() Row
	Err() error
	Close() error
}

// Manifest holds the scalar facts written by the exporter.
type Manifest struct {
	ExportTimestamp time.Time         `json:"export_timestamp,omitempty" yaml:"export_timestamp,omitempty"`
	SourceUserID    int64             `json:"source_user_id,omitempty" yaml:"source_user_id,omitempty"`
	SourceUsername  string            `json:"source_username,omitempty" yaml:"source_username,omitempty"`
	FormatVersion   string            `json:"format_version,omitempty" yaml:"format_version,omitempty"`
	ContentHash     string            `json:"content_hash,omitempty" yaml:"content_hash,omitempty"`
	ArchiveKind     string            `json:"archive_kind,omitempty" yaml:"archive_kind,omitempty"`
	Extra           map[string]string `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// Empty reports whether no manifest facts were found.
func (m Manifest) Empty() bool {
	return m.ExportTimestamp.IsZero() && m.SourceUserID == 0 && m.SourceUsername == "" &&
		m.FormatVersion == "" && m.ContentHash == "" && m.ArchiveKind == "" && len(m.Extra) == 0
}

// MediaFile is one file in the extracted media tree.
type MediaFile struct {
	RelPath string // slash-separated, relative to media/
	AbsPath string
	Size    int64
}

// FileTypeStats aggregates files sharing one extension.
type FileTypeStats struct {
	Count int   `json:"count" yaml:"count"`
	Bytes int64 `json:"bytes" yaml:"bytes"`
}

// MediaStats aggregates the media tree.
type MediaStats struct {
	TotalFiles  int                      `json:"total_files" yaml:"total_files"`
	TotalBytes  int64                    `json:"total_bytes" yaml:"total_bytes"`
	ByExtension map[string]FileTypeStats `json:"by_extension" yaml:"by_extension"`
}

// Row is one record from a snapshot record set, keyed by column name.
type Row map[string]any

// Value returns the column value with byte slices converted to strings.
func (r Row) Value(col string) any {
	v, ok := r[col]
	if !ok || v == nil {
		return nil
	}
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// Int64 returns the column as an integer. ok is false for NULL or non-numeric values.
func (r Row) Int64(col string) (int64, bool) {
	switch v := r.Value(col).(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int64(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// String returns the column as text. ok is false for NULL.
func (r Row) String(col string) (string, bool) {
	v := r.Value(col)
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case time.Time:
		return t.UTC().Format(time.RFC3339), true
	default:
		return fmt.Sprint(t), true
	}
}

// Bool returns the column as a boolean. NULL and unparseable values are false.
func (r Row) Bool(col string) bool {
	switch v := r.Value(col).(type) {
	case bool:
		return v
	case int64:
		return v != 0
	case float64:
		return v != 0
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		return err == nil && b
	}
	return false
}
