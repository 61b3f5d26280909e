package archive

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	labfs "labport/internal/fs"
	"labport/internal/transfer"
)

// DefaultMaxExtractSize caps the bytes extracted from one archive when no limit is set.
const DefaultMaxExtractSize int64 = 4 << 30

// Decryptor turns an encrypted archive stream into plaintext.
type Decryptor interface {
	Decrypt(r io.Reader, w io.Writer) error
}

// Options configures archive opening.
type Options struct {
	ScratchDir     string    // parent of per-archive extraction dirs; system temp dir when empty
	MaxExtractSize int64     // DefaultMaxExtractSize when zero
	Decryptor      Decryptor // required for encrypted archives
	IgnorePatterns []string  // media files never offered for import
	Logger         transfer.Logger
}

// Opener opens archives with fixed options.
type Opener struct {
	opts Options
}

var _ transfer.ArchiveOpener = (*Opener)(nil)

func NewOpener(opts Options) *Opener {
	if opts.MaxExtractSize <= 0 {
		opts.MaxExtractSize = DefaultMaxExtractSize
	}
	if opts.Logger == nil {
		opts.Logger = transfer.NewNopLogger()
	}
	return &Opener{opts: opts}
}

func (o *Opener) Open(ctx context.Context, path string) (transfer.Archive, error) {
	return Open(ctx, path, o.opts)
}

// Archive is an export archive extracted into a private scratch directory.
type Archive struct {
	path     string
	size     int64
	format   Format
	dir      string
	snapshot *snapshot
	manifest transfer.Manifest
	media    *labfs.MediaIndex

	closeOnce sync.Once
	closeErr  error
}

var _ transfer.Archive = (*Archive)(nil)

// Open extracts the archive at path and opens its snapshot. On error nothing is left in the
// scratch directory.
func Open(ctx context.Context, path string, opts Options) (*Archive, error) {
	const op = "archive.open"
	if opts.MaxExtractSize <= 0 {
		opts.MaxExtractSize = DefaultMaxExtractSize
	}
	if opts.Logger == nil {
		opts.Logger = transfer.NewNopLogger()
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, transfer.NewError(transfer.CodeArchiveUnavailable, op, err)
	}
	if !info.Mode().IsRegular() {
		return nil, transfer.Errorf(transfer.CodeArchiveUnavailable, op, "%s is not a regular file", path)
	}
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}

	if opts.ScratchDir != "" {
		if err := os.MkdirAll(opts.ScratchDir, 0700); err != nil {
			return nil, fmt.Errorf("creating scratch directory: %w", err)
		}
	}
	dir, err := os.MkdirTemp(opts.ScratchDir, "labport-*")
	if err != nil {
		return nil, fmt.Errorf("creating extraction directory: %w", err)
	}

	a := &Archive{path: path, size: info.Size(), format: format, dir: dir}
	if err := a.load(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	opts.Logger.Debug("archive opened", "path", path, "format", a.format, "dir", dir,
		"media_files", a.media.Stats().TotalFiles)
	return a, nil
}

func (a *Archive) load(ctx context.Context, opts Options) error {
	x := newExtractor(filepath.Join(a.dir, "content"), opts.MaxExtractSize)
	source := a.path

	if a.format == FormatAge {
		if opts.Decryptor == nil {
			return transfer.Errorf(transfer.CodeArchiveUnavailable, "archive.decrypt", "archive is encrypted and no identity is configured")
		}
		plain := filepath.Join(a.dir, "payload")
		if err := x.decrypt(a.path, plain, opts.Decryptor); err != nil {
			return err
		}
		inner, err := sniffFile(plain)
		if err != nil {
			return err
		}
		if inner == FormatAge {
			return transfer.Errorf(transfer.CodeUnrecognizedFormat, "archive.decrypt", "nested encryption is not supported")
		}
		a.format, source = inner, plain
	}

	var err error
	switch a.format {
	case FormatZip:
		err = x.extractZip(ctx, source)
	case FormatTarGz:
		err = x.extractTar(ctx, source, true)
	case FormatTar:
		err = x.extractTar(ctx, source, false)
	default:
		err = transfer.Errorf(transfer.CodeUnrecognizedFormat, "archive.open", "format %q", a.format)
	}
	if err != nil {
		return err
	}

	snapshotPath, err := findMember(x.dir, SnapshotName)
	if err != nil {
		return err
	}
	if snapshotPath == "" {
		return transfer.Errorf(transfer.CodeMissingRequiredMember, "archive.open", "%s not found", SnapshotName)
	}
	base := filepath.Dir(snapshotPath)

	manifestPath := filepath.Join(base, ManifestName)
	if _, err := os.Stat(manifestPath); err != nil {
		if manifestPath, err = findMember(x.dir, ManifestName); err != nil {
			return err
		}
	}
	if manifestPath != "" {
		if a.manifest, err = readManifest(manifestPath); err != nil {
			return err
		}
	}
	if err := checkManifest(a.manifest, snapshotPath); err != nil {
		return err
	}

	if a.snapshot, err = openSnapshot(snapshotPath); err != nil {
		return err
	}
	a.media, err = labfs.NewMediaIndex(filepath.Join(base, MediaDirName), opts.IgnorePatterns)
	return err
}

// findMember returns the shallowest file named name below root, or "" when there is none.
func findMember(root, name string) (string, error) {
	var found []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() && d.Name() == name {
			found = append(found, p)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("searching for %s: %w", name, err)
	}
	if len(found) == 0 {
		return "", nil
	}
	sort.Slice(found, func(i, j int) bool {
		if len(found[i]) != len(found[j]) {
			return len(found[i]) < len(found[j])
		}
		return found[i] < found[j]
	})
	return found[0], nil
}

func (a *Archive) Path() string                { return a.path }
func (a *Archive) Size() int64                 { return a.size }
func (a *Archive) Format() Format              { return a.format }
func (a *Archive) Manifest() transfer.Manifest { return a.manifest }

func (a *Archive) HasRecordSet(ctx context.Context, name string) (bool, error) {
	return a.snapshot.HasRecordSet(ctx, name)
}

func (a *Archive) CountRows(ctx context.Context, name string) (int, error) {
	return a.snapshot.CountRows(ctx, name)
}

func (a *Archive) Rows(ctx context.Context, name string) (transfer.RowIterator, error) {
	return a.snapshot.Rows(ctx, name)
}

func (a *Archive) FindMedia(ref string) (transfer.MediaFile, bool) {
	return a.media.Find(ref)
}

func (a *Archive) OpenMedia(f transfer.MediaFile) (io.ReadCloser, error) {
	return a.media.Open(f)
}

func (a *Archive) MediaStats() transfer.MediaStats {
	return a.media.Stats()
}

// Close closes the snapshot and removes the extraction directory.
func (a *Archive) Close() error {
	a.closeOnce.Do(func() {
		if a.snapshot != nil {
			a.closeErr = a.snapshot.Close()
		}
		if err := os.RemoveAll(a.dir); err != nil && a.closeErr == nil {
			a.closeErr = fmt.Errorf("removing extraction directory: %w", err)
		}
	})
	return a.closeErr
}
