package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"labport/internal/transfer"
)

// extractor writes archive members below dir and enforces the total size budget.
type extractor struct {
	dir       string
	remaining int64
}

func newExtractor(dir string, maxSize int64) *extractor {
	return &extractor{dir: dir, remaining: maxSize}
}

func corrupt(format string, args ...any) *transfer.Error {
	return transfer.Errorf(transfer.CodeCorruptArchive, "archive.extract", format, args...)
}

// target maps a member name to a path below dir. Absolute names and names climbing out
// of dir are rejected.
func (x *extractor) target(name string) (string, error) {
	clean := strings.TrimPrefix(filepath.ToSlash(name), "./")
	if clean == "" || clean == "." {
		return "", nil
	}
	if strings.HasPrefix(clean, "/") || filepath.IsAbs(name) {
		return "", corrupt("absolute member path %q", name)
	}
	rel := filepath.FromSlash(clean)
	if !filepath.IsLocal(rel) {
		return "", corrupt("member path %q escapes the archive", name)
	}
	return filepath.Join(x.dir, rel), nil
}

func (x *extractor) mkdir(name string) error {
	dest, err := x.target(name)
	if err != nil || dest == "" {
		return err
	}
	if err := os.MkdirAll(dest, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", name, err)
	}
	return nil
}

// writeFile copies one member, reading at most one byte past the remaining budget so an
// oversized member is detected without being fully written.
func (x *extractor) writeFile(name string, r io.Reader) error {
	dest, err := x.target(name)
	if err != nil || dest == "" {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", name, err)
	}
	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", name, err)
	}
	n, err := io.Copy(f, io.LimitReader(r, x.remaining+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return corrupt("extracting %s: %v", name, err)
	}
	if n > x.remaining {
		return corrupt("archive exceeds the extraction limit")
	}
	x.remaining -= n
	return nil
}

func (x *extractor) extractZip(ctx context.Context, path string) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return transfer.NewError(transfer.CodeCorruptArchive, "archive.extract", err)
	}
	defer zr.Close()

	for _, zf := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		mode := zf.Mode()
		switch {
		case mode.IsDir():
			if err := x.mkdir(zf.Name); err != nil {
				return err
			}
		case mode.IsRegular():
			if err := x.extractZipFile(zf); err != nil {
				return err
			}
		default:
			// Links and special files are not part of an export.
			if _, err := x.target(zf.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

func (x *extractor) extractZipFile(zf *zip.File) error {
	rc, err := zf.Open()
	if err != nil {
		return transfer.NewError(transfer.CodeCorruptArchive, "archive.extract", err)
	}
	defer rc.Close()
	return x.writeFile(zf.Name, rc)
}

func (x *extractor) extractTar(ctx context.Context, path string, gzipped bool) error {
	f, err := os.Open(path)
	if err != nil {
		return transfer.NewError(transfer.CodeArchiveUnavailable, "archive.extract", err)
	}
	defer f.Close()

	var r io.Reader = f
	if gzipped {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return transfer.NewError(transfer.CodeCorruptArchive, "archive.extract", err)
		}
		defer gz.Close()
		r = gz
	}

	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return transfer.NewError(transfer.CodeCorruptArchive, "archive.extract", err)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := x.mkdir(hdr.Name); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := x.writeFile(hdr.Name, tr); err != nil {
				return err
			}
		default:
			if _, err := x.target(hdr.Name); err != nil {
				return err
			}
		}
	}
}

// decrypt writes the plaintext of an encrypted archive to dest, charging it against the
// size budget.
func (x *extractor) decrypt(src, dest string, d Decryptor) error {
	in, err := os.Open(src)
	if err != nil {
		return transfer.NewError(transfer.CodeArchiveUnavailable, "archive.decrypt", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating decrypted archive: %w", err)
	}
	lw := &limitedWriter{w: out, remaining: x.remaining}
	err = d.Decrypt(in, lw)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if lw.exceeded {
		return corrupt("archive exceeds the extraction limit")
	}
	if err != nil {
		return transfer.NewError(transfer.CodeCorruptArchive, "archive.decrypt", err)
	}
	x.remaining -= lw.written
	return nil
}

var errLimitExceeded = errors.New("extraction limit exceeded")

type limitedWriter struct {
	w         io.Writer
	remaining int64
	written   int64
	exceeded  bool
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if int64(len(p)) > l.remaining-l.written {
		l.exceeded = true
		return 0, errLimitExceeded
	}
	n, err := l.w.Write(p)
	l.written += int64(n)
	return n, err
}
