package fs

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"labport/internal/transfer"
)

// MediaIndex is a snapshot of the regular files below a media root, keyed for lookup by
// relative path and by basename.
type MediaIndex struct {
	root   string
	files  []transfer.MediaFile
	byPath map[string]int
	byBase map[string][]int
}

// NewMediaIndex walks root and indexes every regular file that no ignore pattern matches.
// Patterns from an ignore file at the root are added to the given ones. A missing root
// yields an empty index.
func NewMediaIndex(root string, patterns []string) (*MediaIndex, error) {
	idx := &MediaIndex{
		root:   root,
		byPath: make(map[string]int),
		byBase: make(map[string][]int),
	}
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}
		return nil, fmt.Errorf("reading media root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("media root is not a directory: %s", root)
	}

	filePatterns, err := ParseIgnoreFile(filepath.Join(root, IgnoreFileName))
	if err != nil {
		return nil, err
	}
	matcher := NewIgnoreMatcher(append(append([]string(nil), patterns...), filePatterns...))

	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		// Symlinks, devices and the like are never served from an archive.
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if matcher.Match(rel) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		idx.files = append(idx.files, transfer.MediaFile{
			RelPath: filepath.ToSlash(rel),
			AbsPath: p,
			Size:    fi.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("indexing media: %w", err)
	}

	sort.Slice(idx.files, func(i, j int) bool { return idx.files[i].RelPath < idx.files[j].RelPath })
	for i, f := range idx.files {
		idx.byPath[f.RelPath] = i
		base := path.Base(f.RelPath)
		idx.byBase[base] = append(idx.byBase[base], i)
	}
	return idx, nil
}

// Find resolves a file reference as stored in a record. An exact relative path wins;
// otherwise the basename is matched, and among several candidates the first by path.
func (m *MediaIndex) Find(ref string) (transfer.MediaFile, bool) {
	ref = strings.TrimSpace(filepath.ToSlash(ref))
	ref = strings.TrimPrefix(strings.TrimPrefix(ref, "/"), "media/")
	if ref == "" {
		return transfer.MediaFile{}, false
	}
	if i, ok := m.byPath[path.Clean(ref)]; ok {
		return m.files[i], true
	}
	if hits := m.byBase[path.Base(ref)]; len(hits) > 0 {
		return m.files[hits[0]], true
	}
	return transfer.MediaFile{}, false
}

// Open opens an indexed file for reading.
func (m *MediaIndex) Open(f transfer.MediaFile) (io.ReadCloser, error) {
	i, ok := m.byPath[f.RelPath]
	if !ok {
		return nil, transfer.Errorf(transfer.CodeFileMissingOnDisk, "media.open", "%s is not in the archive media", f.RelPath)
	}
	file, err := os.Open(m.files[i].AbsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, transfer.NewError(transfer.CodeFileMissingOnDisk, "media.open", err)
		}
		return nil, fmt.Errorf("opening media %s: %w", f.RelPath, err)
	}
	return file, nil
}

// Files returns the indexed files sorted by relative path.
func (m *MediaIndex) Files() []transfer.MediaFile {
	return append([]transfer.MediaFile(nil), m.files...)
}

// Stats aggregates file counts and sizes, overall and per lower-case extension.
func (m *MediaIndex) Stats() transfer.MediaStats {
	stats := transfer.MediaStats{ByExtension: make(map[string]transfer.FileTypeStats)}
	for _, f := range m.files {
		stats.TotalFiles++
		stats.TotalBytes += f.Size
		ext := strings.TrimPrefix(strings.ToLower(path.Ext(f.RelPath)), ".")
		if ext == "" {
			ext = "none"
		}
		st := stats.ByExtension[ext]
		st.Count++
		st.Bytes += f.Size
		stats.ByExtension[ext] = st
	}
	return stats
}
