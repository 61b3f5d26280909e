package testutil

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

type snapshotTable struct {
	columns []string
	rows    [][]any
}

// ArchiveBuilder assembles export archives for tests: snapshot record sets, media files,
// a manifest and arbitrary extra members.
type ArchiveBuilder struct {
	t        testing.TB
	prefix   string
	order    []string
	tables   map[string]*snapshotTable
	media    map[string][]byte
	members  map[string][]byte
	manifest map[string]any

	noSnapshot bool
	snapshot   []byte
}

func NewArchiveBuilder(t testing.TB) *ArchiveBuilder {
	return &ArchiveBuilder{
		t:       t,
		tables:  make(map[string]*snapshotTable),
		media:   make(map[string][]byte),
		members: make(map[string][]byte),
	}
}

// Prefix nests every member under dir, as exporters that wrap their output do.
func (b *ArchiveBuilder) Prefix(dir string) *ArchiveBuilder {
	b.prefix = dir
	return b
}

// Table declares a record set and its columns. Declaring an existing table is a no-op.
func (b *ArchiveBuilder) Table(name string, columns ...string) *ArchiveBuilder {
	if _, ok := b.tables[name]; ok {
		return b
	}
	b.order = append(b.order, name)
	b.tables[name] = &snapshotTable{columns: columns}
	b.snapshot = nil
	return b
}

// Row appends one record; values follow the declared column order.
func (b *ArchiveBuilder) Row(name string, values ...any) *ArchiveBuilder {
	b.t.Helper()
	tbl, ok := b.tables[name]
	if !ok {
		b.t.Fatalf("ArchiveBuilder: table %s not declared", name)
	}
	if len(values) != len(tbl.columns) {
		b.t.Fatalf("ArchiveBuilder: %s has %d columns, got %d values", name, len(tbl.columns), len(values))
	}
	tbl.rows = append(tbl.rows, values)
	b.snapshot = nil
	return b
}

// Media adds a file below media/.
func (b *ArchiveBuilder) Media(rel string, data []byte) *ArchiveBuilder {
	b.media[rel] = data
	return b
}

// Member adds a raw member at name, outside the prefix.
func (b *ArchiveBuilder) Member(name string, data []byte) *ArchiveBuilder {
	b.members[name] = data
	return b
}

// Manifest sets the manifest fields. Without a call no manifest is written.
func (b *ArchiveBuilder) Manifest(fields map[string]any) *ArchiveBuilder {
	b.manifest = fields
	return b
}

// WithoutSnapshot leaves the structured snapshot out of the archive.
func (b *ArchiveBuilder) WithoutSnapshot() *ArchiveBuilder {
	b.noSnapshot = true
	return b
}

// SnapshotBytes builds the snapshot database once and returns its content.
func (b *ArchiveBuilder) SnapshotBytes() []byte {
	b.t.Helper()
	if b.snapshot != nil {
		return b.snapshot
	}

	dir, err := os.MkdirTemp("", "labport-snapshot-*")
	if err != nil {
		b.t.Fatalf("ArchiveBuilder: creating temp dir: %v", err)
	}
	defer os.RemoveAll(dir)
	dbPath := filepath.Join(dir, "user_data.sqlite")

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		b.t.Fatalf("ArchiveBuilder: opening snapshot: %v", err)
	}
	for _, name := range b.order {
		tbl := b.tables[name]
		quoted := make([]string, len(tbl.columns))
		marks := make([]string, len(tbl.columns))
		for i, col := range tbl.columns {
			quoted[i] = `"` + col + `"`
			marks[i] = "?"
		}
		if _, err := db.Exec(fmt.Sprintf(`CREATE TABLE "%s" (%s)`, name, strings.Join(quoted, ", "))); err != nil {
			db.Close()
			b.t.Fatalf("ArchiveBuilder: creating %s: %v", name, err)
		}
		insert := fmt.Sprintf(`INSERT INTO "%s" (%s) VALUES (%s)`, name, strings.Join(quoted, ", "), strings.Join(marks, ", "))
		for _, row := range tbl.rows {
			if _, err := db.Exec(insert, row...); err != nil {
				db.Close()
				b.t.Fatalf("ArchiveBuilder: inserting into %s: %v", name, err)
			}
		}
	}
	if err := db.Close(); err != nil {
		b.t.Fatalf("ArchiveBuilder: closing snapshot: %v", err)
	}

	data, err := os.ReadFile(dbPath)
	if err != nil {
		b.t.Fatalf("ArchiveBuilder: reading snapshot: %v", err)
	}
	b.snapshot = data
	return data
}

// ContentHash returns the manifest content_hash value for the snapshot.
func (b *ArchiveBuilder) ContentHash() string {
	return "sha256:" + SHA256Hex(b.SnapshotBytes())
}

// SHA256Hex returns the lowercase hex SHA-256 of data.
func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

type member struct {
	name string
	data []byte
}

func (b *ArchiveBuilder) collectMembers() []member {
	b.t.Helper()
	var out []member
	join := func(name string) string {
		if b.prefix == "" {
			return name
		}
		return path.Join(b.prefix, name)
	}
	if !b.noSnapshot {
		out = append(out, member{join("user_data.sqlite"), b.SnapshotBytes()})
	}
	if b.manifest != nil {
		data, err := json.Marshal(b.manifest)
		if err != nil {
			b.t.Fatalf("ArchiveBuilder: encoding manifest: %v", err)
		}
		out = append(out, member{join("export_metadata.json"), data})
	}
	var media []string
	for rel := range b.media {
		media = append(media, rel)
	}
	sort.Strings(media)
	for _, rel := range media {
		out = append(out, member{join(path.Join("media", rel)), b.media[rel]})
	}
	var raw []string
	for name := range b.members {
		raw = append(raw, name)
	}
	sort.Strings(raw)
	for _, name := range raw {
		out = append(out, member{name, b.members[name]})
	}
	return out
}

// WriteZip writes the archive as a zip file at path and returns path.
func (b *ArchiveBuilder) WriteZip(path string) string {
	b.t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, m := range b.collectMembers() {
		w, err := zw.Create(m.name)
		if err != nil {
			b.t.Fatalf("ArchiveBuilder: adding %s: %v", m.name, err)
		}
		if _, err := w.Write(m.data); err != nil {
			b.t.Fatalf("ArchiveBuilder: writing %s: %v", m.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		b.t.Fatalf("ArchiveBuilder: closing zip: %v", err)
	}
	b.writeFile(path, buf.Bytes())
	return path
}

// WriteTarGz writes the archive as a gzip-compressed tar file at path and returns path.
func (b *ArchiveBuilder) WriteTarGz(path string) string {
	b.t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	b.writeTar(gz)
	if err := gz.Close(); err != nil {
		b.t.Fatalf("ArchiveBuilder: closing gzip: %v", err)
	}
	b.writeFile(path, buf.Bytes())
	return path
}

// WriteTar writes the archive as an uncompressed tar file at path and returns path.
func (b *ArchiveBuilder) WriteTar(path string) string {
	b.t.Helper()
	var buf bytes.Buffer
	b.writeTar(&buf)
	b.writeFile(path, buf.Bytes())
	return path
}

func (b *ArchiveBuilder) writeTar(w io.Writer) {
	b.t.Helper()
	tw := tar.NewWriter(w)
	for _, m := range b.collectMembers() {
		hdr := &tar.Header{
			Name:     m.name,
			Mode:     0644,
			Size:     int64(len(m.data)),
			Typeflag: tar.TypeReg,
			Format:   tar.FormatPAX,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			b.t.Fatalf("ArchiveBuilder: adding %s: %v", m.name, err)
		}
		if _, err := tw.Write(m.data); err != nil {
			b.t.Fatalf("ArchiveBuilder: writing %s: %v", m.name, err)
		}
	}
	if err := tw.Close(); err != nil {
		b.t.Fatalf("ArchiveBuilder: closing tar: %v", err)
	}
}

func (b *ArchiveBuilder) writeFile(path string, data []byte) {
	b.t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		b.t.Fatalf("ArchiveBuilder: creating %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		b.t.Fatalf("ArchiveBuilder: writing %s: %v", path, err)
	}
}
