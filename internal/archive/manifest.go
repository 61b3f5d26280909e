package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"labport/internal/transfer"
)

// Names of the well-known archive members.
const (
	SnapshotName = "user_data.sqlite"
	ManifestName = "export_metadata.json"
	MediaDirName = "media"
)

// supportedVersions lists the manifest format versions this reader understands.
var supportedVersions = map[string]bool{"1": true, "1.0": true}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
	"2006-01-02",
}

// readManifest parses the manifest at path. A missing file yields an empty manifest.
func readManifest(path string) (transfer.Manifest, error) {
	var m transfer.Manifest
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return m, transfer.NewError(transfer.CodeCorruptArchive, "archive.manifest", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return m, nil
	}
	if !gjson.ValidBytes(data) {
		return m, transfer.Errorf(transfer.CodeCorruptArchive, "archive.manifest", "%s is not valid JSON", ManifestName)
	}
	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return m, transfer.Errorf(transfer.CodeCorruptArchive, "archive.manifest", "%s is not a JSON object", ManifestName)
	}
	return parseManifest(doc), nil
}

func parseManifest(doc gjson.Result) transfer.Manifest {
	var m transfer.Manifest
	extra := make(map[string]string)
	doc.ForEach(func(key, value gjson.Result) bool {
		switch key.String() {
		case "export_timestamp":
			if ts, ok := parseTimestamp(value.String()); ok {
				m.ExportTimestamp = ts
			} else {
				extra[key.String()] = value.String()
			}
		case "source_user_id":
			m.SourceUserID = value.Int()
		case "source_username":
			m.SourceUsername = value.String()
		case "format_version":
			m.FormatVersion = value.String()
		case "content_hash":
			m.ContentHash = value.String()
		case "archive_kind":
			m.ArchiveKind = value.String()
		default:
			if value.IsObject() || value.IsArray() {
				extra[key.String()] = value.Raw
			} else {
				extra[key.String()] = value.String()
			}
		}
		return true
	})
	if len(extra) > 0 {
		m.Extra = extra
	}
	return m
}

func parseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

// checkManifest enforces the format version and the snapshot content hash.
func checkManifest(m transfer.Manifest, snapshotPath string) error {
	const op = "archive.manifest"
	if m.FormatVersion != "" && !supportedVersions[m.FormatVersion] {
		return transfer.Errorf(transfer.CodeUnrecognizedFormat, op, "format version %q is not supported", m.FormatVersion)
	}
	if m.ContentHash == "" {
		return nil
	}
	want := strings.ToLower(strings.TrimSpace(m.ContentHash))
	want = strings.TrimPrefix(want, "sha256:")
	got, err := fileSHA256(snapshotPath)
	if err != nil {
		return transfer.NewError(transfer.CodeCorruptArchive, op, err)
	}
	if got != want {
		return transfer.Errorf(transfer.CodeCorruptArchive, op, "snapshot hash %s does not match manifest %s", got, want)
	}
	return nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
