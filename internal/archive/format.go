package archive

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"labport/internal/transfer"
)

// Format is an archive container format.
type Format string

const (
	FormatZip   Format = "zip"
	FormatTarGz Format = "tar.gz"
	FormatTar   Format = "tar"
	FormatAge   Format = "age"
)

var (
	magicZip  = []byte("PK\x03\x04")
	magicGzip = []byte{0x1f, 0x8b}
	magicTar  = []byte("ustar")
	magicAge  = []byte("age-encryption.org/v1")
)

// tarMagicOffset is where the ustar magic sits in a tar header block.
const tarMagicOffset = 257

// DetectFormat determines the container format of the file at path, by extension first and
// by content otherwise.
func DetectFormat(path string) (Format, error) {
	if f, ok := formatFromExtension(path); ok {
		return f, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return "", transfer.NewError(transfer.CodeArchiveUnavailable, "archive.detect", err)
	}
	defer file.Close()
	return sniffFormat(file)
}

func formatFromExtension(path string) (Format, bool) {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".age"):
		return FormatAge, true
	case strings.HasSuffix(lower, ".zip"):
		return FormatZip, true
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return FormatTarGz, true
	case strings.HasSuffix(lower, ".tar"):
		return FormatTar, true
	}
	return "", false
}

// sniffFormat reads the leading bytes of r and matches them against known magic numbers.
func sniffFormat(r io.Reader) (Format, error) {
	header := make([]byte, 512)
	n, err := io.ReadFull(r, header)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", transfer.NewError(transfer.CodeArchiveUnavailable, "archive.detect", err)
	}
	header = header[:n]

	switch {
	case bytes.HasPrefix(header, magicZip):
		return FormatZip, nil
	case bytes.HasPrefix(header, magicGzip):
		return FormatTarGz, nil
	case bytes.HasPrefix(header, magicAge):
		return FormatAge, nil
	case len(header) >= tarMagicOffset+len(magicTar) &&
		bytes.Equal(header[tarMagicOffset:tarMagicOffset+len(magicTar)], magicTar):
		return FormatTar, nil
	}
	return "", transfer.Errorf(transfer.CodeUnrecognizedFormat, "archive.detect", "unrecognized archive format")
}

func sniffFile(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	return sniffFormat(f)
}
