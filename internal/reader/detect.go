package reader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Format identifies the container of an uploaded dump
type Format string

const (
	FormatPlain Format = "plain"
	FormatGzip  Format = "gzip"
	FormatBzip2 Format = "bzip2"
	FormatZip   Format = "zip"
	FormatZstd  Format = "zstd"
)

var (
	// ErrUnsupportedFormat is returned for containers that are recognized but cannot be imported
	ErrUnsupportedFormat = errors.New("unsupported compression format")
	// ErrTooManyEntries is returned when an archive lists more entries than allowed
	ErrTooManyEntries = errors.New("too many archive entries")
	// ErrEntryNotFound is returned when a named archive entry does not exist
	ErrEntryNotFound = errors.New("archive entry not found")
)

// Magic bytes for container detection
var (
	magicGzip     = []byte{0x1f, 0x8b}
	magicBzip2    = []byte("BZh")
	magicZip      = []byte("PK\x03\x04")
	magicZipEmpty = []byte("PK\x05\x06")
	magicZstd     = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicXz       = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
	magic7z       = []byte{'7', 'z', 0xbc, 0xaf, 0x27, 0x1c}
	magicPgDump   = []byte("PGDMP")
)

// DetectBytes determines the container format from the leading bytes of a file.
// Formats that are recognized but unsupported return ErrUnsupportedFormat.
func DetectBytes(head []byte) (Format, error) {
	switch {
	case bytes.HasPrefix(head, magicGzip):
		return FormatGzip, nil
	case bytes.HasPrefix(head, magicBzip2):
		return FormatBzip2, nil
	case bytes.HasPrefix(head, magicZip), bytes.HasPrefix(head, magicZipEmpty):
		return FormatZip, nil
	case bytes.HasPrefix(head, magicZstd):
		return FormatZstd, nil
	case bytes.HasPrefix(head, magicXz):
		return "", fmt.Errorf("%w: xz", ErrUnsupportedFormat)
	case bytes.HasPrefix(head, magic7z):
		return "", fmt.Errorf("%w: 7z", ErrUnsupportedFormat)
	case bytes.HasPrefix(head, magicPgDump):
		return "", fmt.Errorf("%w: pg_dump custom format (use pg_restore)", ErrUnsupportedFormat)
	}
	return FormatPlain, nil
}

// Detect peeks at the first bytes of the file at path and returns its format
func Detect(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open upload: %w", err)
	}
	defer func() {
		_ = f.Close() // Close errors are not critical
	}()

	head := make([]byte, 8)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read upload header: %w", err)
	}
	return DetectBytes(head[:n])
}

// ParseFormat converts a persisted format name back into a Format
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case FormatPlain, "":
		return FormatPlain, nil
	case FormatGzip:
		return FormatGzip, nil
	case FormatBzip2:
		return FormatBzip2, nil
	case FormatZip:
		return FormatZip, nil
	case FormatZstd:
		return FormatZstd, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, s)
}
