package reader

import (
	"archive/zip"
	"fmt"
	"io"
	"sort"
	"strings"
)

// MaxEntries is the default limit on the number of members an archive may list
const MaxEntries = 1000

// Entry describes a member of a zip upload
type Entry struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// ListEntries returns the file members of the zip archive at path in archive order.
// Directories are omitted. More than limit members yields ErrTooManyEntries.
func ListEntries(path string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = MaxEntries
	}
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer func() {
		_ = zr.Close() // Close errors are not critical
	}()

	if len(zr.File) > limit {
		return nil, fmt.Errorf("%w: %d (limit %d)", ErrTooManyEntries, len(zr.File), limit)
	}

	entries := make([]Entry, 0, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		entries = append(entries, Entry{Name: f.Name, Size: int64(f.UncompressedSize64)})
	}
	return entries, nil
}

// SQLEntries filters entries down to .sql members sorted by name, the order used
// when every entry of an archive is imported.
func SQLEntries(entries []Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(strings.ToLower(e.Name), ".sql") {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// zipEntryCloser keeps the archive open for the lifetime of the member stream
type zipEntryCloser struct {
	io.ReadCloser
	archive *zip.ReadCloser
}

func (z *zipEntryCloser) Close() error {
	err := z.ReadCloser.Close()
	if cerr := z.archive.Close(); err == nil {
		err = cerr
	}
	return err
}

func openZipEntry(path, entry string) (*streamReader, error) {
	return newStreamReader(func() (io.ReadCloser, error) {
		zr, err := zip.OpenReader(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open archive: %w", err)
		}
		for _, f := range zr.File {
			if f.Name != entry {
				continue
			}
			rc, err := f.Open()
			if err != nil {
				_ = zr.Close()
				return nil, fmt.Errorf("failed to open entry %s: %w", entry, err)
			}
			return &zipEntryCloser{ReadCloser: rc, archive: zr}, nil
		}
		_ = zr.Close()
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, entry)
	})
}
