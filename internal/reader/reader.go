// Package reader provides seekable byte sources over plain, gzip, bzip2, zstd and
// zip-archived SQL dumps. Offsets are always logical (decompressed) positions.
package reader

import (
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

// Reader is a logical byte cursor over a possibly compressed dump
type Reader interface {
	// ReadChunk returns up to max bytes. It returns an empty slice and no error at EOF.
	ReadChunk(max int) ([]byte, error)
	// EOF reports whether the end of the logical stream was reached
	EOF() bool
	// Tell returns the logical offset of the next byte to be read
	Tell() int64
	// Seek positions the cursor at a logical offset
	Seek(offset int64) error
	Close() error
}

// Open returns a reader for the upload at path. entry selects a zip member and is
// ignored for every other format.
func Open(path string, format Format, entry string) (Reader, error) {
	switch format {
	case FormatPlain:
		return openFile(path)
	case FormatGzip:
		return newStreamReader(func() (io.ReadCloser, error) {
			f, err := os.Open(path)
			if err != nil {
				return nil, err
			}
			zr, err := pgzip.NewReader(f)
			if err != nil {
				_ = f.Close()
				return nil, fmt.Errorf("invalid gzip stream: %w", err)
			}
			return &stackedCloser{Reader: zr, closers: []io.Closer{zr, f}}, nil
		})
	case FormatBzip2:
		return newStreamReader(func() (io.ReadCloser, error) {
			f, err := os.Open(path)
			if err != nil {
				return nil, err
			}
			return &stackedCloser{Reader: bzip2.NewReader(f), closers: []io.Closer{f}}, nil
		})
	case FormatZstd:
		return newStreamReader(func() (io.ReadCloser, error) {
			f, err := os.Open(path)
			if err != nil {
				return nil, err
			}
			zr, err := zstd.NewReader(f)
			if err != nil {
				_ = f.Close()
				return nil, fmt.Errorf("invalid zstd stream: %w", err)
			}
			return &stackedCloser{Reader: zr, closers: []io.Closer{zstdCloser{zr}, f}}, nil
		})
	case FormatZip:
		if entry == "" {
			return nil, fmt.Errorf("%w: no entry selected", ErrEntryNotFound)
		}
		return openZipEntry(path, entry)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
}

// fileReader reads an uncompressed upload with native seeking
type fileReader struct {
	f   *os.File
	pos int64
	eof bool
}

func openFile(path string) (*fileReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open upload: %w", err)
	}
	return &fileReader{f: f}, nil
}

func (r *fileReader) ReadChunk(max int) ([]byte, error) {
	if r.eof || max <= 0 {
		return nil, nil
	}
	buf := make([]byte, max)
	n, err := io.ReadFull(r.f, buf)
	r.pos += int64(n)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		r.eof = true
		err = nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	return buf[:n], nil
}

func (r *fileReader) EOF() bool   { return r.eof }
func (r *fileReader) Tell() int64 { return r.pos }

func (r *fileReader) Seek(offset int64) error {
	if _, err := r.f.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek upload: %w", err)
	}
	r.pos = offset
	r.eof = false
	return nil
}

func (r *fileReader) Close() error {
	return r.f.Close()
}

// streamReader wraps a forward-only decompressor. Seeking reopens the stream and
// discards bytes up to the target offset.
type streamReader struct {
	open func() (io.ReadCloser, error)
	rc   io.ReadCloser
	pos  int64
	eof  bool
}

func newStreamReader(open func() (io.ReadCloser, error)) (*streamReader, error) {
	rc, err := open()
	if err != nil {
		return nil, err
	}
	return &streamReader{open: open, rc: rc}, nil
}

func (r *streamReader) ReadChunk(max int) ([]byte, error) {
	if r.eof || max <= 0 {
		return nil, nil
	}
	buf := make([]byte, max)
	n, err := io.ReadFull(r.rc, buf)
	r.pos += int64(n)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		r.eof = true
		err = nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decompress upload: %w", err)
	}
	return buf[:n], nil
}

func (r *streamReader) EOF() bool   { return r.eof }
func (r *streamReader) Tell() int64 { return r.pos }

func (r *streamReader) Seek(offset int64) error {
	if offset < r.pos {
		if err := r.rc.Close(); err != nil {
			return fmt.Errorf("failed to close stream for rewind: %w", err)
		}
		rc, err := r.open()
		if err != nil {
			return fmt.Errorf("failed to reopen stream: %w", err)
		}
		r.rc = rc
		r.pos = 0
		r.eof = false
	}
	skipped, err := io.CopyN(io.Discard, r.rc, offset-r.pos)
	r.pos += skipped
	if errors.Is(err, io.EOF) {
		r.eof = true
		return fmt.Errorf("seek beyond end of stream: offset %d, length %d", offset, r.pos)
	}
	if err != nil {
		return fmt.Errorf("failed to skip to offset %d: %w", offset, err)
	}
	return nil
}

func (r *streamReader) Close() error {
	return r.rc.Close()
}

// stackedCloser closes decompressor and file in order
type stackedCloser struct {
	io.Reader
	closers []io.Closer
}

func (s *stackedCloser) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type zstdCloser struct{ d *zstd.Decoder }

func (z zstdCloser) Close() error {
	z.d.Close()
	return nil
}
