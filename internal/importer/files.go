package importer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// FileStore keeps uploaded files until their batch no longer needs them.
type FileStore interface {
	// Save copies r into a new file. It fails with ErrFileTooLarge once more
	// than limit bytes have been read; limit <= 0 disables the check.
	Save(name string, r io.Reader, limit int64) (path string, size int64, err error)
	Open(path string) (io.ReadCloser, error)
	Remove(path string) error
}

// DiskFiles stores uploads in a directory on the local filesystem.
type DiskFiles struct {
	dir string
}

func NewDiskFiles(dir string) (*DiskFiles, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &DiskFiles{dir: dir}, nil
}

// countingReader counts bytes read and stops with ErrFileTooLarge past limit.
type countingReader struct {
	r     io.Reader
	n     int64
	limit int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if c.limit > 0 && c.n > c.limit {
		return n, ErrFileTooLarge
	}
	return n, err
}

func (d *DiskFiles) Save(name string, r io.Reader, limit int64) (string, int64, error) {
	ext := strings.ToLower(filepath.Ext(name))
	path := filepath.Join(d.dir, uuid.NewString()+ext)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return "", 0, fmt.Errorf("create upload file: %w", err)
	}
	cr := &countingReader{r: r, limit: limit}
	_, err = io.Copy(f, cr)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", 0, err
	}
	return path, cr.n, nil
}

func (d *DiskFiles) Open(path string) (io.ReadCloser, error) {
	return os.Open(path)
}

func (d *DiskFiles) Remove(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
