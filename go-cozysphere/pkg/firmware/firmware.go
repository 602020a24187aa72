// pkg/firmware/firmware.go
package firmware

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aleka07/cozysphere/go-cozysphere/pkg/model"
)

// Source tells the ingestion path whether devices should update.
type Source interface {
	Available(ctx context.Context) bool
	DownloadURL() string
}

// FileSource serves a single firmware image from local disk. An update is
// available whenever the file exists.
type FileSource struct {
	path string
	url  string
}

// NewFileSource returns a source for the image at path, advertised at url.
func NewFileSource(path, url string) *FileSource {
	return &FileSource{path: path, url: url}
}

// Available reports whether a firmware image is present.
func (s *FileSource) Available(ctx context.Context) bool {
	info, err := os.Stat(s.path)
	return err == nil && info.Mode().IsRegular()
}

// DownloadURL returns the configured download location.
func (s *FileSource) DownloadURL() string { return s.url }

// Path returns the image location on disk.
func (s *FileSource) Path() string { return s.path }

// Open opens the image for reading. A missing image is model.ErrNotFound.
func (s *FileSource) Open() (*os.File, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: firmware image", model.ErrNotFound)
		}
		return nil, fmt.Errorf("%w: open firmware: %w", model.ErrStorage, err)
	}
	return f, nil
}

// Store replaces the image with the contents of r. The new image is written
// to a temporary file and renamed into place, so devices never download a
// partial upload.
func (s *FileSource) Store(r io.Reader) (int64, error) {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("%w: create firmware dir: %w", model.ErrStorage, err)
	}
	tmp, err := os.CreateTemp(dir, ".firmware-*")
	if err != nil {
		return 0, fmt.Errorf("%w: create temp firmware: %w", model.ErrStorage, err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	n, err := io.Copy(tmp, r)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return 0, fmt.Errorf("%w: write firmware: %w", model.ErrStorage, err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return 0, fmt.Errorf("%w: install firmware: %w", model.ErrStorage, err)
	}
	return n, nil
}
