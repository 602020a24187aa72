package firmware

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleka07/cozysphere/go-cozysphere/pkg/model"
)

func TestFileSourceLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fw", "firmware.bin")
	src := NewFileSource(path, "/api/firmware")

	assert.False(t, src.Available(context.Background()))
	_, err := src.Open()
	assert.ErrorIs(t, err, model.ErrNotFound)

	n, err := src.Store(strings.NewReader("image-v1"))
	require.NoError(t, err)
	assert.EqualValues(t, 8, n)
	assert.True(t, src.Available(context.Background()))
	assert.Equal(t, "/api/firmware", src.DownloadURL())

	_, err = src.Store(strings.NewReader("image-v2"))
	require.NoError(t, err)

	f, err := src.Open()
	require.NoError(t, err)
	defer f.Close()
	body, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "image-v2", string(body))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files are cleaned up")
}

func TestDirectoryIsNotAnImage(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, NewFileSource(dir, "").Available(context.Background()))
}
