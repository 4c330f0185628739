package backup

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}
}

func readArchive(t *testing.T, path string) map[string]string {
	t.Helper()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	zr, err := gzip.NewReader(f)
	require.NoError(t, err)

	files := make(map[string]string)
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)

		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		files[hdr.Name] = string(data)
	}
	return files
}

func TestCreate(t *testing.T) {
	src := t.TempDir()
	dest := t.TempDir()
	writeTree(t, src, map[string]string{
		"templates/t-1.json": `{"template_id":"t-1"}`,
		"templates/t-1.bin":  "blob",
		"users/u-1.json":     `{"user_id":"u-1"}`,
	})

	m := New()
	archive, err := m.Create(src, dest)
	require.NoError(t, err)
	assert.FileExists(t, archive)

	files := readArchive(t, archive)
	assert.Len(t, files, 3)
	assert.Equal(t, `{"user_id":"u-1"}`, files["users/u-1.json"])
	assert.Equal(t, "blob", files["templates/t-1.bin"])
}

func TestRetention(t *testing.T) {
	src := t.TempDir()
	dest := t.TempDir()
	writeTree(t, src, map[string]string{"users/u-1.json": "{}"})

	m := New(func(o *Options) { o.Retention = 2 })

	// Distinct clock values keep archive names unique.
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		stamp := base.Add(time.Duration(i) * time.Second)
		m.now = func() time.Time { return stamp }

		archive, err := m.Create(src, dest)
		require.NoError(t, err)

		// Distinct mod times make prune order deterministic.
		require.NoError(t, os.Chtimes(archive, stamp, stamp))
	}

	archives, err := List(dest)
	require.NoError(t, err)
	require.Len(t, archives, 2)
	assert.Contains(t, archives[0], "backup_20260401T000002Z")
	assert.Contains(t, archives[1], "backup_20260401T000003Z")
}

func TestRetentionDisabled(t *testing.T) {
	src := t.TempDir()
	dest := t.TempDir()
	writeTree(t, src, map[string]string{"users/u-1.json": "{}"})

	m := New(func(o *Options) { o.Retention = 0 })

	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		stamp := base.Add(time.Duration(i) * time.Second)
		m.now = func() time.Time { return stamp }
		_, err := m.Create(src, dest)
		require.NoError(t, err)
	}

	archives, err := List(dest)
	require.NoError(t, err)
	assert.Len(t, archives, 3)
}
