package logrotate

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotateIfNeeded(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "web.stdout.log")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))

	now := time.Unix(1700000000, 0)

	rotated, err := RotateIfNeeded(path, 100, now)
	require.NoError(t, err)
	assert.Empty(t, rotated, "small file must not rotate")

	rotated, err = RotateIfNeeded(path, 5, now)
	require.NoError(t, err)
	assert.Equal(t, path+".1700000000000000000", rotated)

	data, err := os.ReadFile(rotated)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size(), "live file is truncated in place")
}

func TestRotateKeepsAppendingWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.stderr.log")

	w, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.WriteString("before rotation\n")
	require.NoError(t, err)

	_, err = Rotate(path, time.Now())
	require.NoError(t, err)

	_, err = w.WriteString("after\n")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "after\n", string(data))
}

func TestRotateMissingFile(t *testing.T) {
	rotated, err := RotateIfNeeded(filepath.Join(t.TempDir(), "nope.log"), 1, time.Now())
	assert.NoError(t, err)
	assert.Empty(t, rotated)
}

func TestIsRotated(t *testing.T) {
	assert.True(t, IsRotated("api.stdout.log.1700000000000000000"))
	assert.False(t, IsRotated("api.stdout.log"))
	assert.False(t, IsRotated("api.stdout.txt.123"))
	assert.False(t, IsRotated("api.stdout.log.old"))
}

func TestPruneAndCleanup(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	old := now.Add(-30 * 24 * time.Hour)

	files := map[string]time.Time{
		"a.stdout.log":     old,
		"a.stdout.log.111": old,
		"a.stdout.log.222": now,
		"b.stderr.log":     now,
		"notes.txt":        old,
	}
	for name, mtime := range files {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
		require.NoError(t, os.Chtimes(p, mtime, mtime))
	}

	removed, err := Prune(dir, 7*24*time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.stdout.log.111")}, removed)

	removed, err = Cleanup(dir, 7*24*time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.stdout.log")}, removed)

	_, err = os.Stat(filepath.Join(dir, "notes.txt"))
	assert.NoError(t, err, "unrelated files are left alone")

	removed, err = Prune(dir, 0, now)
	assert.NoError(t, err)
	assert.Empty(t, removed)
}
