package cas

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return dir
}

func TestTreeIDDeterministic(t *testing.T) {
	files := map[string]string{"etc/hostname": "box", "bin/sh": "elf"}

	a, err := TreeID(context.Background(), writeTree(t, files))
	require.NoError(t, err)
	b, err := TreeID(context.Background(), writeTree(t, files))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	files["etc/hostname"] = "other"
	c, err := TreeID(context.Background(), writeTree(t, files))
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestPutDeduplicates(t *testing.T) {
	store, err := NewDirStore(t.TempDir())
	require.NoError(t, err)

	files := map[string]string{"app/main": "binary"}

	first := writeTree(t, files)
	cid1, err := store.Put(context.Background(), first)
	require.NoError(t, err)
	assert.True(t, store.Has(cid1))
	_, err = os.Stat(first)
	assert.True(t, os.IsNotExist(err), "source tree is consumed")

	second := writeTree(t, files)
	cid2, err := store.Put(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, cid1, cid2)
	_, err = os.Stat(second)
	assert.True(t, os.IsNotExist(err))

	entries, err := os.ReadDir(filepath.Join(store.root, "trees"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestMaterialize(t *testing.T) {
	store, err := NewDirStore(t.TempDir())
	require.NoError(t, err)

	cid, err := store.Put(context.Background(), writeTree(t, map[string]string{"etc/motd": "hi"}))
	require.NoError(t, err)

	dst := filepath.Join(t.TempDir(), "rootfs")
	require.NoError(t, store.Materialize(context.Background(), cid, dst))

	data, err := os.ReadFile(filepath.Join(dst, "etc", "motd"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))

	// the copy is private
	require.NoError(t, os.WriteFile(filepath.Join(dst, "etc", "motd"), []byte("changed"), 0o644))
	stored, _ := os.ReadFile(filepath.Join(store.Path(cid), "etc", "motd"))
	assert.Equal(t, "hi", string(stored))
}

func TestMaterializeUnknown(t *testing.T) {
	store, err := NewDirStore(t.TempDir())
	require.NoError(t, err)

	err = store.Materialize(context.Background(), "sha256:0000000000000000000000000000000000000000000000000000000000000000", t.TempDir())
	assert.ErrorIs(t, err, ErrNotFound)

	err = store.Materialize(context.Background(), "bogus", t.TempDir())
	assert.ErrorIs(t, err, ErrInvalidCID)
}

func TestRemove(t *testing.T) {
	store, err := NewDirStore(t.TempDir())
	require.NoError(t, err)

	cid, err := store.Put(context.Background(), writeTree(t, map[string]string{"a": "b"}))
	require.NoError(t, err)

	require.NoError(t, store.Remove(cid))
	assert.False(t, store.Has(cid))
}
