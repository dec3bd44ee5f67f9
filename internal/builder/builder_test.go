package builder

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/maxdollinger/sandboxd/internal/db"
	"github.com/maxdollinger/sandboxd/internal/db/models"
	"github.com/maxdollinger/sandboxd/pkg/cas"
	"github.com/maxdollinger/sandboxd/pkg/fs"
	"github.com/maxdollinger/sandboxd/pkg/lock"
	"github.com/maxdollinger/sandboxd/pkg/oci"
	"github.com/opencontainers/go-digest"
)

// tarLayer is an uncompressed in-memory layer holding a single file
type tarLayer struct {
	blob []byte
}

func newTarLayer(t *testing.T, name, content string) *tarLayer {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(content))}); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return &tarLayer{blob: buf.Bytes()}
}

func (l *tarLayer) Digest() digest.Digest { return digest.FromBytes(l.blob) }
func (l *tarLayer) DiffID() digest.Digest { return digest.FromBytes(l.blob) }
func (l *tarLayer) Size() int64           { return int64(len(l.blob)) }
func (l *tarLayer) MediaType() string     { return "application/vnd.oci.image.layer.v1.tar" }

func (l *tarLayer) Compressed(ctx context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(l.blob)), nil
}

// countingFlattener records how often layers are actually merged
type countingFlattener struct {
	inner fs.FsBuilder
	calls atomic.Int32
}

func (c *countingFlattener) BuildFs(ctx context.Context, layers []oci.Layer, targetDir string) error {
	c.calls.Add(1)
	return c.inner.BuildFs(ctx, layers, targetDir)
}

type fixture struct {
	builder   Builder
	store     *cas.DirStore
	flattener *countingFlattener
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()

	conn, err := db.Open(context.Background(), filepath.Join(root, "sandboxd.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	store, err := cas.NewDirStore(filepath.Join(root, "cas"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}

	flattener := &countingFlattener{inner: fs.NewLayerFlattener()}
	return &fixture{
		builder:   NewBuilder(conn, flattener, store, lock.NewKeyedLocker(), filepath.Join(root, "tmp")),
		store:     store,
		flattener: flattener,
	}
}

func TestChainID(t *testing.T) {
	a := digest.FromString("a")
	b := digest.FromString("b")
	c := digest.FromString("c")

	if got := ChainID([]digest.Digest{a}); got != a {
		t.Errorf("single layer chain: got %s, want %s", got, a)
	}

	ab := digest.FromString(a.String() + " " + b.String())
	if got := ChainID([]digest.Digest{a, b}); got != ab {
		t.Errorf("two layer chain: got %s, want %s", got, ab)
	}

	abc := digest.FromString(ab.String() + " " + c.String())
	if got := ChainID([]digest.Digest{a, b, c}); got != abc {
		t.Errorf("three layer chain: got %s, want %s", got, abc)
	}

	if ChainID([]digest.Digest{a, b}) == ChainID([]digest.Digest{b, a}) {
		t.Error("chain id must depend on order")
	}

	if got := ChainID(nil); got != "" {
		t.Errorf("empty chain: got %q", got)
	}
}

func TestBuildMergesLayers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	base := newTarLayer(t, "etc/os-release", "base")
	app := newTarLayer(t, "app/main", "binary")

	result, err := f.builder.Build(ctx, []oci.Layer{base, app})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if result.Cached {
		t.Error("first build should not be cached")
	}
	if want := ChainID([]digest.Digest{base.DiffID(), app.DiffID()}); result.ChainID != want {
		t.Errorf("chain id: got %s, want %s", result.ChainID, want)
	}
	if !f.store.Has(result.HeadCID) {
		t.Fatal("merged tree not in store")
	}

	data, err := os.ReadFile(filepath.Join(f.store.Path(result.HeadCID), "app", "main"))
	if err != nil {
		t.Fatalf("read merged file: %v", err)
	}
	if string(data) != "binary" {
		t.Errorf("unexpected content %q", data)
	}
}

func TestBuildReusesSharedChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// two images that happen to share the same ordered layers
	imageA := []oci.Layer{newTarLayer(t, "bin/sh", "sh"), newTarLayer(t, "srv/app", "v1")}
	imageB := []oci.Layer{newTarLayer(t, "bin/sh", "sh"), newTarLayer(t, "srv/app", "v1")}

	first, err := f.builder.Build(ctx, imageA)
	if err != nil {
		t.Fatalf("first build failed: %v", err)
	}
	second, err := f.builder.Build(ctx, imageB)
	if err != nil {
		t.Fatalf("second build failed: %v", err)
	}

	if !second.Cached {
		t.Error("second build should be a cache hit")
	}
	if first.ChainID != second.ChainID || first.HeadCID != second.HeadCID {
		t.Errorf("results differ: %+v vs %+v", first, second)
	}
	if n := f.flattener.calls.Load(); n != 1 {
		t.Errorf("layers merged %d times, want 1", n)
	}
}

func TestBuildRebuildsMissingTree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	layers := []oci.Layer{newTarLayer(t, "a", "1")}

	first, err := f.builder.Build(ctx, layers)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if err := f.store.Remove(first.HeadCID); err != nil {
		t.Fatalf("remove tree: %v", err)
	}

	second, err := f.builder.Build(ctx, layers)
	if err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}
	if second.Cached {
		t.Error("a chain whose tree is gone must be rebuilt")
	}
	if !f.store.Has(second.HeadCID) {
		t.Error("rebuilt tree not in store")
	}
}

func TestBuildConcurrentSameChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	layers := []oci.Layer{newTarLayer(t, "etc/hosts", "localhost"), newTarLayer(t, "usr/bin/app", "x")}

	var wg sync.WaitGroup
	results := make([]*BuildResult, 8)
	errs := make([]error, len(results))
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.builder.Build(ctx, layers)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("build %d failed: %v", i, err)
		}
	}
	for _, r := range results[1:] {
		if r.HeadCID != results[0].HeadCID {
			t.Errorf("head cid differs: %s vs %s", r.HeadCID, results[0].HeadCID)
		}
	}
	if n := f.flattener.calls.Load(); n != 1 {
		t.Errorf("layers merged %d times, want 1", n)
	}
}

func TestBuildPersistsChainEntries(t *testing.T) {
	root := t.TempDir()
	conn, err := db.Open(context.Background(), filepath.Join(root, "sandboxd.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	b := NewBuilder(conn, fs.NewNoOpFsBuilder(), cas.NewNoOpStore(), lock.NewNoOpLocker(), filepath.Join(root, "tmp"))
	layers := []oci.Layer{newTarLayer(t, "x", "1"), newTarLayer(t, "y", "2")}

	result, err := b.Build(context.Background(), layers)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	entries, err := models.ListChainEntries(context.Background(), conn, result.ChainID.String())
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[1].Digest != layers[1].Digest().String() {
		t.Errorf("entry order: got %s at position 1", entries[1].Digest)
	}
}

func TestBuildNoLayers(t *testing.T) {
	f := newFixture(t)
	if _, err := f.builder.Build(context.Background(), nil); err != ErrNoLayers {
		t.Errorf("got %v, want ErrNoLayers", err)
	}
}
