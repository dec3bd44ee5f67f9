package catalog

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/registry"
	"github.com/google/go-containerregistry/pkg/v1/random"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/maxdollinger/sandboxd/internal/builder"
	"github.com/maxdollinger/sandboxd/internal/db"
	"github.com/maxdollinger/sandboxd/internal/db/models"
	"github.com/maxdollinger/sandboxd/pkg/cas"
	"github.com/maxdollinger/sandboxd/pkg/fs"
	"github.com/maxdollinger/sandboxd/pkg/layerstore"
	"github.com/maxdollinger/sandboxd/pkg/lock"
	"github.com/maxdollinger/sandboxd/pkg/oci"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingTransport counts requests that reach the registry
type countingTransport struct {
	next     http.RoundTripper
	requests atomic.Int64
}

func (t *countingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.requests.Add(1)
	return t.next.RoundTrip(req)
}

type fixture struct {
	catalog   *Catalog
	conn      *sql.DB
	trees     *cas.DirStore
	layers    *layerstore.Store
	transport *countingTransport
	host      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()

	srv := httptest.NewServer(registry.New(registry.Logger(log.New(io.Discard, "", 0))))
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	conn, err := db.Open(context.Background(), filepath.Join(root, "sandboxd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	trees, err := cas.NewDirStore(filepath.Join(root, "cas"))
	require.NoError(t, err)
	layers, err := layerstore.New(filepath.Join(root, "layers"), layerstore.Options{Concurrency: 4})
	require.NoError(t, err)

	transport := &countingTransport{next: http.DefaultTransport}
	reg, err := oci.NewRegistry(oci.RegistryOptions{Retries: 0, Transport: transport})
	require.NoError(t, err)

	b := builder.NewBuilder(conn, fs.NewLayerFlattener(), trees, lock.NewKeyedLocker(), filepath.Join(root, "tmp"))

	return &fixture{
		catalog:   New(conn, reg.Source, layers, b, trees, Options{Retries: 3, Backoff: time.Millisecond}),
		conn:      conn,
		trees:     trees,
		layers:    layers,
		transport: transport,
		host:      u.Host,
	}
}

func (f *fixture) push(t *testing.T, repo string, layers int64) string {
	t.Helper()
	img, err := random.Image(256, layers)
	require.NoError(t, err)

	ref := f.host + "/" + repo
	tag, err := name.ParseReference(ref)
	require.NoError(t, err)
	require.NoError(t, remote.Write(tag, img))
	return ref
}

func TestPullSecondTimeIsCatalogHit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.push(t, "library/alpine:latest", 2)

	first, err := f.catalog.Pull(ctx, ref)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.NotEmpty(t, first.HeadCID)
	assert.True(t, f.trees.Has(first.HeadCID))
	require.NotNil(t, first.Config)
	assert.Len(t, first.Config.DiffIDs, 2)
	assert.Equal(t, int64(2), f.layers.Downloads())

	before := f.transport.requests.Load()
	require.Greater(t, before, int64(0))

	second, err := f.catalog.Pull(ctx, ref)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.HeadCID, second.HeadCID)
	assert.Equal(t, before, f.transport.requests.Load(), "catalog hit must not touch the registry")
}

func TestPullRecordsLayers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.push(t, "test/app:v1", 3)

	_, err := f.catalog.Pull(ctx, ref)
	require.NoError(t, err)

	layers, err := models.ListImageLayers(ctx, f.conn, ref)
	require.NoError(t, err)
	require.Len(t, layers, 3)
	for _, l := range layers {
		assert.True(t, f.layers.Has(digest.Digest(l.Digest)))
	}
}

func TestPullUnknownImageIsNotRetried(t *testing.T) {
	f := newFixture(t)

	_, err := f.catalog.Pull(context.Background(), f.host+"/missing/image:v1")
	require.Error(t, err)

	var pullErr *PullError
	require.ErrorAs(t, err, &pullErr)
	assert.Equal(t, 1, pullErr.Attempts)

	_, err = f.catalog.Get(context.Background(), f.host+"/missing/image:v1")
	assert.ErrorIs(t, err, ErrImageNotFound)
}

func TestListTouchAndEviction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.push(t, "test/a:1", 1)
	b := f.push(t, "test/b:1", 1)

	_, err := f.catalog.Pull(ctx, a)
	require.NoError(t, err)
	_, err = f.catalog.Pull(ctx, b)
	require.NoError(t, err)

	images, err := f.catalog.List(ctx)
	require.NoError(t, err)
	assert.Len(t, images, 2)

	require.NoError(t, models.TouchImage(ctx, f.conn, a, time.Unix(100, 0)))
	require.NoError(t, models.TouchImage(ctx, f.conn, b, time.Unix(50, 0)))
	require.NoError(t, f.catalog.Touch(ctx, a))

	candidates, err := f.catalog.EvictionCandidates(ctx, 1)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, b, candidates[0].Reference)

	assert.ErrorIs(t, f.catalog.Touch(ctx, f.host+"/nope:1"), ErrImageNotFound)
}

func TestRemoveDeletesUnsharedContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.push(t, "test/gone:1", 2)

	img, err := f.catalog.Pull(ctx, ref)
	require.NoError(t, err)
	layers, err := models.ListImageLayers(ctx, f.conn, ref)
	require.NoError(t, err)

	require.NoError(t, f.catalog.Remove(ctx, ref))

	assert.False(t, f.trees.Has(img.HeadCID))
	for _, l := range layers {
		assert.False(t, f.layers.Has(digest.Digest(l.Digest)))
	}
	_, err = f.catalog.Get(ctx, ref)
	assert.ErrorIs(t, err, ErrImageNotFound)
	assert.ErrorIs(t, f.catalog.Remove(ctx, ref), ErrImageNotFound)
}

func TestRemoveKeepsLayerOfRunningPull(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.push(t, "test/shared:1", 1)

	_, err := f.catalog.Pull(ctx, ref)
	require.NoError(t, err)
	layers, err := models.ListImageLayers(ctx, f.conn, ref)
	require.NoError(t, err)
	require.Len(t, layers, 1)
	d := digest.Digest(layers[0].Digest)

	// another pull sharing the layer has fetched it but not recorded it yet
	stored, err := f.layers.Layer(d, digest.Digest(layers[0].DiffID), layers[0].SizeBytes, layers[0].MediaType)
	require.NoError(t, err)
	inFlight, err := f.layers.Fetch(ctx, stored)
	require.NoError(t, err)

	require.NoError(t, f.catalog.Remove(ctx, ref))
	assert.True(t, f.layers.Has(d))

	rc, err := inFlight.Compressed(ctx)
	require.NoError(t, err)
	rc.Close()
	inFlight.Release()
	assert.False(t, f.layers.Pinned(d))
}

func TestRemoveRefusesActiveImage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.push(t, "test/busy:1", 1)

	_, err := f.catalog.Pull(ctx, ref)
	require.NoError(t, err)

	g, err := models.InsertGroup(ctx, f.conn, "default", "10.0.0.0/24", "public")
	require.NoError(t, err)
	id, err := models.UpsertSandbox(ctx, f.conn, &models.Sandbox{Name: "web", GroupID: g.ID, ImageReference: ref, ConfigFile: "web.json"})
	require.NoError(t, err)
	require.NoError(t, models.SetSandboxStatus(ctx, f.conn, id, models.StatusRunning))

	assert.ErrorIs(t, f.catalog.Remove(ctx, ref), ErrImageInUse)
}

func TestRetry(t *testing.T) {
	ctx := context.Background()

	calls := 0
	attempts, err := retry(ctx, 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)

	calls = 0
	attempts, err = retry(ctx, 5, time.Millisecond, func() error {
		calls++
		return &oci.IntegrityError{Expected: digest.FromString("a"), Actual: digest.FromString("b")}
	})
	assert.True(t, oci.IsIntegrityError(err))
	assert.Equal(t, 1, attempts, "integrity errors are final")

	attempts, err = retry(ctx, 2, time.Millisecond, func() error { return errors.New("flaky") })
	assert.EqualError(t, err, "flaky")
	assert.Equal(t, 2, attempts)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"network", errors.New("dial tcp: connection refused"), true},
		{"canceled", context.Canceled, false},
		{"bad reference", oci.ErrInvalidReference, false},
		{"not found", &transport.Error{StatusCode: http.StatusNotFound}, false},
		{"rate limited", &transport.Error{StatusCode: http.StatusTooManyRequests}, true},
		{"server error", &transport.Error{StatusCode: http.StatusBadGateway}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryable(tt.err))
		})
	}
}
