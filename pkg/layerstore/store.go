// Package layerstore is the content-addressed cache of compressed layer blobs.
//
// Blobs live at <root>/blobs/<algorithm>/<hex>. A blob only ever appears there
// after its content was verified against its digest, so anything found in the
// store is trusted without re-hashing. Concurrent fetches of one digest share
// a single download. A fetched blob stays pinned until its LocalLayer is
// released, and Remove leaves pinned blobs in place.
package layerstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/maxdollinger/sandboxd/pkg/lock"
	"github.com/maxdollinger/sandboxd/pkg/oci"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

var (
	ErrNotFound = errors.New("blob not found")
)

type Options struct {
	// Concurrency bounds simultaneous network downloads. Defaults to 4.
	Concurrency int64
}

type Store struct {
	root      string
	group     singleflight.Group
	sem       *semaphore.Weighted
	downloads atomic.Int64
	logger    *slog.Logger

	// blob/<digest> locks order pinning against removal
	locks *lock.KeyedLocker
	mu    sync.Mutex
	pins  map[digest.Digest]int
}

func New(root string, opts Options) (*Store, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}

	for _, dir := range []string{filepath.Join(root, "blobs"), filepath.Join(root, "tmp")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create layer store: %w", err)
		}
	}

	return &Store{
		root:   root,
		sem:    semaphore.NewWeighted(opts.Concurrency),
		logger: slog.Default(),
		locks:  lock.NewKeyedLocker(),
		pins:   make(map[digest.Digest]int),
	}, nil
}

// Path is where the blob for d is (or would be) stored.
func (s *Store) Path(d digest.Digest) string {
	return filepath.Join(s.root, "blobs", d.Algorithm().String(), d.Encoded())
}

func (s *Store) Has(d digest.Digest) bool {
	if d.Validate() != nil {
		return false
	}
	_, err := os.Stat(s.Path(d))
	return err == nil
}

// Downloads reports how many blobs were fetched over the network by this store.
func (s *Store) Downloads() int64 {
	return s.downloads.Load()
}

type fetchConfig struct {
	progress io.Writer
}

type FetchOption func(*fetchConfig)

// WithProgress mirrors downloaded bytes into w. Store hits write nothing.
func WithProgress(w io.Writer) FetchOption {
	return func(c *fetchConfig) { c.progress = w }
}

// Fetch returns the locally stored copy of layer, downloading it first when
// the store does not have it yet. The blob is pinned against Remove until
// the returned layer is released.
//
// Callers asking for the same digest at the same time share one download.
// A caller whose ctx is cancelled stops waiting, the download itself keeps
// running for the remaining callers.
func (s *Store) Fetch(ctx context.Context, layer oci.Layer, opts ...FetchOption) (_ *LocalLayer, err error) {
	d := layer.Digest()
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("layer digest %q: %w", d, err)
	}

	if err := s.pin(ctx, d); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			s.unpin(d)
		}
	}()

	if s.Has(d) {
		s.logger.DebugContext(ctx, "layer store hit", "digest", d)
		return s.local(layer), nil
	}

	cfg := fetchConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	ch := s.group.DoChan(d.String(), func() (any, error) {
		return nil, s.download(context.WithoutCancel(ctx), layer, cfg.progress)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return s.local(layer), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Store) download(ctx context.Context, layer oci.Layer, progress io.Writer) (err error) {
	d := layer.Digest()

	// another flight may have finished between Has and DoChan
	if s.Has(d) {
		return nil
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)

	s.logger.InfoContext(ctx, "downloading layer", "digest", d, "size", layer.Size())

	rc, err := layer.Compressed(ctx)
	if err != nil {
		return fmt.Errorf("open layer %s: %w", d, err)
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(filepath.Join(s.root, "tmp"), d.Encoded()+".*.partial")
	if err != nil {
		return fmt.Errorf("create temp blob: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			err = errors.Join(err, os.Remove(tmpName))
		}
	}()

	verifier := d.Verifier()
	digester := d.Algorithm().Digester()

	writers := []io.Writer{tmp, verifier, digester.Hash()}
	if progress != nil {
		writers = append(writers, progress)
	}

	n, copyErr := io.Copy(io.MultiWriter(writers...), rc)
	if closeErr := tmp.Close(); copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		return fmt.Errorf("download layer %s: %w", d, copyErr)
	}

	if !verifier.Verified() {
		s.logger.ErrorContext(ctx, "layer digest mismatch", "expected", d, "actual", digester.Digest(), "bytes", n)
		return &oci.IntegrityError{Expected: d, Actual: digester.Digest()}
	}

	target := s.Path(d)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create blob directory: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("publish blob: %w", err)
	}

	s.downloads.Add(1)
	s.logger.DebugContext(ctx, "layer stored", "digest", d, "bytes", n)
	return nil
}

// Layer returns a stored blob as an oci.Layer. The metadata comes from the
// catalog since the blob itself only carries its digest.
func (s *Store) Layer(d, diffID digest.Digest, size int64, mediaType string) (*LocalLayer, error) {
	if !s.Has(d) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, d)
	}
	return &LocalLayer{
		path:      s.Path(d),
		digest:    d,
		diffID:    diffID,
		size:      size,
		mediaType: mediaType,
	}, nil
}

// Remove deletes a blob. Removing a missing blob is not an error. A blob
// pinned by a running fetch is kept, the fetching pull references it again.
func (s *Store) Remove(ctx context.Context, d digest.Digest) error {
	if err := d.Validate(); err != nil {
		return err
	}

	lk, err := s.locks.AcquireLock(ctx, "blob/"+d.String())
	if err != nil {
		return err
	}
	defer lk.Release()

	if s.Pinned(d) {
		s.logger.DebugContext(ctx, "blob in use, kept", "digest", d)
		return nil
	}
	if err := os.Remove(s.Path(d)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove blob %s: %w", d, err)
	}
	return nil
}

// Pinned reports whether a fetched copy of d is still in use.
func (s *Store) Pinned(d digest.Digest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pins[d] > 0
}

func (s *Store) pin(ctx context.Context, d digest.Digest) error {
	lk, err := s.locks.AcquireLock(ctx, "blob/"+d.String())
	if err != nil {
		return err
	}
	defer lk.Release()

	s.mu.Lock()
	s.pins[d]++
	s.mu.Unlock()
	return nil
}

func (s *Store) unpin(d digest.Digest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pins[d]--; s.pins[d] <= 0 {
		delete(s.pins, d)
	}
}

func (s *Store) local(layer oci.Layer) *LocalLayer {
	d := layer.Digest()
	return &LocalLayer{
		path:      s.Path(d),
		digest:    d,
		diffID:    layer.DiffID(),
		size:      layer.Size(),
		mediaType: layer.MediaType(),
		release:   func() { s.unpin(d) },
	}
}
