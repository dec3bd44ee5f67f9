package layerstore

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/opencontainers/go-digest"
)

// LocalLayer is a verified blob in the store. It implements oci.Layer.
type LocalLayer struct {
	path      string
	digest    digest.Digest
	diffID    digest.Digest
	size      int64
	mediaType string

	once    sync.Once
	release func()
}

func (l *LocalLayer) Digest() digest.Digest { return l.digest }
func (l *LocalLayer) DiffID() digest.Digest { return l.diffID }
func (l *LocalLayer) Size() int64           { return l.size }
func (l *LocalLayer) MediaType() string     { return l.mediaType }
func (l *LocalLayer) Path() string          { return l.path }

func (l *LocalLayer) Compressed(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.Open(l.path)
}

// Release unpins a fetched blob. It is safe to call more than once.
func (l *LocalLayer) Release() {
	if l == nil || l.release == nil {
		return
	}
	l.once.Do(l.release)
}
