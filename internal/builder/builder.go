// Package builder merges an ordered stack of image layers into one rootfs
// tree in the content store. Results are cached by the OCI chain id of the
// stack, so images sharing the same layers are merged once.
package builder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/maxdollinger/sandboxd/internal/db"
	"github.com/maxdollinger/sandboxd/internal/db/models"
	"github.com/maxdollinger/sandboxd/pkg/cas"
	"github.com/maxdollinger/sandboxd/pkg/fs"
	"github.com/maxdollinger/sandboxd/pkg/lock"
	"github.com/maxdollinger/sandboxd/pkg/oci"
	"github.com/maxdollinger/sandboxd/pkg/utils"
	"github.com/opencontainers/go-digest"
)

var ErrNoLayers = errors.New("image has no layers")

type Builder interface {
	Build(ctx context.Context, layers []oci.Layer) (*BuildResult, error)
}

// BuildResult describes the merged rootfs of one layer stack.
type BuildResult struct {
	ChainID   digest.Digest
	HeadCID   digest.Digest // content id of the merged tree
	BuildTime time.Duration
	Cached    bool // true if an existing tree was reused
}

type builder struct {
	conn      *sql.DB
	flattener fs.FsBuilder
	store     cas.Store
	locker    lock.Locker
	workDir   string
	logger    *slog.Logger
}

// NewBuilder returns a Builder that unpacks layers below workDir before
// moving the result into store. workDir should be on the same filesystem as
// the store so the move is a rename.
func NewBuilder(conn *sql.DB, flattener fs.FsBuilder, store cas.Store, locker lock.Locker, workDir string) Builder {
	return &builder{
		conn:      conn,
		flattener: flattener,
		store:     store,
		locker:    locker,
		workDir:   workDir,
		logger:    slog.Default(),
	}
}

// ChainID computes the OCI chain id of diffIDs:
// chain(L0) = diffID(L0), chain(Ln) = sha256(chain(Ln-1) + " " + diffID(Ln)).
func ChainID(diffIDs []digest.Digest) digest.Digest {
	if len(diffIDs) == 0 {
		return ""
	}
	chain := diffIDs[0]
	for _, d := range diffIDs[1:] {
		chain = digest.FromString(chain.String() + " " + d.String())
	}
	return chain
}

func (b *builder) Build(ctx context.Context, layers []oci.Layer) (*BuildResult, error) {
	startTime := time.Now()

	if len(layers) == 0 {
		return nil, ErrNoLayers
	}

	diffIDs := make([]digest.Digest, len(layers))
	for i, l := range layers {
		diffIDs[i] = l.DiffID()
	}
	chainID := ChainID(diffIDs)
	logger := b.logger.With("chain", chainID)

	lk, err := b.locker.AcquireLock(ctx, "chain/"+chainID.String())
	if err != nil {
		return nil, fmt.Errorf("lock chain: %w", err)
	}
	defer lk.Release()

	if head, ok, err := b.cached(ctx, chainID); err != nil {
		return nil, err
	} else if ok {
		logger.DebugContext(ctx, "rootfs cache hit", "cid", head)
		return &BuildResult{ChainID: chainID, HeadCID: head, BuildTime: time.Since(startTime), Cached: true}, nil
	}

	logger.InfoContext(ctx, "merging layers", "layers", len(layers))

	runID, err := utils.NewRunID()
	if err != nil {
		return nil, err
	}
	tmpDir := filepath.Join(b.workDir, "build-"+runID)
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create build directory: %w", err)
	}
	// Put consumes the directory on success
	defer os.RemoveAll(tmpDir)

	if err := b.flattener.BuildFs(ctx, layers, tmpDir); err != nil {
		return nil, fmt.Errorf("failed to merge layers: %w", err)
	}

	head, err := b.store.Put(ctx, tmpDir)
	if err != nil {
		return nil, fmt.Errorf("failed to store rootfs: %w", err)
	}

	err = db.WithTx(ctx, b.conn, func(tx *sql.Tx) error {
		layerIDs := make([]int64, len(layers))
		for i, l := range layers {
			id, err := models.UpsertLayer(ctx, tx, &models.Layer{
				Digest:    l.Digest().String(),
				DiffID:    l.DiffID().String(),
				MediaType: l.MediaType(),
				SizeBytes: l.Size(),
			})
			if err != nil {
				return fmt.Errorf("record layer %s: %w", l.Digest(), err)
			}
			layerIDs[i] = id
		}
		_, err := models.InsertChain(ctx, tx, chainID.String(), head.String(), layerIDs)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist chain: %w", err)
	}

	logger.InfoContext(ctx, "rootfs built", "cid", head, "duration", time.Since(startTime))

	return &BuildResult{
		ChainID:   chainID,
		HeadCID:   head,
		BuildTime: time.Since(startTime),
	}, nil
}

// cached returns the stored head of chainID if its tree is still present.
func (b *builder) cached(ctx context.Context, chainID digest.Digest) (digest.Digest, bool, error) {
	chain, err := models.GetChain(ctx, b.conn, chainID.String())
	if errors.Is(err, models.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup chain: %w", err)
	}

	head, err := digest.Parse(chain.HeadCID)
	if err != nil {
		b.logger.WarnContext(ctx, "ignoring chain with invalid head", "chain", chainID, "head", chain.HeadCID)
		return "", false, nil
	}
	if !b.store.Has(head) {
		b.logger.WarnContext(ctx, "chain tree missing from store, rebuilding", "chain", chainID, "cid", head)
		return "", false, nil
	}
	return head, true, nil
}
