// Package catalog tracks pulled images: their OCI metadata, the merged
// rootfs built from them and when they were last used.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/maxdollinger/sandboxd/internal/builder"
	"github.com/maxdollinger/sandboxd/internal/db"
	"github.com/maxdollinger/sandboxd/internal/db/models"
	"github.com/maxdollinger/sandboxd/pkg/cas"
	"github.com/maxdollinger/sandboxd/pkg/layerstore"
	"github.com/maxdollinger/sandboxd/pkg/lock"
	"github.com/maxdollinger/sandboxd/pkg/oci"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"
)

// Image is one catalog entry. Config is only filled by Get and Pull.
type Image struct {
	Reference  string
	SizeBytes  int64
	HeadCID    digest.Digest
	LastUsedAt time.Time
	Config     *models.Config
	Cached     bool // Pull answered from the catalog without registry traffic
}

type Options struct {
	Retries int           // attempts per pull, at least one
	Backoff time.Duration // delay after the first failed attempt, doubled each time
}

type Catalog struct {
	conn    *sql.DB
	sources oci.SourceFactory
	layers  *layerstore.Store
	builder builder.Builder
	trees   cas.Store
	locker  lock.Locker
	opts    Options
	logger  *slog.Logger
}

func New(conn *sql.DB, sources oci.SourceFactory, layers *layerstore.Store, b builder.Builder, trees cas.Store, opts Options) *Catalog {
	if opts.Retries < 1 {
		opts.Retries = 1
	}
	return &Catalog{
		conn:    conn,
		sources: sources,
		layers:  layers,
		builder: b,
		trees:   trees,
		locker:  lock.NewKeyedLocker(),
		opts:    opts,
		logger:  slog.Default(),
	}
}

type pullConfig struct {
	progress func(layer oci.Layer) io.Writer
}

type PullOption func(*pullConfig)

// WithProgress reports downloaded bytes of every layer that is not cached
// yet to the writer fn returns for it.
func WithProgress(fn func(layer oci.Layer) io.Writer) PullOption {
	return func(c *pullConfig) {
		c.progress = fn
	}
}

// Pull makes imageRef available locally and returns its catalog entry. An
// image that was pulled and built before is returned without contacting
// the registry.
func (c *Catalog) Pull(ctx context.Context, imageRef string, opts ...PullOption) (*Image, error) {
	cfg := pullConfig{}
	for _, o := range opts {
		o(&cfg)
	}

	ref, err := oci.NormalizeReference(imageRef)
	if err != nil {
		return nil, err
	}

	lk, err := c.locker.AcquireLock(ctx, "image/"+ref)
	if err != nil {
		return nil, err
	}
	defer lk.Release()

	if img, err := c.Get(ctx, ref); err == nil && img.HeadCID != "" && c.trees.Has(img.HeadCID) {
		c.logger.DebugContext(ctx, "catalog hit", "image", ref)
		img.Cached = true
		return img, nil
	} else if err != nil && !errors.Is(err, ErrImageNotFound) {
		return nil, err
	}

	var (
		image  *oci.Image
		layers []oci.Layer
	)
	attempts, err := retry(ctx, c.opts.Retries, c.opts.Backoff, func() error {
		var err error
		image, layers, err = c.fetch(ctx, ref, cfg)
		if err != nil {
			c.logger.WarnContext(ctx, "pull attempt failed", "image", ref, "error", err)
		}
		return err
	})
	if err != nil {
		return nil, &PullError{Reference: ref, Attempts: attempts, Err: err}
	}
	// blobs stay pinned until the image row references them
	defer releaseLayers(layers)

	result, err := c.builder.Build(ctx, layers)
	if err != nil {
		return nil, fmt.Errorf("build rootfs for %s: %w", ref, err)
	}

	if err := c.record(ctx, ref, image, result.HeadCID); err != nil {
		return nil, fmt.Errorf("record %s: %w", ref, err)
	}

	c.logger.InfoContext(ctx, "image pulled", "image", ref, "layers", len(layers), "cid", result.HeadCID, "cached_rootfs", result.Cached)
	return c.Get(ctx, ref)
}

// fetch resolves the manifest and downloads every layer into the layer store.
func (c *Catalog) fetch(ctx context.Context, ref string, cfg pullConfig) (*oci.Image, []oci.Layer, error) {
	source, err := c.sources(ref)
	if err != nil {
		return nil, nil, err
	}

	image, err := source.GetImage(ctx)
	if err != nil {
		return nil, nil, err
	}

	local := make([]oci.Layer, len(image.Layers))
	g, gctx := errgroup.WithContext(ctx)
	for i, layer := range image.Layers {
		g.Go(func() error {
			var fetchOpts []layerstore.FetchOption
			if cfg.progress != nil && !c.layers.Has(layer.Digest()) {
				fetchOpts = append(fetchOpts, layerstore.WithProgress(cfg.progress(layer)))
			}
			l, err := c.layers.Fetch(gctx, layer, fetchOpts...)
			if err != nil {
				return fmt.Errorf("layer %s: %w", layer.Digest(), err)
			}
			local[i] = l
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		releaseLayers(local)
		return nil, nil, err
	}
	return image, local, nil
}

func releaseLayers(layers []oci.Layer) {
	for _, l := range layers {
		if local, ok := l.(*layerstore.LocalLayer); ok {
			local.Release()
		}
	}
}

func (c *Catalog) record(ctx context.Context, ref string, image *oci.Image, head digest.Digest) error {
	meta := toMetadata(image)

	return db.WithTx(ctx, c.conn, func(tx *sql.Tx) error {
		id, err := models.UpsertImage(ctx, tx, ref, image.Size())
		if err != nil {
			return err
		}

		meta.LayerIDs = make([]int64, len(image.Layers))
		for i, l := range image.Layers {
			lid, err := models.UpsertLayer(ctx, tx, &models.Layer{
				Digest:    l.Digest().String(),
				DiffID:    l.DiffID().String(),
				MediaType: l.MediaType(),
				SizeBytes: l.Size(),
			})
			if err != nil {
				return err
			}
			meta.LayerIDs[i] = lid
		}

		if err := models.ReplaceImageMetadata(ctx, tx, id, meta); err != nil {
			return err
		}
		return models.SetImageHeadCID(ctx, tx, id, head.String())
	})
}

func toMetadata(image *oci.Image) *models.ImageMetadata {
	meta := &models.ImageMetadata{}

	if idx := image.Index; idx != nil {
		meta.Index = &models.Index{
			SchemaVersion:   idx.SchemaVersion,
			MediaType:       idx.MediaType,
			Digest:          idx.Digest.String(),
			PlatformOS:      idx.Platform.OS,
			PlatformArch:    idx.Platform.Architecture,
			PlatformVariant: idx.Platform.Variant,
			Annotations:     idx.Annotations,
		}
	}

	if m := image.Manifest; m != nil {
		meta.Manifest = models.Manifest{
			SchemaVersion: m.SchemaVersion,
			MediaType:     m.MediaType,
			Digest:        m.Digest.String(),
			Annotations:   m.Annotations,
		}
	}

	if cfg := image.Config; cfg != nil {
		diffIDs := make([]string, len(cfg.DiffIDs))
		for i, d := range cfg.DiffIDs {
			diffIDs[i] = d.String()
		}
		history := make([]models.HistoryEntry, len(cfg.History))
		for i, h := range cfg.History {
			history[i] = models.HistoryEntry{Created: h.Created, CreatedBy: h.CreatedBy, Comment: h.Comment, EmptyLayer: h.EmptyLayer}
		}
		meta.Config = models.Config{
			MediaType:    cfg.MediaType,
			Created:      cfg.Created,
			Architecture: cfg.Platform.Architecture,
			OS:           cfg.Platform.OS,
			OSVariant:    cfg.Platform.Variant,
			Env:          cfg.Env,
			Cmd:          cfg.Cmd,
			Entrypoint:   cfg.Entrypoint,
			WorkingDir:   cfg.WorkingDir,
			User:         cfg.User,
			Volumes:      cfg.Volumes,
			ExposedPorts: cfg.ExposedPorts,
			DiffIDs:      diffIDs,
			History:      history,
		}
	}
	return meta
}

// Get returns the catalog entry for imageRef including its image config.
func (c *Catalog) Get(ctx context.Context, imageRef string) (*Image, error) {
	ref, err := oci.NormalizeReference(imageRef)
	if err != nil {
		return nil, err
	}

	row, err := models.GetImageByReference(ctx, c.conn, ref)
	if errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrImageNotFound, ref)
	}
	if err != nil {
		return nil, err
	}

	img := fromRow(row)
	img.Config, err = models.GetImageConfig(ctx, c.conn, ref)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	return img, nil
}

func (c *Catalog) List(ctx context.Context) ([]*Image, error) {
	rows, err := models.ListImages(ctx, c.conn)
	if err != nil {
		return nil, err
	}
	images := make([]*Image, len(rows))
	for i, row := range rows {
		images[i] = fromRow(row)
	}
	return images, nil
}

// Touch marks an image as used now.
func (c *Catalog) Touch(ctx context.Context, imageRef string) error {
	ref, err := oci.NormalizeReference(imageRef)
	if err != nil {
		return err
	}
	err = models.TouchImage(ctx, c.conn, ref, time.Now())
	if errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrImageNotFound, ref)
	}
	return err
}

// EvictionCandidates lists images no active sandbox uses, least recently
// used first. limit <= 0 returns all of them.
func (c *Catalog) EvictionCandidates(ctx context.Context, limit int) ([]*Image, error) {
	rows, err := models.ListEvictionCandidates(ctx, c.conn, limit)
	if err != nil {
		return nil, err
	}
	images := make([]*Image, len(rows))
	for i, row := range rows {
		images[i] = fromRow(row)
	}
	return images, nil
}

// Remove drops imageRef from the catalog. Its merged tree, chains and layer
// blobs are deleted too once no other image needs them.
func (c *Catalog) Remove(ctx context.Context, imageRef string) error {
	ref, err := oci.NormalizeReference(imageRef)
	if err != nil {
		return err
	}

	lk, err := c.locker.AcquireLock(ctx, "image/"+ref)
	if err != nil {
		return err
	}
	defer lk.Release()

	var (
		orphanTree   digest.Digest
		orphanLayers []*models.Layer
	)
	err = db.WithTx(ctx, c.conn, func(tx *sql.Tx) error {
		row, err := models.GetImageByReference(ctx, tx, ref)
		if errors.Is(err, models.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrImageNotFound, ref)
		}
		if err != nil {
			return err
		}

		active, err := models.ListSandboxes(ctx, tx, models.SandboxFilter{
			Statuses: []models.SandboxStatus{models.StatusStarting, models.StatusRunning, models.StatusStopping},
		})
		if err != nil {
			return err
		}
		for _, sb := range active {
			if sb.ImageReference == ref {
				return fmt.Errorf("%w: %s runs %s", ErrImageInUse, sb.Name, ref)
			}
		}

		if err := models.DeleteImage(ctx, tx, row.ID); err != nil {
			return err
		}

		if row.HeadCID != "" {
			orphan, err := c.releaseTree(ctx, tx, row.HeadCID)
			if err != nil {
				return err
			}
			if orphan {
				orphanTree = digest.Digest(row.HeadCID)
			}
		}

		orphanLayers, err = models.ListUnreferencedLayers(ctx, tx)
		if err != nil {
			return err
		}
		for _, l := range orphanLayers {
			if err := models.DeleteLayer(ctx, tx, l.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	// files go only after the rows are gone
	var errs []error
	if orphanTree != "" {
		errs = append(errs, c.trees.Remove(orphanTree))
	}
	for _, l := range orphanLayers {
		errs = append(errs, c.layers.Remove(ctx, digest.Digest(l.Digest)))
	}

	c.logger.InfoContext(ctx, "image removed", "image", ref, "tree_removed", orphanTree != "", "layers_removed", len(orphanLayers))
	return errors.Join(errs...)
}

// releaseTree deletes the chains pointing at head when no remaining image
// uses it, and reports whether the tree is now unreferenced.
func (c *Catalog) releaseTree(ctx context.Context, q models.Querier, head string) (bool, error) {
	images, err := models.ListImages(ctx, q)
	if err != nil {
		return false, err
	}
	for _, img := range images {
		if img.HeadCID == head {
			return false, nil
		}
	}

	chains, err := models.ListChainsByHead(ctx, q, head)
	if err != nil {
		return false, err
	}
	for _, ch := range chains {
		if err := models.DeleteChain(ctx, q, ch.ID); err != nil {
			return false, err
		}
	}
	return true, nil
}

func fromRow(row *models.Image) *Image {
	return &Image{
		Reference:  row.Reference,
		SizeBytes:  row.SizeBytes,
		HeadCID:    digest.Digest(row.HeadCID),
		LastUsedAt: row.LastUsedAt,
	}
}
