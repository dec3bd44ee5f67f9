package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/maxdollinger/sandboxd/internal/catalog"
	"github.com/maxdollinger/sandboxd/internal/config"
	"golang.org/x/sync/errgroup"
)

// Pull fetches images into the catalog. With no refs it pulls the images
// of the selected services of cfg. Images come back in request order,
// with nil entries for failed pulls.
func (o *Orchestrator) Pull(ctx context.Context, cfg *config.Config, sel Selector, refs []string, opts ...catalog.PullOption) ([]*catalog.Image, error) {
	if len(refs) == 0 {
		if cfg == nil {
			return nil, errors.New("nothing to pull")
		}
		names, err := sel.services(cfg)
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			svc, _ := cfg.Service(name)
			if !slices.Contains(refs, svc.Image) {
				refs = append(refs, svc.Image)
			}
		}
	}

	var (
		g      errgroup.Group
		mu     sync.Mutex
		errs   []error
		images = make([]*catalog.Image, len(refs))
	)
	for i, ref := range refs {
		g.Go(func() error {
			img, err := o.pull(ctx, ref, opts...)
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return nil
			}
			images[i] = img
			return nil
		})
	}
	_ = g.Wait()
	return images, errors.Join(errs...)
}

func (o *Orchestrator) pull(ctx context.Context, ref string, opts ...catalog.PullOption) (*catalog.Image, error) {
	start := time.Now()
	img, err := o.deps.Catalog.Pull(ctx, ref, opts...)
	switch {
	case err != nil:
		o.deps.Metrics.ObservePull("failed", time.Since(start))
		return nil, fmt.Errorf("pull %s: %w", ref, err)
	case img.Cached:
		o.deps.Metrics.ObservePull("hit", time.Since(start))
	default:
		o.deps.Metrics.ObservePull("pulled", time.Since(start))
	}
	return img, nil
}
