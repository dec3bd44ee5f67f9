package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/maxdollinger/sandboxd/internal/catalog"
	"github.com/maxdollinger/sandboxd/internal/config"
	"github.com/maxdollinger/sandboxd/internal/db"
	"github.com/maxdollinger/sandboxd/internal/db/models"
	"github.com/maxdollinger/sandboxd/pkg/logrotate"
	"github.com/maxdollinger/sandboxd/pkg/network"
	"golang.org/x/sync/errgroup"
)

// UpReport lists what an Up did with every selected sandbox.
type UpReport struct {
	Started   []string
	Unchanged []string
	Failed    map[string]error
}

// Err joins the failures, nil when every sandbox runs.
func (r *UpReport) Err() error {
	names := make([]string, 0, len(r.Failed))
	for n := range r.Failed {
		names = append(names, n)
	}
	sort.Strings(names)

	errs := make([]error, 0, len(names))
	for _, n := range names {
		errs = append(errs, fmt.Errorf("%s: %w", n, r.Failed[n]))
	}
	return errors.Join(errs...)
}

func (r *UpReport) fail(name string, err error) {
	if _, ok := r.Failed[name]; !ok {
		r.Failed[name] = err
	}
}

// plan is everything needed to start one sandbox.
type plan struct {
	row      *models.Sandbox
	snapshot *Snapshot
	changed  bool
}

// Up validates cfg and starts the selected services together with
// everything they depend on. It returns once every started sandbox is
// Running or has failed. Per-sandbox failures are in the report; the
// returned error is for failures that prevented any work.
func (o *Orchestrator) Up(ctx context.Context, cfg *config.Config, sel Selector) (*UpReport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	selected, err := sel.services(cfg)
	if err != nil {
		return nil, err
	}
	graph := cfg.Graph()
	names, err := graph.Closure(selected)
	if err != nil {
		return nil, err
	}
	graph = graph.Subgraph(names)
	batches, err := graph.Order()
	if err != nil {
		return nil, err
	}

	o.cleanupLogs(ctx)

	groups, err := o.ensureGroups(ctx, cfg, names)
	if err != nil {
		return nil, err
	}

	report := &UpReport{Failed: make(map[string]error)}
	images := o.pullServices(ctx, cfg, names, report)

	plans := make(map[string]*plan, len(names))
	for _, name := range names {
		svc, _ := cfg.Service(name)
		p, err := o.prepare(ctx, cfg, svc, groups[svc.GroupName()], images[name])
		if err != nil {
			report.fail(name, err)
		}
		if p != nil {
			plans[name] = p
		}
	}

	// a service that cannot start fails everything depending on it
	var broken []string
	for name := range report.Failed {
		broken = append(broken, name)
	}
	for _, d := range graph.Dependents(broken) {
		report.fail(d, fmt.Errorf("%w: %v", ErrDependencyFailed, intersect(graph[d], broken, graph)))
	}
	for name, err := range report.Failed {
		if p := plans[name]; p != nil && !p.row.Status.Active() && o.supervised(p.row.ID) == nil {
			o.markFailed(ctx, p.row, err)
		}
	}

	for _, batch := range batches {
		var (
			g  errgroup.Group
			mu sync.Mutex
		)
		var todo []string
		for _, name := range batch {
			if _, failed := report.Failed[name]; !failed {
				todo = append(todo, name)
			}
		}
		for _, name := range todo {
			p := plans[name]
			g.Go(func() error {
				started, err := o.startOne(ctx, p)

				mu.Lock()
				defer mu.Unlock()
				switch {
				case err != nil:
					report.Failed[name] = err
				case started:
					report.Started = append(report.Started, name)
				default:
					report.Unchanged = append(report.Unchanged, name)
				}
				return nil
			})
		}
		_ = g.Wait()

		var launchFailed []string
		for _, name := range todo {
			if _, failed := report.Failed[name]; failed {
				launchFailed = append(launchFailed, name)
			}
		}
		for _, d := range graph.Dependents(launchFailed) {
			report.fail(d, ErrDependencySkipped)
		}
	}

	sort.Strings(report.Started)
	sort.Strings(report.Unchanged)
	return report, nil
}

// intersect returns the direct or indirect dependencies of a service that
// are in broken.
func intersect(deps, broken []string, graph map[string][]string) []string {
	var out []string
	seen := make(map[string]bool)
	var walk func([]string)
	walk = func(ds []string) {
		for _, d := range ds {
			if seen[d] {
				continue
			}
			seen[d] = true
			if slices.Contains(broken, d) {
				out = append(out, d)
			}
			walk(graph[d])
		}
	}
	walk(deps)
	sort.Strings(out)
	return out
}

func (o *Orchestrator) cleanupLogs(ctx context.Context) {
	policy := o.opts.Supervisor.LogPolicy
	if !policy.AutoCleanup {
		return
	}
	removed, err := logrotate.Cleanup(o.opts.Supervisor.LogsDir, policy.MaxAge, time.Now())
	if err != nil {
		o.logger.WarnContext(ctx, "failed to clean up logs", "error", err)
	}
	if len(removed) > 0 {
		o.logger.InfoContext(ctx, "removed old logs", "count", len(removed))
	}
}

func (o *Orchestrator) ensureGroups(ctx context.Context, cfg *config.Config, names []string) (map[string]network.Group, error) {
	groups := make(map[string]network.Group)
	for _, name := range names {
		svc, _ := cfg.Service(name)
		gname := svc.GroupName()
		if _, ok := groups[gname]; ok {
			continue
		}

		decl, ok := cfg.Group(gname)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, gname)
		}
		reach, err := decl.ReachPolicy()
		if err != nil {
			return nil, err
		}
		g, err := o.deps.Network.EnsureGroup(ctx, gname, reach)
		if err != nil {
			return nil, fmt.Errorf("ensure group %s: %w", gname, err)
		}
		groups[gname] = g
	}
	return groups, nil
}

// pullServices pulls the image of every named service concurrently. A
// failed pull fails the services using that image.
func (o *Orchestrator) pullServices(ctx context.Context, cfg *config.Config, names []string, report *UpReport) map[string]*catalog.Image {
	users := make(map[string][]string)
	for _, name := range names {
		svc, _ := cfg.Service(name)
		users[svc.Image] = append(users[svc.Image], name)
	}

	var (
		g      errgroup.Group
		mu     sync.Mutex
		images = make(map[string]*catalog.Image, len(names))
	)
	for ref, services := range users {
		g.Go(func() error {
			img, err := o.pull(ctx, ref)

			mu.Lock()
			defer mu.Unlock()
			for _, name := range services {
				if err != nil {
					report.fail(name, err)
				} else {
					images[name] = img
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return images
}

// prepare persists the row, address and snapshot of a service. The plan
// is returned even on error when the row exists, so the failure can be
// recorded on it.
func (o *Orchestrator) prepare(ctx context.Context, cfg *config.Config, svc *config.Service, group network.Group, img *catalog.Image) (*plan, error) {
	path := snapshotPath(o.opts.StateDir, group.Name, svc.Name)
	previous, err := readSnapshot(path)
	if err != nil {
		o.logger.WarnContext(ctx, "ignoring unreadable snapshot", "sandbox", svc.Name, "error", err)
		previous = nil
	}

	ref := svc.Image
	if img != nil {
		ref = img.Reference
	}
	row := &models.Sandbox{
		Name:               svc.Name,
		GroupID:            group.ID,
		GroupName:          group.Name,
		ImageReference:     ref,
		ConfigFile:         path,
		ConfigLastModified: time.Now(),
		RootfsPaths:        o.deps.Mounter.Path(group.Name, svc.Name),
	}
	err = db.WithTx(ctx, o.deps.Conn, func(tx *sql.Tx) error {
		_, err := models.UpsertSandbox(ctx, tx, row)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("record sandbox: %w", err)
	}
	if row, err = o.reload(ctx, row); err != nil {
		return nil, err
	}
	p := &plan{row: row}

	if img == nil {
		// the pull failed, the reason is already reported
		return p, nil
	}

	snap, err := newSnapshot(cfg, svc, img)
	if err != nil {
		return p, err
	}
	p.snapshot = snap
	p.changed = !snap.Equal(previous)

	if _, err := o.deps.Network.AllocateIP(ctx, group.Name, svc.Name); err != nil {
		return p, err
	}
	if p.row, err = o.reload(ctx, row); err != nil {
		return nil, err
	}

	if p.changed {
		if err := writeSnapshot(path, snap); err != nil {
			return p, fmt.Errorf("write snapshot: %w", err)
		}
	}
	if err := o.deps.Catalog.Touch(ctx, img.Reference); err != nil {
		o.logger.WarnContext(ctx, "failed to touch image", "image", img.Reference, "error", err)
	}
	return p, nil
}

// startOne brings one sandbox to Running. It reports false when the
// sandbox already ran with the same snapshot.
func (o *Orchestrator) startOne(ctx context.Context, p *plan) (bool, error) {
	lk, err := o.lockSandbox(ctx, p.row)
	if err != nil {
		return false, err
	}
	defer lk.Release()

	row, err := o.reload(ctx, p.row)
	if err != nil {
		return false, err
	}

	if m := o.supervised(row.ID); m != nil {
		if !p.changed && m.sup.Status() == models.StatusRunning {
			return false, nil
		}
		o.logger.InfoContext(ctx, "restarting changed sandbox", "sandbox", row.Name)
		if err := m.sup.Stop(ctx); err != nil {
			return false, err
		}
	} else if row.Status.Active() || row.Status == models.StatusCrashed {
		if !p.changed && row.Status == models.StatusRunning && o.guestAlive(ctx, row) {
			return false, nil
		}
		if err := o.stopRemote(ctx, row); err != nil {
			return false, err
		}
	}

	if row, err = o.reload(ctx, row); err != nil {
		return false, err
	}
	if err := models.ResetRestarts(ctx, o.deps.Conn, row.ID); err != nil {
		return false, err
	}

	att, err := o.attach(ctx, row, p.snapshot)
	if err != nil {
		o.markFailed(ctx, row, err)
		return false, err
	}
	m, err := o.supervise(row, p.snapshot, att)
	if err != nil {
		o.markFailed(ctx, row, err)
		return false, errors.Join(err, o.deps.Network.Detach(ctx, att))
	}
	if err := m.sup.Start(ctx); err != nil {
		o.forget(row.ID, m)
		return false, err
	}
	return true, nil
}
