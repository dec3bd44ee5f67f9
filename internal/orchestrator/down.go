package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/maxdollinger/sandboxd/internal/db"
	"github.com/maxdollinger/sandboxd/internal/db/models"
	"github.com/maxdollinger/sandboxd/internal/scheduler"
	"github.com/maxdollinger/sandboxd/pkg/network"
	"golang.org/x/sync/errgroup"
)

// Down stops the selected sandboxes, dependents before their dependencies,
// and releases their addresses.
func (o *Orchestrator) Down(ctx context.Context, sel Selector) error {
	rows, err := sel.rows(ctx, o.deps.Conn)
	if err != nil {
		return err
	}

	var errs []error
	for _, batch := range o.shutdownOrder(ctx, rows) {
		var (
			g  errgroup.Group
			mu sync.Mutex
		)
		for _, row := range batch {
			g.Go(func() error {
				if err := o.stopOne(ctx, row); err != nil {
					mu.Lock()
					errs = append(errs, fmt.Errorf("%s: %w", row.Name, err))
					mu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()
	}
	return errors.Join(errs...)
}

// shutdownOrder batches rows in reverse dependency order, using the
// dependencies recorded in their snapshots.
func (o *Orchestrator) shutdownOrder(ctx context.Context, rows []*models.Sandbox) [][]*models.Sandbox {
	byName := make(map[string][]*models.Sandbox)
	graph := make(scheduler.Graph)
	for _, row := range rows {
		byName[row.Name] = append(byName[row.Name], row)
		deps := graph[row.Name]
		if snap, err := readSnapshot(row.ConfigFile); err == nil && snap != nil {
			deps = append(deps, snap.DependsOn...)
		}
		graph[row.Name] = deps
	}

	names := make([]string, 0, len(byName))
	for n := range byName {
		names = append(names, n)
	}
	sort.Strings(names)

	batches, err := graph.Subgraph(names).Order()
	if err != nil {
		o.logger.WarnContext(ctx, "stopping without dependency order", "error", err)
		batches = [][]string{names}
	}

	var out [][]*models.Sandbox
	for _, batch := range scheduler.Reverse(batches) {
		var rs []*models.Sandbox
		for _, n := range batch {
			rs = append(rs, byName[n]...)
		}
		out = append(out, rs)
	}
	return out
}

func (o *Orchestrator) stopOne(ctx context.Context, row *models.Sandbox) error {
	lk, err := o.lockSandbox(ctx, row)
	if err != nil {
		return err
	}
	defer lk.Release()

	if m := o.supervised(row.ID); m != nil {
		err = m.sup.Stop(ctx)
	} else {
		err = o.stopRemote(ctx, row)
	}
	if err != nil {
		return err
	}

	err = o.deps.Network.ReleaseIP(ctx, row.GroupName, row.Name)
	if errors.Is(err, network.ErrIPNotAllocated) {
		err = nil
	}
	return err
}

// stopRemote stops a sandbox this process does not supervise. The guest is
// signalled through its persisted pid. A live owner finishes the stop
// itself when it sees the Stopping status, otherwise the row is completed
// here.
func (o *Orchestrator) stopRemote(ctx context.Context, row *models.Sandbox) error {
	row, err := o.reload(ctx, row)
	if err != nil {
		return err
	}

	switch row.Status {
	case models.StatusRunning, models.StatusStarting, models.StatusCrashed:
		if err := o.setState(ctx, row, models.StatusStopping, nil); err != nil {
			return err
		}
	case models.StatusStopping:
	default:
		// Pending, Stopped and Failed have no guest
		return nil
	}

	o.logger.InfoContext(ctx, "stopping sandbox of another process", "sandbox", row.Name, "pid", row.MicroVMPID)
	grace := o.opts.Supervisor.StopGracePeriod
	if o.guestAlive(ctx, row) {
		o.terminate(ctx, *row.MicroVMPID, grace)
	}

	if o.ownedElsewhere(ctx, row) {
		done, ok := o.waitFor(ctx, row, grace+5*time.Second, func(cur *models.Sandbox) bool {
			return cur.Status == models.StatusStopped
		})
		if ok {
			*row = *done
			return nil
		}
		if row, err = o.reload(ctx, row); err != nil {
			return err
		}
		if row.Status != models.StatusStopping {
			return nil
		}
	}
	return o.completeStop(ctx, row)
}

// terminate sends SIGTERM, then SIGKILL after grace.
func (o *Orchestrator) terminate(ctx context.Context, pid int, grace time.Duration) {
	guest, err := o.deps.Launcher.Attach(ctx, pid)
	if err != nil {
		return
	}
	if err := guest.Signal(syscall.SIGTERM); err != nil {
		return
	}
	select {
	case <-guest.Done():
		return
	case <-time.After(grace):
	}
	o.logger.WarnContext(ctx, "grace period over, killing guest", "pid", pid)
	_ = guest.Signal(syscall.SIGKILL)
	select {
	case <-guest.Done():
	case <-time.After(5 * time.Second):
	case <-ctx.Done():
	}
}

// completeStop marks a Stopping sandbox without guest as Stopped.
func (o *Orchestrator) completeStop(ctx context.Context, row *models.Sandbox) error {
	return errors.Join(
		o.deps.Mounter.Unmount(ctx, row.ID),
		o.setState(ctx, row, models.StatusStopped, func(st *models.SandboxState) {
			st.SupervisorPID = nil
			st.MicroVMPID = nil
		}),
	)
}

// Remove deletes stopped sandboxes with their rootfs, snapshot, metrics
// and filesystem record. Groups left without sandboxes are torn down.
// Nothing is removed when one of the selected sandboxes is active.
func (o *Orchestrator) Remove(ctx context.Context, sel Selector) error {
	rows, err := sel.rows(ctx, o.deps.Conn)
	if err != nil {
		return err
	}

	var active []error
	for _, row := range rows {
		if row.Status.Active() || o.supervised(row.ID) != nil {
			active = append(active, fmt.Errorf("%w: %s is %s", ErrSandboxActive, row.Name, row.Status))
		}
	}
	if err := errors.Join(active...); err != nil {
		return err
	}

	var (
		errs   []error
		groups = make(map[string]bool)
	)
	for _, row := range rows {
		groups[row.GroupName] = true
		if err := o.removeOne(ctx, row); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", row.Name, err))
		}
	}

	for name := range groups {
		if err := o.releaseGroup(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) removeOne(ctx context.Context, row *models.Sandbox) error {
	lk, err := o.lockSandbox(ctx, row)
	if err != nil {
		return err
	}
	defer lk.Release()

	if err := o.deps.Mounter.Remove(ctx, row.ID, row.GroupName, row.Name); err != nil {
		return fmt.Errorf("remove rootfs: %w", err)
	}
	if err := os.Remove(row.ConfigFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove snapshot: %w", err)
	}
	err = db.WithTx(ctx, o.deps.Conn, func(tx *sql.Tx) error {
		return models.DeleteSandbox(ctx, tx, row.ID)
	})
	if err != nil {
		return err
	}

	o.deps.Metrics.Forget(row.GroupName, row.Name)
	o.logger.InfoContext(ctx, "sandbox removed", "sandbox", row.Name, "group", row.GroupName)
	return nil
}

// releaseGroup tears a group down once no sandbox uses it.
func (o *Orchestrator) releaseGroup(ctx context.Context, name string) error {
	g, err := models.GetGroupByName(ctx, o.deps.Conn, name)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	n, err := models.CountGroupSandboxes(ctx, o.deps.Conn, g.ID)
	if err != nil || n > 0 {
		return err
	}
	if err := o.deps.Network.Teardown(ctx, name); err != nil && !errors.Is(err, network.ErrGroupInUse) {
		return fmt.Errorf("tear down group %s: %w", name, err)
	}
	return nil
}
