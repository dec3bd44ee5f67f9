// Package orchestrator drives sandboxes toward the state a config file
// describes. It pulls images, assigns addresses, starts sandboxes in
// dependency order and owns the supervisors of everything it started or
// re-attached to.
package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/maxdollinger/sandboxd/internal/catalog"
	"github.com/maxdollinger/sandboxd/internal/db"
	"github.com/maxdollinger/sandboxd/internal/db/models"
	"github.com/maxdollinger/sandboxd/internal/statefs"
	"github.com/maxdollinger/sandboxd/internal/supervisor"
	"github.com/maxdollinger/sandboxd/internal/telemetry"
	"github.com/maxdollinger/sandboxd/internal/vm"
	"github.com/maxdollinger/sandboxd/pkg/lock"
	"github.com/maxdollinger/sandboxd/pkg/network"
	"github.com/shirou/gopsutil/process"
)

type Deps struct {
	Conn     *sql.DB
	Catalog  *catalog.Catalog
	Network  *network.GroupManager
	Launcher vm.Launcher
	Mounter  *statefs.Mounter
	Sampler  supervisor.Sampler // nil samples with gopsutil
	Metrics  *telemetry.Metrics

	// ProcessAlive reports whether a pid exists. It is asked about
	// supervisor pids recorded by other processes.
	ProcessAlive func(ctx context.Context, pid int) bool
}

type Options struct {
	StateDir   string
	Supervisor supervisor.Options

	// NetworkEnabled hands the group attachment to the launcher. Groups and
	// addresses are tracked either way.
	NetworkEnabled bool
}

type Orchestrator struct {
	deps   Deps
	opts   Options
	locker lock.Locker
	logger *slog.Logger

	mu      sync.Mutex
	managed map[int64]*managed
}

// managed is a sandbox supervised by this process.
type managed struct {
	sup        *supervisor.Supervisor
	attachment *network.Attachment
}

func New(deps Deps, opts Options) *Orchestrator {
	if deps.Metrics == nil {
		deps.Metrics = telemetry.New()
	}
	if deps.ProcessAlive == nil {
		deps.ProcessAlive = processAlive
	}
	return &Orchestrator{
		deps:    deps,
		opts:    opts,
		locker:  lock.NewKeyedLocker(),
		logger:  slog.Default(),
		managed: make(map[int64]*managed),
	}
}

func processAlive(ctx context.Context, pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExistsWithContext(ctx, int32(pid))
	return err == nil && ok
}

// SandboxStatus is a persisted sandbox with its most recent sample.
type SandboxStatus struct {
	Sandbox *models.Sandbox
	Metrics *models.SandboxMetrics // nil before the first sample
}

// Status reads the selected sandboxes from the persisted state.
func (o *Orchestrator) Status(ctx context.Context, sel Selector) ([]SandboxStatus, error) {
	rows, err := sel.rows(ctx, o.deps.Conn)
	if err != nil {
		return nil, err
	}

	out := make([]SandboxStatus, 0, len(rows))
	for _, row := range rows {
		m, err := models.LatestMetrics(ctx, o.deps.Conn, row.ID)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("metrics of %s: %w", row.Name, err)
		}
		out = append(out, SandboxStatus{Sandbox: row, Metrics: m})
	}
	return out, nil
}

// Wait blocks until every sandbox supervised by this process has stopped
// or failed, or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	for {
		o.mu.Lock()
		var (
			id   int64
			next *managed
		)
		for k, m := range o.managed {
			id, next = k, m
			break
		}
		o.mu.Unlock()

		if next == nil {
			return nil
		}

		select {
		case <-next.sup.Done():
			o.forget(id, next)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Supervised returns how many sandboxes this process currently supervises.
func (o *Orchestrator) Supervised() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.managed)
}

func (o *Orchestrator) supervised(id int64) *managed {
	o.mu.Lock()
	defer o.mu.Unlock()

	m := o.managed[id]
	if m == nil {
		return nil
	}
	select {
	case <-m.sup.Done():
		return nil
	default:
		return m
	}
}

// forget drops a finished supervisor and releases its links.
func (o *Orchestrator) forget(id int64, m *managed) {
	o.mu.Lock()
	if o.managed[id] != m {
		o.mu.Unlock()
		return
	}
	delete(o.managed, id)
	o.mu.Unlock()

	if err := o.deps.Network.Detach(context.Background(), m.attachment); err != nil {
		o.logger.Warn("failed to detach sandbox", "sandbox", m.sup.Name(), "error", err)
	}
}

// supervise creates and registers the supervisor of one sandbox.
func (o *Orchestrator) supervise(row *models.Sandbox, snap *Snapshot, att *network.Attachment) (*managed, error) {
	spec, err := o.spec(row, snap, att)
	if err != nil {
		return nil, err
	}

	m := &managed{attachment: att}
	opts := o.opts.Supervisor
	onExit := opts.OnExit
	opts.OnExit = func(name string, status models.SandboxStatus, err error) {
		o.forget(row.ID, m)
		if onExit != nil {
			onExit(name, status, err)
		}
	}

	m.sup = supervisor.New(spec, row.Status, supervisor.Deps{
		Conn:     o.deps.Conn,
		Launcher: o.deps.Launcher,
		Mounter:  o.deps.Mounter,
		Sampler:  o.deps.Sampler,
		Metrics:  o.deps.Metrics,
	}, opts)

	o.mu.Lock()
	o.managed[row.ID] = m
	o.mu.Unlock()
	return m, nil
}

func (o *Orchestrator) spec(row *models.Sandbox, snap *Snapshot, att *network.Attachment) (supervisor.Spec, error) {
	ports, err := snap.PortMappings()
	if err != nil {
		return supervisor.Spec{}, err
	}

	launch := vm.LaunchConfig{
		Exec:    snap.Exec,
		Args:    snap.Args,
		Env:     snap.Env,
		Workdir: snap.Workdir,
		CPUs:    snap.CPUs,
		RAM:     snap.RAM,
		Volumes: snap.Volumes,
		Ports:   ports,
	}
	if o.opts.NetworkEnabled {
		launch.Network = vm.NetworkFrom(att)
	}

	return supervisor.Spec{
		SandboxID: row.ID,
		Group:     row.GroupName,
		Name:      row.Name,
		HeadCID:   snap.HeadCID,
		Launch:    launch,
		Restart:   snap.Restart,
	}, nil
}

// attach puts a sandbox on its group network with the address stored on
// its row.
func (o *Orchestrator) attach(ctx context.Context, row *models.Sandbox, snap *Snapshot) (*network.Attachment, error) {
	if row.GroupIP == "" {
		return nil, nil
	}
	ip, err := netip.ParseAddr(row.GroupIP)
	if err != nil {
		return nil, fmt.Errorf("address of %s: %w", row.Name, err)
	}
	g, err := o.deps.Network.GetGroup(ctx, row.GroupName)
	if err != nil {
		return nil, err
	}
	ports, err := snap.PortMappings()
	if err != nil {
		return nil, err
	}
	return o.deps.Network.Attach(ctx, g, row.Name, ip, ports)
}

func (o *Orchestrator) lockSandbox(ctx context.Context, row *models.Sandbox) (lock.Lock, error) {
	return o.locker.AcquireLock(ctx, "sandbox/"+row.GroupName+"/"+row.Name)
}

// setState persists a state change made outside a supervisor.
func (o *Orchestrator) setState(ctx context.Context, row *models.Sandbox, status models.SandboxStatus, mutate func(*models.SandboxState)) error {
	if err := supervisor.CheckTransition(row.Status, status); err != nil {
		return err
	}
	st := models.SandboxState{
		Status:        status,
		SupervisorPID: row.SupervisorPID,
		MicroVMPID:    row.MicroVMPID,
		LastExitCode:  row.LastExitCode,
		Error:         row.Error,
	}
	if mutate != nil {
		mutate(&st)
	}

	err := db.WithTx(ctx, o.deps.Conn, func(tx *sql.Tx) error {
		return models.UpdateSandboxState(ctx, tx, row.ID, st)
	})
	if err != nil {
		return fmt.Errorf("persist %s of %s: %w", status, row.Name, err)
	}
	row.Status = status
	row.SupervisorPID, row.MicroVMPID = st.SupervisorPID, st.MicroVMPID
	row.LastExitCode, row.Error = st.LastExitCode, st.Error
	o.deps.Metrics.Transitions.WithLabelValues(string(status)).Inc()
	return nil
}

// markFailed records a failure of a sandbox that has no running guest.
func (o *Orchestrator) markFailed(ctx context.Context, row *models.Sandbox, cause error) {
	if row.Status == models.StatusRunning || row.Status == models.StatusStarting {
		if err := o.setState(ctx, row, models.StatusCrashed, nil); err != nil {
			o.logger.WarnContext(ctx, "failed to persist crash", "sandbox", row.Name, "error", err)
			return
		}
	}
	err := o.setState(ctx, row, models.StatusFailed, func(st *models.SandboxState) {
		st.SupervisorPID = nil
		st.MicroVMPID = nil
		st.Error = cause.Error()
	})
	if err != nil {
		o.logger.WarnContext(ctx, "failed to persist failure", "sandbox", row.Name, "error", err)
	}
}

// ownedElsewhere reports a row whose recorded supervisor is another live
// process.
func (o *Orchestrator) ownedElsewhere(ctx context.Context, row *models.Sandbox) bool {
	pid := row.SupervisorPID
	return pid != nil && *pid != os.Getpid() && o.deps.ProcessAlive(ctx, *pid)
}

// guestAlive reports whether the recorded guest of a row still runs.
func (o *Orchestrator) guestAlive(ctx context.Context, row *models.Sandbox) bool {
	return row.MicroVMPID != nil && o.deps.Launcher.Alive(ctx, *row.MicroVMPID)
}

func (o *Orchestrator) reload(ctx context.Context, row *models.Sandbox) (*models.Sandbox, error) {
	return models.GetSandboxByID(ctx, o.deps.Conn, row.ID)
}

// waitFor polls the persisted status of a sandbox until cond holds.
func (o *Orchestrator) waitFor(ctx context.Context, row *models.Sandbox, timeout time.Duration, cond func(*models.Sandbox) bool) (*models.Sandbox, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		cur, err := o.reload(ctx, row)
		if err == nil && cond(cur) {
			return cur, true
		}
		select {
		case <-tick.C:
		case <-deadline.C:
			return row, false
		case <-ctx.Done():
			return row, false
		}
	}
}
