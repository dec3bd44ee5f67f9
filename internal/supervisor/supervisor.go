// Package supervisor owns the guest process of one sandbox: it launches it,
// samples its resource usage, rotates its logs, applies the restart policy
// and persists every state change.
package supervisor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/maxdollinger/sandboxd/internal/config"
	"github.com/maxdollinger/sandboxd/internal/db"
	"github.com/maxdollinger/sandboxd/internal/db/models"
	"github.com/maxdollinger/sandboxd/internal/statefs"
	"github.com/maxdollinger/sandboxd/internal/telemetry"
	"github.com/maxdollinger/sandboxd/internal/vm"
	"github.com/maxdollinger/sandboxd/pkg/fs"
	"github.com/maxdollinger/sandboxd/pkg/logrotate"
	"github.com/opencontainers/go-digest"
)

// killTimeout bounds the wait for a guest after SIGKILL.
const killTimeout = 10 * time.Second

type Mounter interface {
	Mount(ctx context.Context, req statefs.MountRequest) (*statefs.Rootfs, error)
	Unmount(ctx context.Context, sandboxID int64) error
}

// Spec is the desired state of one sandbox.
type Spec struct {
	SandboxID int64
	Group     string
	Name      string
	HeadCID   digest.Digest
	Launch    vm.LaunchConfig // Name, Rootfs and log paths are filled in on launch
	Restart   config.RestartPolicy
}

type Options struct {
	LogsDir              string
	LogPolicy            logrotate.Policy
	MetricsInterval      time.Duration
	MetricsRetention     time.Duration
	StopGracePeriod      time.Duration
	HousekeepingInterval time.Duration

	// OnExit is called once the supervisor gives up on the sandbox, with
	// status Stopped or Failed.
	OnExit func(name string, status models.SandboxStatus, err error)
}

func DefaultOptions(logsDir string) Options {
	return Options{
		LogsDir:              logsDir,
		LogPolicy:            logrotate.Policy{MaxAge: 7 * 24 * time.Hour, MaxSize: logrotate.DefaultMaxSize},
		MetricsInterval:      2 * time.Second,
		MetricsRetention:     24 * time.Hour,
		StopGracePeriod:      10 * time.Second,
		HousekeepingInterval: time.Minute,
	}
}

type Deps struct {
	Conn     *sql.DB
	Launcher vm.Launcher
	Mounter  Mounter
	Sampler  Sampler
	Metrics  *telemetry.Metrics
}

// Supervisor runs one sandbox. It is started once, with Start or Attach, and
// is finished for good when Done is closed.
type Supervisor struct {
	spec   Spec
	opts   Options
	deps   Deps
	logger *slog.Logger

	mu      sync.Mutex
	state   models.SandboxState
	guest   vm.Guest
	started bool
	last    Sample
	err     error

	stopOnce sync.Once
	stopCh   chan struct{}
	doneOnce sync.Once
	done     chan struct{}
}

// New creates a supervisor for a sandbox whose persisted status is current.
func New(spec Spec, current models.SandboxStatus, deps Deps, opts Options) *Supervisor {
	if opts.MetricsInterval <= 0 {
		opts.MetricsInterval = 2 * time.Second
	}
	if opts.HousekeepingInterval <= 0 {
		opts.HousekeepingInterval = time.Minute
	}
	if deps.Sampler == nil {
		deps.Sampler = NewProcessSampler()
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.New()
	}
	return &Supervisor{
		spec:   spec,
		opts:   opts,
		deps:   deps,
		logger: slog.Default().With("sandbox", spec.Name, "group", spec.Group),
		state:  models.SandboxState{Status: current},
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (s *Supervisor) Name() string  { return s.spec.Name }
func (s *Supervisor) Group() string { return s.spec.Group }

func (s *Supervisor) Status() models.SandboxStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Status
}

// Done is closed when the sandbox reached Stopped or Failed.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Err is the failure that ended the supervisor, nil after a clean stop.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// StdoutPath and StderrPath name the log files of a sandbox.
func StdoutPath(logsDir, name string) string { return filepath.Join(logsDir, name+".stdout.log") }
func StderrPath(logsDir, name string) string { return filepath.Join(logsDir, name+".stderr.log") }

// Start launches the guest and returns once it is Running. A launch
// failure leaves the sandbox Failed. Stop during Start aborts the launch.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.claim(); err != nil {
		return err
	}

	bg := context.WithoutCancel(ctx)
	startCtx, cancel := s.stopContext(ctx)
	defer cancel()

	guest, err := s.launch(startCtx, bg)
	if err != nil {
		if s.stopRequested() {
			s.abort(bg)
			s.finish(ErrStartAborted)
			return ErrStartAborted
		}
		s.fail(bg, err)
		s.finish(err)
		return err
	}

	go s.run(bg, guest)
	return nil
}

// Attach resumes supervision of a guest that is already running, without
// relaunching it. A sandbox that was Stopping is stopped.
func (s *Supervisor) Attach(ctx context.Context, pid int) error {
	guest, err := s.deps.Launcher.Attach(ctx, pid)
	if err != nil {
		return err
	}
	if err := s.claim(); err != nil {
		return err
	}

	s.mu.Lock()
	stopping := s.state.Status == models.StatusStopping

	next := s.state
	if !stopping {
		next.Status = models.StatusRunning
	}
	next.SupervisorPID = ptr(os.Getpid())
	next.MicroVMPID = ptr(pid)
	s.mu.Unlock()

	bg := context.WithoutCancel(ctx)
	if err := s.persist(bg, next); err != nil {
		s.finish(err)
		return err
	}

	s.mu.Lock()
	s.guest = guest
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "re-attached to guest", "pid", pid, "stopping", stopping)
	if stopping {
		s.requestStop()
	}

	go s.run(bg, guest)
	return nil
}

// Recover handles a sandbox whose guest was found dead during
// reconciliation. The sandbox is marked Crashed and the restart policy
// decides, in the background, whether it is relaunched. A sandbox that is
// already Crashed, because its previous supervisor died while waiting to
// restart it, is taken over with its recorded exit code.
func (s *Supervisor) Recover(ctx context.Context) error {
	if err := s.claim(); err != nil {
		return err
	}

	bg := context.WithoutCancel(ctx)
	exit := vm.Exit{Code: vm.ExitUnknown, At: time.Now()}
	if s.Status() == models.StatusCrashed {
		code, err := s.adoptCrash(bg)
		if err != nil {
			s.finish(err)
			return err
		}
		exit.Code = code
	}

	go func() {
		guest, err := s.handleExit(bg, exit)
		if guest == nil {
			s.finish(err)
			return
		}
		s.run(bg, guest)
	}()
	return nil
}

// adoptCrash records this process as the supervisor of a Crashed row and
// returns the exit code of its last guest.
func (s *Supervisor) adoptCrash(ctx context.Context) (int, error) {
	row, err := models.GetSandboxByID(ctx, s.deps.Conn, s.spec.SandboxID)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	next := s.state
	s.mu.Unlock()
	next.SupervisorPID = ptr(os.Getpid())
	next.MicroVMPID = nil
	next.LastExitCode = row.LastExitCode
	next.Error = row.Error
	if err := s.persist(ctx, next); err != nil {
		return 0, err
	}

	if row.LastExitCode == nil {
		return vm.ExitUnknown, nil
	}
	return *row.LastExitCode, nil
}

// claim marks the supervisor started. Each supervisor runs once.
func (s *Supervisor) claim() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopRequested() {
		return ErrAlreadyStopped
	}
	if s.started {
		return fmt.Errorf("sandbox %s already started", s.spec.Name)
	}
	s.started = true
	return nil
}

// Stop requests a graceful stop and waits for it to finish.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.requestStop()
	s.mu.Unlock()

	if !started {
		s.finish(nil)
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) requestStop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Supervisor) stopRequested() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// stopContext is cancelled with parent or when a stop is requested.
func (s *Supervisor) stopContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (s *Supervisor) launch(ctx, bg context.Context) (vm.Guest, error) {
	err := s.transition(bg, models.StatusStarting, func(st *models.SandboxState) {
		st.SupervisorPID = ptr(os.Getpid())
		st.MicroVMPID = nil
		st.Error = ""
	})
	if err != nil {
		return nil, err
	}

	rootfs, err := s.deps.Mounter.Mount(ctx, statefs.MountRequest{
		SandboxID: s.spec.SandboxID,
		Group:     s.spec.Group,
		Name:      s.spec.Name,
		HeadCID:   s.spec.HeadCID,
		Launch:    launchSpec(s.spec.Launch),
	})
	if err != nil {
		return nil, fmt.Errorf("mount rootfs: %w", err)
	}

	cfg := s.spec.Launch
	cfg.Name = s.spec.Name
	cfg.Rootfs = rootfs.Path
	cfg.StdoutPath = StdoutPath(s.opts.LogsDir, s.spec.Name)
	cfg.StderrPath = StderrPath(s.opts.LogsDir, s.spec.Name)

	guest, err := s.deps.Launcher.Launch(ctx, cfg)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("launch guest: %w", err), s.deps.Mounter.Unmount(bg, s.spec.SandboxID))
	}

	pid := guest.PID()
	if err := s.transition(bg, models.StatusRunning, func(st *models.SandboxState) { st.MicroVMPID = &pid }); err != nil {
		_ = guest.Signal(syscall.SIGKILL)
		return nil, err
	}

	s.mu.Lock()
	s.guest = guest
	s.last = Sample{}
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "sandbox running", "pid", pid, "rootfs", rootfs.Path)
	return guest, nil
}

func (s *Supervisor) run(ctx context.Context, guest vm.Guest) {
	s.deps.Metrics.SandboxesActive.Inc()
	defer s.deps.Metrics.SandboxesActive.Dec()

	for {
		exit, stopped := s.watch(ctx, guest)
		if stopped {
			s.finish(nil)
			return
		}

		next, err := s.handleExit(ctx, exit)
		if next == nil {
			s.finish(err)
			return
		}
		guest = next
	}
}

// watch returns when the guest is gone, reporting whether that was a stop.
func (s *Supervisor) watch(ctx context.Context, guest vm.Guest) (vm.Exit, bool) {
	metrics := time.NewTicker(s.opts.MetricsInterval)
	defer metrics.Stop()
	housekeeping := time.NewTicker(s.opts.HousekeepingInterval)
	defer housekeeping.Stop()

	for {
		select {
		case <-guest.Done():
			if s.stopRequested() || s.stoppedElsewhere(ctx) {
				s.completeStop(ctx, guest)
				return guest.Exit(), true
			}
			return guest.Exit(), false

		case <-s.stopCh:
			s.stop(ctx, guest)
			return guest.Exit(), true

		case <-metrics.C:
			s.sample(ctx, guest.PID())
			if s.stoppedElsewhere(ctx) {
				s.requestStop()
			}

		case <-housekeeping.C:
			s.housekeeping(ctx)
		}
	}
}

// stoppedElsewhere reports a down issued by another process through the
// persisted status.
func (s *Supervisor) stoppedElsewhere(ctx context.Context) bool {
	row, err := models.GetSandboxByID(ctx, s.deps.Conn, s.spec.SandboxID)
	if err != nil {
		return errors.Is(err, models.ErrNotFound)
	}
	return row.Status == models.StatusStopping || row.Status == models.StatusStopped
}

func (s *Supervisor) stop(ctx context.Context, guest vm.Guest) {
	if s.Status() != models.StatusStopping {
		if err := s.transition(ctx, models.StatusStopping, nil); err != nil {
			s.logger.WarnContext(ctx, "failed to persist stopping", "error", err)
		}
	}

	s.logger.InfoContext(ctx, "stopping sandbox", "pid", guest.PID(), "grace", s.opts.StopGracePeriod)
	if err := guest.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, vm.ErrProcessExited) {
		s.logger.WarnContext(ctx, "failed to send SIGTERM", "error", err)
	}

	select {
	case <-guest.Done():
	case <-time.After(s.opts.StopGracePeriod):
		s.logger.WarnContext(ctx, "grace period over, killing guest", "pid", guest.PID())
		if err := guest.Signal(syscall.SIGKILL); err != nil && !errors.Is(err, vm.ErrProcessExited) {
			s.logger.ErrorContext(ctx, "failed to send SIGKILL", "error", err)
		}
		select {
		case <-guest.Done():
		case <-time.After(killTimeout):
			s.logger.ErrorContext(ctx, "guest survived SIGKILL", "pid", guest.PID())
		}
	}

	s.completeStop(ctx, guest)
}

func (s *Supervisor) completeStop(ctx context.Context, guest vm.Guest) {
	if s.Status() != models.StatusStopping {
		if err := s.transition(ctx, models.StatusStopping, nil); err != nil {
			s.logger.WarnContext(ctx, "failed to persist stopping", "error", err)
		}
	}

	var code *int
	select {
	case <-guest.Done():
		if exit := guest.Exit(); exit.Code != vm.ExitUnknown {
			code = ptr(exit.Code)
		}
	default:
	}

	unmountErr := s.deps.Mounter.Unmount(ctx, s.spec.SandboxID)
	err := s.transition(ctx, models.StatusStopped, func(st *models.SandboxState) {
		st.SupervisorPID = nil
		st.MicroVMPID = nil
		st.LastExitCode = code
	})
	if err = errors.Join(unmountErr, err); err != nil {
		s.logger.ErrorContext(ctx, "failed to complete stop", "error", err)
	}

	s.forget(guest.PID())
	s.logger.InfoContext(ctx, "sandbox stopped")
	s.notify(models.StatusStopped, nil)
}

// abort unwinds a start that was interrupted by a stop.
func (s *Supervisor) abort(ctx context.Context) {
	if s.Status() == models.StatusStarting {
		_ = s.transition(ctx, models.StatusStopping, nil)
	}
	unmountErr := s.deps.Mounter.Unmount(ctx, s.spec.SandboxID)
	if s.Status() == models.StatusStopping {
		err := s.transition(ctx, models.StatusStopped, func(st *models.SandboxState) {
			st.SupervisorPID = nil
			st.MicroVMPID = nil
		})
		unmountErr = errors.Join(unmountErr, err)
	}
	if unmountErr != nil {
		s.logger.WarnContext(ctx, "failed to unwind aborted start", "error", unmountErr)
	}
	s.notify(s.Status(), nil)
}

func (s *Supervisor) fail(ctx context.Context, cause error) {
	s.logger.ErrorContext(ctx, "sandbox failed", "error", cause)
	err := s.transition(ctx, models.StatusFailed, func(st *models.SandboxState) {
		st.SupervisorPID = nil
		st.MicroVMPID = nil
		st.Error = cause.Error()
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to persist failure", "error", err)
	}
	s.notify(models.StatusFailed, cause)
}

// handleExit handles a guest that exited on its own. It returns the
// relaunched guest, or nil when the supervisor is done.
func (s *Supervisor) handleExit(ctx context.Context, exit vm.Exit) (vm.Guest, error) {
	s.mu.Lock()
	pid := 0
	if s.guest != nil {
		pid = s.guest.PID()
	}
	s.mu.Unlock()
	s.forget(pid)

	crash := fmt.Errorf("guest exited with code %d", exit.Code)
	s.logger.WarnContext(ctx, "sandbox crashed", "pid", pid, "exit_code", exit.Code, "signaled", exit.Signaled)

	if s.Status() != models.StatusCrashed {
		err := s.transition(ctx, models.StatusCrashed, func(st *models.SandboxState) {
			st.MicroVMPID = nil
			st.LastExitCode = ptr(exit.Code)
			st.Error = crash.Error()
		})
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to persist crash", "error", err)
		}
	}

	row, err := models.GetSandboxByID(ctx, s.deps.Conn, s.spec.SandboxID)
	if err != nil {
		s.fail(ctx, errors.Join(crash, err))
		return nil, crash
	}

	if !ShouldRestart(s.spec.Restart, exit, row.Restarts) {
		s.fail(ctx, crash)
		return nil, crash
	}

	delay := Backoff(s.spec.Restart.BackoffDuration(), row.Restarts)
	if _, err := models.IncrementRestarts(ctx, s.deps.Conn, s.spec.SandboxID); err != nil {
		s.logger.WarnContext(ctx, "failed to count restart", "error", err)
	}
	s.deps.Metrics.Restarts.WithLabelValues(s.spec.Group, s.spec.Name).Inc()
	s.logger.InfoContext(ctx, "restarting sandbox", "attempt", row.Restarts+1, "backoff", delay)

	select {
	case <-time.After(delay):
	case <-s.stopCh:
		s.abortRestart(ctx)
		return nil, nil
	}
	if s.stoppedElsewhere(ctx) {
		s.abortRestart(ctx)
		return nil, nil
	}

	startCtx, cancel := s.stopContext(ctx)
	defer cancel()

	guest, err := s.launch(startCtx, ctx)
	if err != nil {
		if s.stopRequested() {
			s.abort(ctx)
			return nil, nil
		}
		s.fail(ctx, err)
		return nil, err
	}
	return guest, nil
}

// abortRestart handles a down that arrives while waiting to restart.
func (s *Supervisor) abortRestart(ctx context.Context) {
	err := errors.Join(
		s.transition(ctx, models.StatusStopping, nil),
		s.deps.Mounter.Unmount(ctx, s.spec.SandboxID),
		s.transition(ctx, models.StatusStopped, func(st *models.SandboxState) {
			st.SupervisorPID = nil
		}),
	)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to stop crashed sandbox", "error", err)
	}
	s.notify(models.StatusStopped, nil)
}

func (s *Supervisor) sample(ctx context.Context, pid int) {
	smp, err := s.deps.Sampler.Sample(ctx, pid)
	if err != nil {
		s.logger.DebugContext(ctx, "failed to sample guest", "pid", pid, "error", err)
		return
	}

	s.mu.Lock()
	prev := s.last
	s.last = smp
	s.mu.Unlock()

	row := &models.SandboxMetrics{
		SandboxID:      s.spec.SandboxID,
		Timestamp:      time.Now(),
		CPUUsage:       smp.CPU,
		MemoryUsage:    smp.Memory,
		DiskReadBytes:  delta(smp.ReadTotal, prev.ReadTotal),
		DiskWriteBytes: delta(smp.WriteTotal, prev.WriteTotal),
		TotalDiskRead:  smp.ReadTotal,
		TotalDiskWrite: smp.WriteTotal,
	}
	err = db.WithTx(ctx, s.deps.Conn, func(tx *sql.Tx) error {
		return models.InsertMetrics(ctx, tx, row)
	})
	if err != nil {
		s.logger.WarnContext(ctx, "failed to record metrics", "error", err)
	}
	s.deps.Metrics.ObserveSample(s.spec.Group, s.spec.Name, smp.CPU, smp.Memory, smp.ReadTotal, smp.WriteTotal)

	s.rotateLogs(ctx)
}

func (s *Supervisor) rotateLogs(ctx context.Context) {
	now := time.Now()
	for _, path := range []string{StdoutPath(s.opts.LogsDir, s.spec.Name), StderrPath(s.opts.LogsDir, s.spec.Name)} {
		rotated, err := logrotate.RotateIfNeeded(path, s.opts.LogPolicy.MaxSize, now)
		if err != nil {
			s.logger.WarnContext(ctx, "failed to rotate log", "path", path, "error", err)
			continue
		}
		if rotated != "" {
			s.logger.DebugContext(ctx, "rotated log", "path", path, "rotated", rotated)
		}
	}
}

func (s *Supervisor) housekeeping(ctx context.Context) {
	now := time.Now()
	if removed, err := logrotate.Prune(s.opts.LogsDir, s.opts.LogPolicy.MaxAge, now); err != nil {
		s.logger.WarnContext(ctx, "failed to prune logs", "error", err)
	} else if len(removed) > 0 {
		s.logger.InfoContext(ctx, "pruned rotated logs", "count", len(removed))
	}

	if s.opts.MetricsRetention <= 0 {
		return
	}
	n, err := models.PruneMetrics(ctx, s.deps.Conn, s.spec.SandboxID, now.Add(-s.opts.MetricsRetention))
	if err != nil {
		s.logger.WarnContext(ctx, "failed to prune metrics", "error", err)
	} else if n > 0 {
		s.logger.DebugContext(ctx, "pruned metrics", "rows", n)
	}
}

// transition validates and persists a status change. mutate adjusts the
// rest of the persisted state.
func (s *Supervisor) transition(ctx context.Context, to models.SandboxStatus, mutate func(*models.SandboxState)) error {
	s.mu.Lock()
	from := s.state.Status
	if err := CheckTransition(from, to); err != nil {
		s.mu.Unlock()
		return err
	}
	next := s.state
	next.Status = to
	if mutate != nil {
		mutate(&next)
	}
	s.mu.Unlock()

	if err := s.persist(ctx, next); err != nil {
		return err
	}
	s.deps.Metrics.Transitions.WithLabelValues(string(to)).Inc()
	s.logger.DebugContext(ctx, "state transition", "from", from, "to", to)
	return nil
}

func (s *Supervisor) persist(ctx context.Context, next models.SandboxState) error {
	err := db.WithTx(ctx, s.deps.Conn, func(tx *sql.Tx) error {
		return models.UpdateSandboxState(ctx, tx, s.spec.SandboxID, next)
	})
	if err != nil {
		return fmt.Errorf("persist %s: %w", next.Status, err)
	}

	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) forget(pid int) {
	if pid > 0 {
		s.deps.Sampler.Forget(pid)
	}
	s.deps.Metrics.Forget(s.spec.Group, s.spec.Name)
}

func (s *Supervisor) notify(status models.SandboxStatus, err error) {
	if s.opts.OnExit != nil {
		s.opts.OnExit(s.spec.Name, status, err)
	}
}

func (s *Supervisor) finish(err error) {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

func launchSpec(cfg vm.LaunchConfig) fs.LaunchSpec {
	argv := append([]string{cfg.Exec}, cfg.Args...)
	return fs.LaunchSpec{Argv: argv, Env: cfg.Env, Workdir: cfg.Workdir}
}

func delta(now, prev uint64) uint64 {
	if now < prev {
		return now
	}
	return now - prev
}

func ptr(n int) *int { return &n }
