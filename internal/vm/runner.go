package vm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/process"
)

// DefaultPollInterval is how often attached guests are checked for liveness.
const DefaultPollInterval = 500 * time.Millisecond

type runner struct {
	binaryPath   string
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewRunnerLauncher execs binaryPath once per guest. Guests run in their own
// session so they outlive the launching process.
func NewRunnerLauncher(binaryPath string) Launcher {
	return &runner{
		binaryPath:   binaryPath,
		pollInterval: DefaultPollInterval,
		logger:       slog.Default(),
	}
}

func (r *runner) Launch(ctx context.Context, cfg LaunchConfig) (Guest, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid launch config: %w", err)
	}

	stdout, err := openLog(cfg.StdoutPath)
	if err != nil {
		return nil, err
	}
	defer stdout.Close()

	stderr, err := openLog(cfg.StderrPath)
	if err != nil {
		return nil, err
	}
	defer stderr.Close()

	// not CommandContext, the guest must survive the caller's context
	cmd := exec.Command(r.binaryPath, RunnerArgs(cfg)...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start runner process: %w", err)
	}

	r.logger.InfoContext(ctx, "guest started",
		"sandbox", cfg.Name,
		"pid", cmd.Process.Pid,
		"cpus", cfg.CPUs,
		"ram_mib", cfg.RAM)

	g := &childGuest{cmd: cmd, done: make(chan struct{})}
	go g.wait()
	return g, nil
}

func (r *runner) Attach(ctx context.Context, pid int) (Guest, error) {
	if !r.Alive(ctx, pid) {
		return nil, fmt.Errorf("attach to %d: %w", pid, ErrProcessExited)
	}

	g := &attachedGuest{pid: pid, done: make(chan struct{})}
	go g.poll(r.pollInterval)

	r.logger.InfoContext(ctx, "attached to guest", "pid", pid)
	return g, nil
}

func (r *runner) Alive(ctx context.Context, pid int) bool {
	return Alive(ctx, pid)
}

// Alive reports whether pid refers to an existing process.
func Alive(ctx context.Context, pid int) bool {
	if pid <= 0 {
		return false
	}
	exists, err := process.PidExistsWithContext(ctx, int32(pid))
	return err == nil && exists
}

// RunnerArgs renders cfg as runner command line flags.
func RunnerArgs(cfg LaunchConfig) []string {
	args := []string{
		"--rootfs", cfg.Rootfs,
		"--exec", cfg.Exec,
		"--workdir", cfg.Workdir,
		"--cpus", strconv.Itoa(cfg.CPUs),
		"--ram", strconv.Itoa(cfg.RAM),
	}
	for _, a := range cfg.Args {
		args = append(args, "--arg", a)
	}
	for _, e := range cfg.Env {
		args = append(args, "--env", e)
	}
	for _, v := range cfg.Volumes {
		args = append(args, "--volume", v)
	}
	for _, p := range cfg.Ports {
		args = append(args, "--port", p.String())
	}
	if n := cfg.Network; n != nil {
		args = append(args,
			"--ip", n.IP.String(),
			"--gateway", n.Gateway.String(),
			"--netmask", n.Netmask,
			"--tap", n.TAP,
			"--mac", n.MAC,
		)
	}
	return args
}

func validateConfig(cfg LaunchConfig) error {
	if _, err := os.Stat(cfg.Rootfs); err != nil {
		return fmt.Errorf("%w at %s: %w", ErrNoRootfs, cfg.Rootfs, err)
	}
	if cfg.Exec == "" {
		return ErrNoExecutable
	}
	if cfg.CPUs <= 0 || cfg.RAM <= 0 {
		return fmt.Errorf("cpus and ram must be positive, got %d and %d", cfg.CPUs, cfg.RAM)
	}
	return nil
}

func openLog(path string) (*os.File, error) {
	if path == "" {
		return os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return f, nil
}

// childGuest is a guest this process started and can wait for.
type childGuest struct {
	cmd  *exec.Cmd
	done chan struct{}
	exit Exit
}

func (g *childGuest) wait() {
	err := g.cmd.Wait()
	exit := Exit{Code: 0, At: time.Now()}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exit.Code = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			exit.Signaled = true
			exit.Code = 128 + int(ws.Signal())
		}
	} else if err != nil {
		exit.Code = ExitUnknown
	}

	g.exit = exit
	close(g.done)
}

func (g *childGuest) PID() int              { return g.cmd.Process.Pid }
func (g *childGuest) Done() <-chan struct{} { return g.done }
func (g *childGuest) Exit() Exit            { <-g.done; return g.exit }

func (g *childGuest) Signal(sig syscall.Signal) error {
	select {
	case <-g.done:
		return ErrProcessExited
	default:
	}
	if err := g.cmd.Process.Signal(sig); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return ErrProcessExited
		}
		return err
	}
	return nil
}

// attachedGuest is a guest started by someone else. Its exit status is not
// observable, only that it is gone.
type attachedGuest struct {
	pid  int
	done chan struct{}
	once sync.Once
	exit Exit
}

func (g *attachedGuest) poll(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for range ticker.C {
		if !Alive(context.Background(), g.pid) {
			g.finish()
			return
		}
	}
}

func (g *attachedGuest) finish() {
	g.once.Do(func() {
		g.exit = Exit{Code: ExitUnknown, At: time.Now()}
		close(g.done)
	})
}

func (g *attachedGuest) PID() int              { return g.pid }
func (g *attachedGuest) Done() <-chan struct{} { return g.done }
func (g *attachedGuest) Exit() Exit            { <-g.done; return g.exit }

func (g *attachedGuest) Signal(sig syscall.Signal) error {
	if err := syscall.Kill(g.pid, sig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return ErrProcessExited
		}
		return err
	}
	return nil
}
