package vm

import (
	"context"
	"log/slog"
	"net/netip"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/maxdollinger/sandboxd/pkg/network"
)

func TestRunnerArgs(t *testing.T) {
	cfg := LaunchConfig{
		Rootfs:  "/rootfs",
		Exec:    "/bin/sh",
		Args:    []string{"-c", "echo hi"},
		Env:     []string{"A=1"},
		Workdir: "/srv",
		CPUs:    2,
		RAM:     256,
		Volumes: []string{"/data:/data:ro"},
		Ports:   []network.PortMapping{{HostPort: 8080, GuestPort: 80, Protocol: "tcp"}},
		Network: &NetworkConfig{
			IP:      netip.MustParseAddr("10.0.0.2"),
			Gateway: netip.MustParseAddr("10.0.0.1"),
			Netmask: "255.255.255.0",
			TAP:     "sbxtap-1234",
			MAC:     "02:53:42:00:00:01",
		},
	}

	want := []string{
		"--rootfs", "/rootfs", "--exec", "/bin/sh", "--workdir", "/srv", "--cpus", "2", "--ram", "256",
		"--arg", "-c", "--arg", "echo hi",
		"--env", "A=1",
		"--volume", "/data:/data:ro",
		"--port", cfg.Ports[0].String(),
		"--ip", "10.0.0.2", "--gateway", "10.0.0.1", "--netmask", "255.255.255.0",
		"--tap", "sbxtap-1234", "--mac", "02:53:42:00:00:01",
	}

	got := RunnerArgs(cfg)
	if len(got) != len(want) {
		t.Fatalf("got %d args, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("arg %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

// writeRunner creates a shell script standing in for the runner binary.
func writeRunner(t *testing.T, body string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "runner")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func launchConfig(t *testing.T) LaunchConfig {
	dir := t.TempDir()
	return LaunchConfig{
		Name:       "test",
		Rootfs:     dir,
		Exec:       "/bin/true",
		CPUs:       1,
		RAM:        64,
		StdoutPath: filepath.Join(dir, "logs", "test.stdout.log"),
		StderrPath: filepath.Join(dir, "logs", "test.stderr.log"),
	}
}

func TestRunnerLaunchExitCode(t *testing.T) {
	runner := writeRunner(t, `echo "out $2"; echo err >&2; exit 3`)
	cfg := launchConfig(t)

	g, err := NewRunnerLauncher(runner).Launch(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	select {
	case <-g.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("guest did not exit")
	}

	if exit := g.Exit(); exit.Code != 3 || exit.Signaled {
		t.Fatalf("unexpected exit %+v", exit)
	}

	out, err := os.ReadFile(cfg.StdoutPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "out "+cfg.Rootfs+"\n" {
		t.Errorf("stdout = %q", out)
	}
	errOut, _ := os.ReadFile(cfg.StderrPath)
	if string(errOut) != "err\n" {
		t.Errorf("stderr = %q", errOut)
	}
}

func TestRunnerSignal(t *testing.T) {
	runner := writeRunner(t, `exec sleep 30`)
	l := NewRunnerLauncher(runner)

	g, err := l.Launch(context.Background(), launchConfig(t))
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if !l.Alive(context.Background(), g.PID()) {
		t.Fatal("guest should be alive")
	}

	if err := g.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	<-g.Done()

	exit := g.Exit()
	if !exit.Signaled || exit.Code != 128+int(syscall.SIGTERM) {
		t.Fatalf("unexpected exit %+v", exit)
	}
	if err := g.Signal(syscall.SIGKILL); err != ErrProcessExited {
		t.Errorf("expected ErrProcessExited, got %v", err)
	}
}

func TestRunnerAttach(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Skip("sleep not available")
	}
	go cmd.Wait()

	l := &runner{pollInterval: 20 * time.Millisecond, logger: slog.Default()}
	g, err := l.Attach(context.Background(), cmd.Process.Pid)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if err := g.Signal(syscall.SIGKILL); err != nil {
		t.Fatalf("Signal: %v", err)
	}

	select {
	case <-g.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("attached guest exit not observed")
	}
	if g.Exit().Code != ExitUnknown {
		t.Errorf("attached exit code should be unknown, got %d", g.Exit().Code)
	}
}

func TestRunnerRejectsMissingRootfs(t *testing.T) {
	cfg := launchConfig(t)
	cfg.Rootfs = filepath.Join(cfg.Rootfs, "missing")

	_, err := NewRunnerLauncher("/bin/true").Launch(context.Background(), cfg)
	if err == nil {
		t.Fatal("expected error for missing rootfs")
	}
}

func TestAliveRejectsInvalidPID(t *testing.T) {
	if Alive(context.Background(), 0) || Alive(context.Background(), -1) {
		t.Fatal("non-positive pids are never alive")
	}
	if !Alive(context.Background(), os.Getpid()) {
		t.Fatal("own pid should be alive")
	}
}

func TestFakeLauncher(t *testing.T) {
	l := NewFakeLauncher()
	ctx := context.Background()

	g, err := l.Launch(ctx, LaunchConfig{Name: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if !l.Alive(ctx, g.PID()) {
		t.Fatal("fake guest should be alive")
	}

	fg, ok := l.Guest("a")
	if !ok || fg.PID() != g.PID() {
		t.Fatal("Guest should return the launched guest")
	}
	fg.Crash(2)
	<-g.Done()
	if g.Exit().Code != 2 || l.Alive(ctx, g.PID()) {
		t.Fatalf("unexpected exit %+v", g.Exit())
	}

	adopted := l.Adopt(4242)
	attached, err := l.Attach(ctx, 4242)
	if err != nil || attached.PID() != adopted.PID() {
		t.Fatalf("Attach: %v", err)
	}
	if _, err := l.Attach(ctx, 1); err == nil {
		t.Fatal("attach to unknown pid should fail")
	}
}
