package vm

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"
)

// FakeLaunch records one call to FakeLauncher.Launch.
type FakeLaunch struct {
	Seq    int
	Config LaunchConfig
	PID    int
	At     time.Time
}

// FakeLauncher runs no processes. Guests live until they are signalled or
// crashed through FakeGuest.Crash.
type FakeLauncher struct {
	// Fail, when set, is consulted before every launch.
	Fail func(cfg LaunchConfig) error
	// IgnoreTerm makes guests survive SIGTERM so only SIGKILL stops them.
	IgnoreTerm bool

	mu       sync.Mutex
	nextPID  int
	guests   map[int]*FakeGuest
	launches []FakeLaunch
}

func NewFakeLauncher() *FakeLauncher {
	return &FakeLauncher{
		nextPID: 100000,
		guests:  make(map[int]*FakeGuest),
	}
}

func (l *FakeLauncher) Launch(ctx context.Context, cfg LaunchConfig) (Guest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.Fail != nil {
		if err := l.Fail(cfg); err != nil {
			return nil, err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextPID++
	g := l.newGuest(l.nextPID)
	l.launches = append(l.launches, FakeLaunch{
		Seq:    len(l.launches),
		Config: cfg,
		PID:    g.pid,
		At:     time.Now(),
	})
	return g, nil
}

func (l *FakeLauncher) Attach(ctx context.Context, pid int) (Guest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	g, ok := l.guests[pid]
	if !ok || g.exited() {
		return nil, fmt.Errorf("attach to %d: %w", pid, ErrProcessExited)
	}
	return g, nil
}

func (l *FakeLauncher) Alive(ctx context.Context, pid int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	g, ok := l.guests[pid]
	return ok && !g.exited()
}

// Adopt registers a live guest with a given pid, as if it had been started
// by an earlier process.
func (l *FakeLauncher) Adopt(pid int) *FakeGuest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.newGuest(pid)
}

func (l *FakeLauncher) newGuest(pid int) *FakeGuest {
	g := &FakeGuest{pid: pid, done: make(chan struct{}), ignoreTerm: l.IgnoreTerm}
	l.guests[pid] = g
	return g
}

// Launches returns every launch in call order.
func (l *FakeLauncher) Launches() []FakeLaunch {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]FakeLaunch(nil), l.launches...)
}

// LaunchesOf returns the launches of one sandbox.
func (l *FakeLauncher) LaunchesOf(name string) []FakeLaunch {
	var out []FakeLaunch
	for _, launch := range l.Launches() {
		if launch.Config.Name == name {
			out = append(out, launch)
		}
	}
	return out
}

// Guest returns the most recently launched guest of a sandbox.
func (l *FakeLauncher) Guest(name string) (*FakeGuest, bool) {
	launches := l.LaunchesOf(name)
	if len(launches) == 0 {
		return nil, false
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.guests[launches[len(launches)-1].PID]
	return g, ok
}

type FakeGuest struct {
	pid        int
	ignoreTerm bool

	once sync.Once
	done chan struct{}
	exit Exit
}

func (g *FakeGuest) PID() int              { return g.pid }
func (g *FakeGuest) Done() <-chan struct{} { return g.done }
func (g *FakeGuest) Exit() Exit            { <-g.done; return g.exit }

func (g *FakeGuest) Signal(sig syscall.Signal) error {
	if g.exited() {
		return ErrProcessExited
	}
	switch sig {
	case 0:
	case syscall.SIGTERM:
		if !g.ignoreTerm {
			g.finish(Exit{Code: 128 + int(sig), Signaled: true})
		}
	default:
		g.finish(Exit{Code: 128 + int(sig), Signaled: true})
	}
	return nil
}

// Crash ends the guest with code as if it exited on its own.
func (g *FakeGuest) Crash(code int) {
	g.finish(Exit{Code: code})
}

func (g *FakeGuest) finish(exit Exit) {
	g.once.Do(func() {
		exit.At = time.Now()
		g.exit = exit
		close(g.done)
	})
}

func (g *FakeGuest) exited() bool {
	select {
	case <-g.done:
		return true
	default:
		return false
	}
}
