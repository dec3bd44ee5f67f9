package vm

import (
	"errors"
	"net/netip"
	"time"

	"github.com/maxdollinger/sandboxd/pkg/network"
)

var (
	ErrNoRootfs      = errors.New("rootfs not found")
	ErrNoExecutable  = errors.New("no executable to run")
	ErrProcessExited = errors.New("process already exited")
)

// ExitUnknown is reported for guests whose exit status cannot be observed,
// e.g. after re-attaching to a process started by another supervisor.
const ExitUnknown = -1

// LaunchConfig is everything the runner needs to boot one guest.
type LaunchConfig struct {
	Name    string
	Rootfs  string
	Exec    string
	Args    []string
	Env     []string // KEY=VALUE
	Workdir string
	CPUs    int
	RAM     int // MiB
	Volumes []string
	Ports   []network.PortMapping
	Network *NetworkConfig // nil runs the guest without networking

	StdoutPath string
	StderrPath string
}

// NetworkConfig places the guest on its group bridge.
type NetworkConfig struct {
	IP      netip.Addr
	Gateway netip.Addr
	Netmask string
	TAP     string
	MAC     string
}

// NetworkFrom converts a group attachment.
func NetworkFrom(a *network.Attachment) *NetworkConfig {
	if a == nil {
		return nil
	}
	return &NetworkConfig{
		IP:      a.IPAddress,
		Gateway: a.Gateway,
		Netmask: a.Netmask,
		TAP:     a.TAPDevice,
		MAC:     a.MACAddress,
	}
}

// Exit is the final state of a guest.
type Exit struct {
	Code     int
	Signaled bool
	At       time.Time
}

// Success reports a clean zero exit.
func (e Exit) Success() bool {
	return e.Code == 0 && !e.Signaled
}
