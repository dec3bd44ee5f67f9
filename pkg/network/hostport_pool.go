package network

import (
	"fmt"
	"sync"
)

// HostPortTable tracks which sandbox owns which host port. Reservations are
// all-or-nothing. Thread-safe for concurrent sandbox starts.
type HostPortTable struct {
	mu     sync.Mutex
	owners map[string]string // "proto/port" -> sandbox key
}

func NewHostPortTable() *HostPortTable {
	return &HostPortTable{owners: make(map[string]string)}
}

func portKey(m PortMapping) string {
	return fmt.Sprintf("%s/%d", m.Protocol, m.HostPort)
}

// Reserve claims the host ports of mappings for owner. Ports already held by
// owner are fine, ports held by someone else fail the whole reservation.
func (t *HostPortTable) Reserve(owner string, mappings []PortMapping) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, m := range mappings {
		if m.HostPort < 1 || m.HostPort > 65535 || m.GuestPort < 1 || m.GuestPort > 65535 {
			return fmt.Errorf("%w: %s", ErrInvalidPort, m)
		}
		if current, ok := t.owners[portKey(m)]; ok && current != owner {
			return fmt.Errorf("%w: %d/%s held by %s", ErrHostPortInUse, m.HostPort, m.Protocol, current)
		}
	}

	for _, m := range mappings {
		t.owners[portKey(m)] = owner
	}
	return nil
}

// Release frees every port held by owner.
func (t *HostPortTable) Release(owner string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for k, o := range t.owners {
		if o == owner {
			delete(t.owners, k)
		}
	}
}

// Owner returns who holds the host port, if anyone.
func (t *HostPortTable) Owner(protocol string, port int) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	o, ok := t.owners[portKey(PortMapping{Protocol: protocol, HostPort: port})]
	return o, ok
}
