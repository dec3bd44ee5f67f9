package network

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"testing"
)

type recordingFilter struct {
	NoOpFilter
	mu      sync.Mutex
	applied []string
	mapped  []PortMapping
}

func (f *recordingFilter) ApplyGroup(ctx context.Context, g Group) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, fmt.Sprintf("%s=%s", g.Name, g.Reach))
	return nil
}

func (f *recordingFilter) AddPortMappings(ctx context.Context, ip netip.Addr, mappings []PortMapping) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mapped = append(f.mapped, mappings...)
	return nil
}

func newTestManager() (*GroupManager, *recordingFilter) {
	filter := &recordingFilter{}
	m := NewGroupManager(NewMemoryStore(), filter, NewNoOpLinks(), netip.MustParsePrefix(DefaultSubnetPool))
	return m, filter
}

func TestEnsureGroupNonOverlapping(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	var wg sync.WaitGroup
	groups := make([]Group, 20)
	for i := range groups {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g, err := m.EnsureGroup(ctx, fmt.Sprintf("g%d", i), ReachLocal)
			if err != nil {
				t.Errorf("EnsureGroup: %v", err)
			}
			groups[i] = g
		}(i)
	}
	wg.Wait()

	for i := range groups {
		for j := i + 1; j < len(groups); j++ {
			if groups[i].Subnet.Overlaps(groups[j].Subnet) {
				t.Fatalf("%s and %s overlap: %s", groups[i].Name, groups[j].Name, groups[i].Subnet)
			}
		}
	}
}

func TestEnsureGroupIdempotentAndReachUpdate(t *testing.T) {
	m, filter := newTestManager()
	ctx := context.Background()

	first, err := m.EnsureGroup(ctx, "web", ReachLocal)
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.EnsureGroup(ctx, "web", ReachPublic)
	if err != nil {
		t.Fatal(err)
	}

	if first.Subnet != second.Subnet {
		t.Errorf("subnet changed from %s to %s", first.Subnet, second.Subnet)
	}
	if second.Reach != ReachPublic {
		t.Errorf("reach = %s, want public", second.Reach)
	}
	if len(filter.applied) != 2 || filter.applied[1] != "web=public" {
		t.Errorf("filter applications = %v", filter.applied)
	}
}

func TestAllocateIPConcurrentUnique(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	if _, err := m.EnsureGroup(ctx, "workers", ReachLocal); err != nil {
		t.Fatal(err)
	}

	const n = 100
	ips := make([]netip.Addr, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ip, err := m.AllocateIP(ctx, "workers", fmt.Sprintf("w%d", i))
			if err != nil {
				t.Errorf("AllocateIP: %v", err)
				return
			}
			ips[i] = ip
		}(i)
	}
	wg.Wait()

	seen := make(map[netip.Addr]bool)
	for _, ip := range ips {
		if seen[ip] {
			t.Fatalf("address %s handed out twice", ip)
		}
		seen[ip] = true
	}

	again, err := m.AllocateIP(ctx, "workers", "w0")
	if err != nil {
		t.Fatal(err)
	}
	if again != ips[0] {
		t.Errorf("re-allocation changed address from %s to %s", ips[0], again)
	}
}

func TestReleaseIPReusesAddress(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()
	_, _ = m.EnsureGroup(ctx, "g", ReachLocal)

	a, _ := m.AllocateIP(ctx, "g", "a")
	_, _ = m.AllocateIP(ctx, "g", "b")

	if err := m.ReleaseIP(ctx, "g", "a"); err != nil {
		t.Fatal(err)
	}
	c, _ := m.AllocateIP(ctx, "g", "c")
	if c != a {
		t.Errorf("expected freed address %s to be reused, got %s", a, c)
	}

	if err := m.ReleaseIP(ctx, "g", "a"); !errors.Is(err, ErrIPNotAllocated) {
		t.Errorf("double release: %v", err)
	}
}

func TestAttachPorts(t *testing.T) {
	m, filter := newTestManager()
	ctx := context.Background()

	local, _ := m.EnsureGroup(ctx, "private", ReachLocal)
	public, _ := m.EnsureGroup(ctx, "edge", ReachPublic)
	ports := []PortMapping{{HostPort: 8080, GuestPort: 80, Protocol: "tcp"}}

	if _, err := m.Attach(ctx, local, "db", netip.MustParseAddr("10.0.0.2"), ports); !errors.Is(err, ErrPortsNotAllowed) {
		t.Errorf("expected ErrPortsNotAllowed, got %v", err)
	}

	a, err := m.Attach(ctx, public, "web", netip.MustParseAddr("10.0.1.2"), ports)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if a.TAPDevice == "" || a.MACAddress == "" || a.Gateway.String() != "10.0.1.1" {
		t.Errorf("attachment = %+v", a)
	}
	if len(filter.mapped) != 1 {
		t.Errorf("port mappings installed = %v", filter.mapped)
	}

	if _, err := m.Attach(ctx, public, "web2", netip.MustParseAddr("10.0.1.3"), ports); !errors.Is(err, ErrHostPortInUse) {
		t.Errorf("expected ErrHostPortInUse, got %v", err)
	}

	if err := m.Detach(ctx, a); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if _, err := m.Attach(ctx, public, "web2", netip.MustParseAddr("10.0.1.3"), ports); err != nil {
		t.Errorf("port should be free after detach: %v", err)
	}
}

func TestTeardown(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	_, _ = m.EnsureGroup(ctx, "tmp", ReachNone)
	_, _ = m.AllocateIP(ctx, "tmp", "x")

	if err := m.Teardown(ctx, "tmp"); !errors.Is(err, ErrGroupInUse) {
		t.Errorf("expected ErrGroupInUse, got %v", err)
	}

	_ = m.ReleaseIP(ctx, "tmp", "x")
	if err := m.Teardown(ctx, "tmp"); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	if _, err := m.GetGroup(ctx, "tmp"); !errors.Is(err, ErrGroupNotFound) {
		t.Errorf("group still present: %v", err)
	}
}

func TestHostPortTable(t *testing.T) {
	table := NewHostPortTable()

	if err := table.Reserve("a", []PortMapping{{HostPort: 80, GuestPort: 80, Protocol: "tcp"}}); err != nil {
		t.Fatal(err)
	}
	// same port, other protocol
	if err := table.Reserve("b", []PortMapping{{HostPort: 80, GuestPort: 80, Protocol: "udp"}}); err != nil {
		t.Errorf("udp/80 should be free: %v", err)
	}
	if err := table.Reserve("b", []PortMapping{{HostPort: 81, GuestPort: 1, Protocol: "tcp"}, {HostPort: 80, GuestPort: 80, Protocol: "tcp"}}); !errors.Is(err, ErrHostPortInUse) {
		t.Errorf("expected conflict, got %v", err)
	}
	if _, ok := table.Owner("tcp", 81); ok {
		t.Error("failed reservation must not hold any port")
	}
	if err := table.Reserve("c", []PortMapping{{HostPort: 0, GuestPort: 1, Protocol: "tcp"}}); !errors.Is(err, ErrInvalidPort) {
		t.Errorf("expected ErrInvalidPort, got %v", err)
	}

	table.Release("a")
	if owner, ok := table.Owner("tcp", 80); ok {
		t.Errorf("port still owned by %s", owner)
	}
}
