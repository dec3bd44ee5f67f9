package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/maxdollinger/sandboxd/pkg/lock"
)

// Store persists groups and the addresses handed out inside them.
// Implementations must run each call atomically: pick sees every subnet or
// address taken at that moment and its result is stored before anyone else
// can pick.
type Store interface {
	EnsureGroup(ctx context.Context, name string, reach Reach, pick func(taken []netip.Prefix) (netip.Prefix, error)) (Group, error)
	GetGroup(ctx context.Context, name string) (Group, error)
	ListGroups(ctx context.Context) ([]Group, error)
	AssignIP(ctx context.Context, group, sandbox string, pick func(taken []netip.Addr) (netip.Addr, error)) (netip.Addr, error)
	ReleaseIP(ctx context.Context, group, sandbox string) error
	// DeleteGroup fails with ErrGroupInUse while sandboxes reference the group.
	DeleteGroup(ctx context.Context, name string) error
}

// GroupManager is the central coordinator for group networking. It owns
// subnet and address allocation, reach policy and the per-sandbox links.
//
// This should be created once at startup and passed to the components that
// need it.
type GroupManager struct {
	store  Store
	filter PacketFilter
	links  Links
	locker lock.Locker
	ports  *HostPortTable
	pool   netip.Prefix
	poolMu sync.Mutex
	logger *slog.Logger
}

func NewGroupManager(store Store, filter PacketFilter, links Links, pool netip.Prefix) *GroupManager {
	return &GroupManager{
		store:  store,
		filter: filter,
		links:  links,
		locker: lock.NewKeyedLocker(),
		ports:  NewHostPortTable(),
		pool:   pool,
		logger: slog.Default(),
	}
}

// EnsureGroup returns the named group, creating it with the lowest free
// subnet on first use. The reach policy is persisted and (re)applied.
func (m *GroupManager) EnsureGroup(ctx context.Context, name string, reach Reach) (Group, error) {
	lk, err := m.locker.AcquireLock(ctx, "group/"+name)
	if err != nil {
		return Group{}, err
	}
	defer lk.Release()

	m.poolMu.Lock()
	g, err := m.store.EnsureGroup(ctx, name, reach, func(taken []netip.Prefix) (netip.Prefix, error) {
		return NextSubnet(m.pool, GroupPrefixBits, taken)
	})
	m.poolMu.Unlock()
	if err != nil {
		return Group{}, fmt.Errorf("ensure group %s: %w", name, err)
	}

	gateway := netip.PrefixFrom(g.Gateway(), g.Subnet.Bits())
	if err := m.links.EnsureBridge(ctx, g.Bridge(), gateway); err != nil {
		return Group{}, err
	}
	if err := m.filter.ApplyGroup(ctx, g); err != nil {
		return Group{}, err
	}

	m.logger.DebugContext(ctx, "group ready", "group", g.Name, "subnet", g.Subnet, "reach", g.Reach)
	return g, nil
}

func (m *GroupManager) GetGroup(ctx context.Context, name string) (Group, error) {
	return m.store.GetGroup(ctx, name)
}

func (m *GroupManager) ListGroups(ctx context.Context) ([]Group, error) {
	return m.store.ListGroups(ctx)
}

// AllocateIP hands the sandbox the lowest free address of its group. Calling
// it again for the same sandbox returns the address it already holds.
func (m *GroupManager) AllocateIP(ctx context.Context, group, sandbox string) (netip.Addr, error) {
	lk, err := m.locker.AcquireLock(ctx, "group/"+group)
	if err != nil {
		return netip.Addr{}, err
	}
	defer lk.Release()

	g, err := m.store.GetGroup(ctx, group)
	if err != nil {
		return netip.Addr{}, err
	}

	ip, err := m.store.AssignIP(ctx, group, sandbox, func(taken []netip.Addr) (netip.Addr, error) {
		return LowestFreeIP(g.Subnet, taken)
	})
	if err != nil {
		return netip.Addr{}, fmt.Errorf("allocate ip in %s for %s: %w", group, sandbox, err)
	}

	m.logger.DebugContext(ctx, "allocated ip", "group", group, "sandbox", sandbox, "ip", ip)
	return ip, nil
}

func (m *GroupManager) ReleaseIP(ctx context.Context, group, sandbox string) error {
	lk, err := m.locker.AcquireLock(ctx, "group/"+group)
	if err != nil {
		return err
	}
	defer lk.Release()

	return m.store.ReleaseIP(ctx, group, sandbox)
}

// Attach creates the sandbox TAP on the group bridge and installs its port
// forwards.
func (m *GroupManager) Attach(ctx context.Context, g Group, sandbox string, ip netip.Addr, ports []PortMapping) (*Attachment, error) {
	if len(ports) > 0 && !g.Reach.AllowsPortMappings() {
		return nil, fmt.Errorf("%w: group %s has reach %s", ErrPortsNotAllowed, g.Name, g.Reach)
	}

	owner := g.Name + "/" + sandbox
	if err := m.ports.Reserve(owner, ports); err != nil {
		return nil, err
	}

	a := &Attachment{
		Group:      g.Name,
		Sandbox:    sandbox,
		TAPDevice:  TAPName(g.Name, sandbox),
		IPAddress:  ip,
		MACAddress: GenerateMACAddress(owner),
		Gateway:    g.Gateway(),
		Netmask:    g.Netmask(),
		Ports:      ports,
	}

	if err := m.links.CreateTAP(ctx, a.TAPDevice, g.Bridge()); err != nil {
		m.ports.Release(owner)
		return nil, err
	}

	if err := m.filter.AddPortMappings(ctx, ip, ports); err != nil {
		return nil, errors.Join(err, m.Detach(ctx, a))
	}

	return a, nil
}

// Detach undoes Attach. It keeps going on errors and reports all of them.
func (m *GroupManager) Detach(ctx context.Context, a *Attachment) error {
	if a == nil {
		return nil
	}

	var errs []error
	if err := m.filter.RemovePortMappings(ctx, a.IPAddress, a.Ports); err != nil {
		errs = append(errs, err)
	}
	if err := m.links.DeleteTAP(ctx, a.TAPDevice); err != nil {
		errs = append(errs, err)
	}
	m.ports.Release(a.Group + "/" + a.Sandbox)

	return errors.Join(errs...)
}

// Teardown removes an unused group with its bridge and filter rules.
func (m *GroupManager) Teardown(ctx context.Context, name string) error {
	lk, err := m.locker.AcquireLock(ctx, "group/"+name)
	if err != nil {
		return err
	}
	defer lk.Release()

	g, err := m.store.GetGroup(ctx, name)
	if err != nil {
		return err
	}

	if err := m.store.DeleteGroup(ctx, name); err != nil {
		return err
	}

	m.logger.InfoContext(ctx, "tearing down group", "group", name, "subnet", g.Subnet)
	return errors.Join(
		m.filter.RemoveGroup(ctx, g),
		m.links.DeleteBridge(ctx, g.Bridge()),
	)
}
