package network

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"sync"

	"github.com/coreos/go-iptables/iptables"
)

// PacketFilter applies group reach policies and port forwards to the host.
type PacketFilter interface {
	ApplyGroup(ctx context.Context, g Group) error
	RemoveGroup(ctx context.Context, g Group) error
	AddPortMappings(ctx context.Context, ip netip.Addr, mappings []PortMapping) error
	RemovePortMappings(ctx context.Context, ip netip.Addr, mappings []PortMapping) error
}

// IPTablesFilter implements PacketFilter with one filter chain per group.
type IPTablesFilter struct {
	mu     sync.Mutex
	ipt    *iptables.IPTables
	logger *slog.Logger
}

func NewIPTablesFilter() (*IPTablesFilter, error) {
	ipt, err := iptables.New()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize iptables: %w", err)
	}
	return &IPTablesFilter{ipt: ipt, logger: slog.Default()}, nil
}

// ApplyGroup (re)writes the group chain. Safe to call repeatedly, a reach
// change simply replaces the chain content.
func (f *IPTablesFilter) ApplyGroup(ctx context.Context, g Group) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if g.Reach.AllowsEgress() {
		if err := enableIPForwarding(); err != nil {
			return err
		}
	}

	chain := GroupChain(g)
	// ClearChain creates the chain when missing
	if err := f.ipt.ClearChain("filter", chain); err != nil {
		return fmt.Errorf("%w: clear chain %s: %v", ErrFilterSetupFailed, chain, err)
	}

	// a previous reach may have added masquerade
	masq := Rule{Table: "nat", Chain: "POSTROUTING", Spec: []string{"-s", g.Subnet.Masked().String(), "!", "-o", g.Bridge(), "-j", "MASQUERADE"}}
	if err := f.ipt.DeleteIfExists(masq.Table, masq.Chain, masq.Spec...); err != nil {
		return fmt.Errorf("%w: %v", ErrFilterSetupFailed, err)
	}

	for _, r := range append(ReachRules(g), JumpRules(g)...) {
		if err := f.ipt.AppendUnique(r.Table, r.Chain, r.Spec...); err != nil {
			return fmt.Errorf("%w: %s %s %v: %v", ErrFilterSetupFailed, r.Table, r.Chain, r.Spec, err)
		}
	}

	f.logger.InfoContext(ctx, "applied reach policy", "group", g.Name, "reach", g.Reach, "chain", chain)
	return nil
}

func (f *IPTablesFilter) RemoveGroup(ctx context.Context, g Group) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, r := range JumpRules(g) {
		_ = f.ipt.DeleteIfExists(r.Table, r.Chain, r.Spec...)
	}
	for _, r := range ReachRules(g) {
		if r.Table == "nat" {
			_ = f.ipt.DeleteIfExists(r.Table, r.Chain, r.Spec...)
		}
	}

	chain := GroupChain(g)
	exists, err := f.ipt.ChainExists("filter", chain)
	if err != nil {
		return fmt.Errorf("check chain %s: %w", chain, err)
	}
	if exists {
		if err := f.ipt.ClearAndDeleteChain("filter", chain); err != nil {
			return fmt.Errorf("delete chain %s: %w", chain, err)
		}
	}

	// IP forwarding stays on, other services might rely on it
	return nil
}

func (f *IPTablesFilter) AddPortMappings(ctx context.Context, ip netip.Addr, mappings []PortMapping) error {
	rules, err := PortRules(ip, mappings)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, r := range rules {
		if err := f.ipt.AppendUnique(r.Table, r.Chain, r.Spec...); err != nil {
			return fmt.Errorf("failed to add port mapping %v: %w", r.Spec, err)
		}
	}
	return nil
}

func (f *IPTablesFilter) RemovePortMappings(ctx context.Context, ip netip.Addr, mappings []PortMapping) error {
	rules, err := PortRules(ip, mappings)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, r := range rules {
		_ = f.ipt.DeleteIfExists(r.Table, r.Chain, r.Spec...)
	}
	return nil
}

// enableIPForwarding enables IPv4 forwarding in the kernel.
func enableIPForwarding() error {
	const ipForwardPath = "/proc/sys/net/ipv4/ip_forward"

	data, err := os.ReadFile(ipForwardPath)
	if err != nil {
		return fmt.Errorf("failed to read ip_forward: %w", err)
	}

	if len(data) > 0 && data[0] == '1' {
		return nil
	}

	if err := os.WriteFile(ipForwardPath, []byte("1"), 0o644); err != nil {
		return fmt.Errorf("%w: failed to write ip_forward: %v", ErrForwardingDisabled, err)
	}

	return nil
}

// NoOpFilter records nothing and touches nothing.
type NoOpFilter struct{}

func NewNoOpFilter() *NoOpFilter { return &NoOpFilter{} }

func (f *NoOpFilter) ApplyGroup(ctx context.Context, g Group) error { return nil }
func (f *NoOpFilter) RemoveGroup(ctx context.Context, g Group) error { return nil }

func (f *NoOpFilter) AddPortMappings(ctx context.Context, ip netip.Addr, mappings []PortMapping) error {
	return nil
}

func (f *NoOpFilter) RemovePortMappings(ctx context.Context, ip netip.Addr, mappings []PortMapping) error {
	return nil
}
