package network

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/vishvananda/netlink"
)

// CreateTAP creates a TAP device and attaches it to the bridge. A leftover
// TAP with the same name (from a crashed run) is replaced.
func (l *NetlinkLinks) CreateTAP(ctx context.Context, name, bridgeName string) error {
	if tapExists(name) {
		if err := l.DeleteTAP(ctx, name); err != nil {
			return err
		}
	}

	la := netlink.NewLinkAttrs()
	la.Name = name
	tap := &netlink.Tuntap{
		LinkAttrs: la,
		Mode:      netlink.TUNTAP_MODE_TAP,
	}

	if err := netlink.LinkAdd(tap); err != nil {
		return fmt.Errorf("%w: %v", ErrTAPCreateFailed, err)
	}

	cleanup := func(err error) error {
		_ = netlink.LinkDel(tap)
		return err
	}

	bridge, err := netlink.LinkByName(bridgeName)
	if err != nil {
		return cleanup(fmt.Errorf("bridge %s not found: %w", bridgeName, err))
	}

	if err := netlink.LinkSetMaster(tap, bridge); err != nil {
		return cleanup(fmt.Errorf("failed to attach TAP to bridge: %w", err))
	}

	if err := netlink.LinkSetUp(tap); err != nil {
		return cleanup(fmt.Errorf("failed to bring TAP up: %w", err))
	}

	return nil
}

// DeleteTAP removes a TAP device. Missing devices are ignored.
func (l *NetlinkLinks) DeleteTAP(ctx context.Context, name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil
	}

	if _, ok := link.(*netlink.Tuntap); !ok {
		return fmt.Errorf("device %s exists but is not a TAP device", name)
	}

	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("failed to delete TAP device %s: %w", name, err)
	}

	return nil
}

func tapExists(name string) bool {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return false
	}

	_, ok := link.(*netlink.Tuntap)
	return ok
}

// NoOpLinks creates no devices.
type NoOpLinks struct{}

func NewNoOpLinks() *NoOpLinks { return &NoOpLinks{} }

func (l *NoOpLinks) EnsureBridge(ctx context.Context, name string, gateway netip.Prefix) error {
	return nil
}

func (l *NoOpLinks) DeleteBridge(ctx context.Context, name string) error { return nil }
func (l *NoOpLinks) CreateTAP(ctx context.Context, name, bridge string) error { return nil }
func (l *NoOpLinks) DeleteTAP(ctx context.Context, name string) error { return nil }
