package network

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/vishvananda/netlink"
)

// Links manages the layer 2 devices of group networks.
type Links interface {
	EnsureBridge(ctx context.Context, name string, gateway netip.Prefix) error
	DeleteBridge(ctx context.Context, name string) error
	CreateTAP(ctx context.Context, name, bridge string) error
	DeleteTAP(ctx context.Context, name string) error
}

// NetlinkLinks implements Links through rtnetlink.
type NetlinkLinks struct{}

func NewNetlinkLinks() *NetlinkLinks {
	return &NetlinkLinks{}
}

// EnsureBridge creates the bridge if it doesn't exist and configures its
// gateway address. Idempotent.
func (l *NetlinkLinks) EnsureBridge(ctx context.Context, name string, gateway netip.Prefix) error {
	bridge, ok := getBridge(name)
	if !ok {
		la := netlink.NewLinkAttrs()
		la.Name = name
		bridge = &netlink.Bridge{LinkAttrs: la}

		if err := netlink.LinkAdd(bridge); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrBridgeCreateFailed, name, err)
		}
	}

	return configureBridge(bridge, gateway)
}

// configureBridge sets the gateway address and brings the bridge up.
func configureBridge(bridge *netlink.Bridge, gateway netip.Prefix) error {
	addr, err := netlink.ParseAddr(gateway.String())
	if err != nil {
		return fmt.Errorf("failed to parse bridge address: %w", err)
	}

	addrs, err := netlink.AddrList(bridge, netlink.FAMILY_V4)
	if err != nil {
		return fmt.Errorf("failed to list bridge addresses: %w", err)
	}

	hasIP := false
	for _, a := range addrs {
		if a.IP.Equal(addr.IP) {
			hasIP = true
			break
		}
	}

	if !hasIP {
		if err := netlink.AddrReplace(bridge, addr); err != nil {
			return fmt.Errorf("failed to add address to bridge: %w", err)
		}
	}

	if err := netlink.LinkSetUp(bridge); err != nil {
		return fmt.Errorf("failed to bring bridge up: %w", err)
	}

	return nil
}

func getBridge(name string) (*netlink.Bridge, bool) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, false
	}

	bridge, ok := link.(*netlink.Bridge)
	return bridge, ok
}

// DeleteBridge removes the bridge. The kernel detaches remaining ports.
func (l *NetlinkLinks) DeleteBridge(ctx context.Context, name string) error {
	bridge, ok := getBridge(name)
	if !ok {
		return nil
	}

	if err := netlink.LinkDel(bridge); err != nil {
		return fmt.Errorf("failed to delete bridge %s: %w", name, err)
	}

	return nil
}
