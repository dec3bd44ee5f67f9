package network

import (
	"fmt"
	"net/netip"
	"strings"
)

const (
	// DefaultSubnetPool is the private range group subnets are carved from.
	DefaultSubnetPool = "10.0.0.0/8"
	// GroupPrefixBits is the size of one group subnet.
	GroupPrefixBits = 24

	// MAC address configuration
	MACPrefix = "02:53:42" // locally administered

	// link names stay within the 15 char IFNAMSIZ limit
	BridgePrefix = "sbxbr-"  // + 8 hex
	TAPPrefix    = "sbxtap-" // + 8 hex
)

// Reach is a group's network exposure.
type Reach string

const (
	ReachNone   Reach = "none"   // no traffic at all
	ReachLocal  Reach = "local"  // only inside the group subnet
	ReachPublic Reach = "public" // egress, no unsolicited inbound except port mappings
	ReachAny    Reach = "any"    // unrestricted
)

func ParseReach(s string) (Reach, error) {
	switch r := Reach(strings.ToLower(strings.TrimSpace(s))); r {
	case ReachNone, ReachLocal, ReachPublic, ReachAny:
		return r, nil
	case "":
		return ReachPublic, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidReach, s)
	}
}

// AllowsPortMappings reports whether inbound DNAT makes sense for the reach.
func (r Reach) AllowsPortMappings() bool {
	return r == ReachPublic || r == ReachAny
}

// AllowsEgress reports whether the group is masqueraded to the outside.
func (r Reach) AllowsEgress() bool {
	return r == ReachPublic || r == ReachAny
}

// Group is a persisted network domain.
type Group struct {
	ID     int64
	Name   string
	Subnet netip.Prefix
	Reach  Reach
}

// Bridge is the name of the group's bridge device.
func (g Group) Bridge() string {
	return BridgePrefix + shortHash("group/"+g.Name)
}

// Gateway is the first host address of the subnet, owned by the bridge.
func (g Group) Gateway() netip.Addr {
	return g.Subnet.Masked().Addr().Next()
}

// Netmask renders the subnet mask in dotted form.
func (g Group) Netmask() string {
	bits := g.Subnet.Bits()
	mask := ^uint32(0) << (32 - bits)
	return fmt.Sprintf("%d.%d.%d.%d", byte(mask>>24), byte(mask>>16), byte(mask>>8), byte(mask))
}

// PortMapping represents a port forward from host to guest.
type PortMapping struct {
	HostPort  int
	GuestPort int
	Protocol  string // tcp or udp
}

func (m PortMapping) String() string {
	return fmt.Sprintf("%d:%d/%s", m.HostPort, m.GuestPort, m.Protocol)
}

// Attachment is everything a launcher needs to put a guest on its group network.
type Attachment struct {
	Group      string
	Sandbox    string
	TAPDevice  string
	IPAddress  netip.Addr
	MACAddress string
	Gateway    netip.Addr
	Netmask    string
	Ports      []PortMapping
}
