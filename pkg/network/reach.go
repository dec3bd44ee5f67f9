package network

import (
	"fmt"
	"net/netip"
	"strconv"
)

// Rule is one iptables rule: table, chain and the rule spec.
type Rule struct {
	Table string
	Chain string
	Spec  []string
}

// GroupChain is the filter chain holding a group's forwarding policy.
func GroupChain(g Group) string {
	return "SBX-" + shortHash("group/"+g.Name)
}

// JumpRules hook the group chain into FORWARD for traffic entering or
// leaving the group bridge.
func JumpRules(g Group) []Rule {
	chain := GroupChain(g)
	return []Rule{
		{Table: "filter", Chain: "FORWARD", Spec: []string{"-i", g.Bridge(), "-j", chain}},
		{Table: "filter", Chain: "FORWARD", Spec: []string{"-o", g.Bridge(), "-j", chain}},
	}
}

// ReachRules computes the ordered rules of the group chain plus the nat
// rules for the group's reach policy.
func ReachRules(g Group) []Rule {
	chain := GroupChain(g)
	br := g.Bridge()
	subnet := g.Subnet.Masked().String()

	filter := func(spec ...string) Rule {
		return Rule{Table: "filter", Chain: chain, Spec: spec}
	}
	intra := filter("-i", br, "-o", br, "-j", "ACCEPT")
	drop := filter("-j", "DROP")

	var rules []Rule
	switch g.Reach {
	case ReachNone:
		rules = []Rule{drop}
	case ReachLocal:
		rules = []Rule{intra, drop}
	case ReachPublic:
		rules = []Rule{
			intra,
			filter("-o", br, "-m", "conntrack", "--ctstate", "ESTABLISHED,RELATED", "-j", "ACCEPT"),
			filter("-o", br, "-m", "conntrack", "--ctstate", "DNAT", "-j", "ACCEPT"),
			filter("-i", br, "-j", "ACCEPT"),
			drop,
		}
	case ReachAny:
		rules = []Rule{filter("-j", "ACCEPT")}
	}

	if g.Reach.AllowsEgress() {
		rules = append(rules, Rule{
			Table: "nat",
			Chain: "POSTROUTING",
			Spec:  []string{"-s", subnet, "!", "-o", br, "-j", "MASQUERADE"},
		})
	}

	return rules
}

// PortRules are the DNAT rules forwarding host ports to a guest.
func PortRules(ip netip.Addr, mappings []PortMapping) ([]Rule, error) {
	rules := make([]Rule, 0, len(mappings))
	for _, m := range mappings {
		if m.Protocol != "tcp" && m.Protocol != "udp" {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedProtocol, m.Protocol)
		}
		rules = append(rules, Rule{
			Table: "nat",
			Chain: "PREROUTING",
			Spec: []string{
				"-p", m.Protocol,
				"--dport", strconv.Itoa(m.HostPort),
				"-j", "DNAT",
				"--to-destination", fmt.Sprintf("%s:%d", ip, m.GuestPort),
			},
		})
	}
	return rules, nil
}
