package network

import (
	"errors"
	"net/netip"
	"testing"
)

func TestNextSubnet(t *testing.T) {
	pool := netip.MustParsePrefix("10.0.0.0/8")

	tests := []struct {
		name  string
		taken []string
		want  string
	}{
		{name: "empty pool", want: "10.0.0.0/24"},
		{name: "first taken", taken: []string{"10.0.0.0/24"}, want: "10.0.1.0/24"},
		{name: "gap is reused", taken: []string{"10.0.0.0/24", "10.0.2.0/24"}, want: "10.0.1.0/24"},
		{name: "foreign larger block", taken: []string{"10.0.0.0/22"}, want: "10.0.4.0/24"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var taken []netip.Prefix
			for _, s := range tt.taken {
				taken = append(taken, netip.MustParsePrefix(s))
			}

			got, err := NextSubnet(pool, GroupPrefixBits, taken)
			if err != nil {
				t.Fatalf("NextSubnet: %v", err)
			}
			if got.String() != tt.want {
				t.Errorf("NextSubnet = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNextSubnetExhausted(t *testing.T) {
	pool := netip.MustParsePrefix("192.168.0.0/23")
	taken := []netip.Prefix{
		netip.MustParsePrefix("192.168.0.0/24"),
		netip.MustParsePrefix("192.168.1.0/24"),
	}

	if _, err := NextSubnet(pool, 24, taken); !errors.Is(err, ErrSubnetPoolExhausted) {
		t.Errorf("expected ErrSubnetPoolExhausted, got %v", err)
	}
}

func TestLowestFreeIP(t *testing.T) {
	subnet := netip.MustParsePrefix("10.0.3.0/24")

	ip, err := LowestFreeIP(subnet, nil)
	if err != nil {
		t.Fatalf("LowestFreeIP: %v", err)
	}
	if ip.String() != "10.0.3.2" {
		t.Errorf("first address = %s, want 10.0.3.2", ip)
	}

	taken := []netip.Addr{netip.MustParseAddr("10.0.3.2"), netip.MustParseAddr("10.0.3.4")}
	ip, _ = LowestFreeIP(subnet, taken)
	if ip.String() != "10.0.3.3" {
		t.Errorf("gap address = %s, want 10.0.3.3", ip)
	}
}

func TestLowestFreeIPExhausted(t *testing.T) {
	subnet := netip.MustParsePrefix("10.0.0.0/24")

	var taken []netip.Addr
	for addr := netip.MustParseAddr("10.0.0.2"); addr.Compare(netip.MustParseAddr("10.0.0.254")) <= 0; addr = addr.Next() {
		taken = append(taken, addr)
	}
	if len(taken) != 253 {
		t.Fatalf("setup: %d addresses", len(taken))
	}

	if _, err := LowestFreeIP(subnet, taken); !errors.Is(err, ErrIPPoolExhausted) {
		t.Errorf("expected ErrIPPoolExhausted, got %v", err)
	}
}

func TestGroupAddressing(t *testing.T) {
	g := Group{Name: "backend", Subnet: netip.MustParsePrefix("10.0.7.0/24")}

	if g.Gateway().String() != "10.0.7.1" {
		t.Errorf("gateway = %s", g.Gateway())
	}
	if g.Netmask() != "255.255.255.0" {
		t.Errorf("netmask = %s", g.Netmask())
	}
	if len(g.Bridge()) > 15 || len(TAPName("backend", "some-long-sandbox-name")) > 15 {
		t.Error("link names exceed IFNAMSIZ")
	}
	if g.Bridge() == (Group{Name: "frontend"}).Bridge() {
		t.Error("bridge names must differ per group")
	}
}

func TestParseReach(t *testing.T) {
	for _, in := range []string{"none", "local", "PUBLIC", " any "} {
		if _, err := ParseReach(in); err != nil {
			t.Errorf("ParseReach(%q): %v", in, err)
		}
	}
	if r, _ := ParseReach(""); r != ReachPublic {
		t.Errorf("empty reach = %s, want public", r)
	}
	if _, err := ParseReach("internet"); !errors.Is(err, ErrInvalidReach) {
		t.Errorf("expected ErrInvalidReach, got %v", err)
	}
}

func TestGenerateMACAddress(t *testing.T) {
	a := GenerateMACAddress("backend/db")
	if a != GenerateMACAddress("backend/db") {
		t.Error("MAC must be deterministic")
	}
	if a == GenerateMACAddress("backend/api") {
		t.Error("MAC must differ per sandbox")
	}
	if len(a) != 17 || a[:8] != MACPrefix {
		t.Errorf("unexpected MAC %q", a)
	}
}
