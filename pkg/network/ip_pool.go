package network

import (
	"fmt"
	"net/netip"
)

// NextSubnet returns the lowest /bits block inside pool that does not overlap
// any prefix in taken.
func NextSubnet(pool netip.Prefix, bits int, taken []netip.Prefix) (netip.Prefix, error) {
	pool = pool.Masked()
	if !pool.Addr().Is4() {
		return netip.Prefix{}, fmt.Errorf("subnet pool must be IPv4: %s", pool)
	}
	if bits < pool.Bits() || bits > 30 {
		return netip.Prefix{}, fmt.Errorf("cannot carve /%d blocks from %s", bits, pool)
	}

	start := ipToUint32(pool.Addr())
	count := uint64(1) << (bits - pool.Bits())
	step := uint64(1) << (32 - bits)

	for i := uint64(0); i < count; i++ {
		addr := uint32ToIP(start + uint32(i*step))
		candidate := netip.PrefixFrom(addr, bits)

		free := true
		for _, t := range taken {
			if t.Overlaps(candidate) {
				free = false
				break
			}
		}
		if free {
			return candidate, nil
		}
	}

	return netip.Prefix{}, ErrSubnetPoolExhausted
}

// LowestFreeIP returns the lowest host address of subnet not in taken. The
// network address, the gateway (first host) and broadcast are never handed out.
func LowestFreeIP(subnet netip.Prefix, taken []netip.Addr) (netip.Addr, error) {
	subnet = subnet.Masked()
	used := make(map[netip.Addr]struct{}, len(taken))
	for _, a := range taken {
		used[a] = struct{}{}
	}

	first := subnet.Addr().Next().Next() // skip network and gateway
	for addr := first; subnet.Contains(addr); addr = addr.Next() {
		if isBroadcast(subnet, addr) {
			break
		}
		if _, ok := used[addr]; !ok {
			return addr, nil
		}
	}

	return netip.Addr{}, ErrIPPoolExhausted
}

func isBroadcast(subnet netip.Prefix, addr netip.Addr) bool {
	hostBits := 32 - subnet.Bits()
	mask := uint32(1)<<hostBits - 1
	return ipToUint32(addr)&mask == mask
}

// Helper functions for IP address arithmetic
func ipToUint32(ip netip.Addr) uint32 {
	b := ip.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func uint32ToIP(n uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)})
}
