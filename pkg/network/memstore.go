package network

import (
	"context"
	"net/netip"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store, used when no database is attached and in tests.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	groups map[string]Group
	ips    map[string]map[string]netip.Addr // group -> sandbox -> ip
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		groups: make(map[string]Group),
		ips:    make(map[string]map[string]netip.Addr),
	}
}

func (s *MemoryStore) EnsureGroup(ctx context.Context, name string, reach Reach, pick func([]netip.Prefix) (netip.Prefix, error)) (Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g, ok := s.groups[name]; ok {
		g.Reach = reach
		s.groups[name] = g
		return g, nil
	}

	taken := make([]netip.Prefix, 0, len(s.groups))
	for _, g := range s.groups {
		taken = append(taken, g.Subnet)
	}
	subnet, err := pick(taken)
	if err != nil {
		return Group{}, err
	}

	s.nextID++
	g := Group{ID: s.nextID, Name: name, Subnet: subnet, Reach: reach}
	s.groups[name] = g
	return g, nil
}

func (s *MemoryStore) GetGroup(ctx context.Context, name string) (Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[name]
	if !ok {
		return Group{}, ErrGroupNotFound
	}
	return g, nil
}

func (s *MemoryStore) ListGroups(ctx context.Context) ([]Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) AssignIP(ctx context.Context, group, sandbox string, pick func([]netip.Addr) (netip.Addr, error)) (netip.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[group]; !ok {
		return netip.Addr{}, ErrGroupNotFound
	}

	assigned := s.ips[group]
	if assigned == nil {
		assigned = make(map[string]netip.Addr)
		s.ips[group] = assigned
	}
	if ip, ok := assigned[sandbox]; ok {
		return ip, nil
	}

	taken := make([]netip.Addr, 0, len(assigned))
	for _, ip := range assigned {
		taken = append(taken, ip)
	}
	ip, err := pick(taken)
	if err != nil {
		return netip.Addr{}, err
	}
	assigned[sandbox] = ip
	return ip, nil
}

func (s *MemoryStore) ReleaseIP(ctx context.Context, group, sandbox string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ips[group][sandbox]; !ok {
		return ErrIPNotAllocated
	}
	delete(s.ips[group], sandbox)
	return nil
}

func (s *MemoryStore) DeleteGroup(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[name]; !ok {
		return ErrGroupNotFound
	}
	if len(s.ips[name]) > 0 {
		return ErrGroupInUse
	}
	delete(s.groups, name)
	delete(s.ips, name)
	return nil
}
