package config

import (
	"errors"
	"fmt"
	"maps"
	"path"
	"strconv"
	"strings"

	"github.com/maxdollinger/sandboxd/internal/scheduler"
	"github.com/maxdollinger/sandboxd/pkg/network"
)

var (
	ErrInvalidPort   = errors.New("invalid port mapping")
	ErrInvalidVolume = errors.New("invalid volume mapping")
)

// Volume mounts a host path into the guest.
type Volume struct {
	Host     string `json:"host"`
	Guest    string `json:"guest"`
	ReadOnly bool   `json:"read_only,omitempty"`
}

func (v Volume) String() string {
	s := v.Host + ":" + v.Guest
	if v.ReadOnly {
		s += ":ro"
	}
	return s
}

// ParsePort accepts "host:guest", "port" (same on both sides) and an
// optional "/tcp" or "/udp" suffix.
func ParsePort(s string) (network.PortMapping, error) {
	spec, proto, _ := strings.Cut(strings.TrimSpace(s), "/")
	if proto == "" {
		proto = "tcp"
	}
	if proto != "tcp" && proto != "udp" {
		return network.PortMapping{}, fmt.Errorf("%w %q: protocol must be tcp or udp", ErrInvalidPort, s)
	}

	hostStr, guestStr, found := strings.Cut(spec, ":")
	if !found {
		guestStr = hostStr
	}

	host, err := parsePortNumber(hostStr)
	if err != nil {
		return network.PortMapping{}, fmt.Errorf("%w %q: %v", ErrInvalidPort, s, err)
	}
	guest, err := parsePortNumber(guestStr)
	if err != nil {
		return network.PortMapping{}, fmt.Errorf("%w %q: %v", ErrInvalidPort, s, err)
	}

	return network.PortMapping{HostPort: host, GuestPort: guest, Protocol: proto}, nil
}

func parsePortNumber(s string) (int, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("port must be between 1 and 65535")
	}
	return int(n), nil
}

// ParseVolume accepts "host:guest", "host:guest:ro" and a single absolute
// path mounted at the same location.
func ParseVolume(s string) (Volume, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	var v Volume
	switch len(parts) {
	case 1:
		v = Volume{Host: parts[0], Guest: parts[0]}
	case 2:
		v = Volume{Host: parts[0], Guest: parts[1]}
	case 3:
		if parts[2] != "ro" && parts[2] != "rw" {
			return Volume{}, fmt.Errorf("%w %q: mode must be ro or rw", ErrInvalidVolume, s)
		}
		v = Volume{Host: parts[0], Guest: parts[1], ReadOnly: parts[2] == "ro"}
	default:
		return Volume{}, fmt.Errorf("%w %q", ErrInvalidVolume, s)
	}

	if !path.IsAbs(v.Host) || !path.IsAbs(v.Guest) {
		return Volume{}, fmt.Errorf("%w %q: paths must be absolute", ErrInvalidVolume, s)
	}
	v.Host = path.Clean(v.Host)
	v.Guest = path.Clean(v.Guest)
	return v, nil
}

// GroupName returns the group a service runs in.
func (s *Service) GroupName() string {
	if s.Group == "" {
		return DefaultGroup
	}
	return s.Group
}

func (s *Service) RAMMiB() int {
	if s.RAM == nil {
		return DefaultRAM
	}
	return *s.RAM
}

func (s *Service) CPUCount() int {
	if s.CPUs == nil {
		return DefaultCPUs
	}
	return *s.CPUs
}

// RestartPolicy returns the configured policy, "no" when unset, with the
// retry limit filled in.
func (s *Service) RestartPolicy() RestartPolicy {
	if s.Restart == nil || s.Restart.Policy == "" {
		return RestartPolicy{Policy: RestartNo, MaxRetries: DefaultMaxRetries}
	}
	p := *s.Restart
	p.MaxRetries = p.Retries()
	return p
}

// ReachPolicy resolves reach and local_only. The implicit default group
// has reach public.
func (g *Group) ReachPolicy() (network.Reach, error) {
	if g.Reach == "" && g.LocalOnly {
		return network.ReachLocal, nil
	}
	return network.ParseReach(g.Reach)
}

// Service returns the service called name.
func (c *Config) Service(name string) (*Service, bool) {
	for i := range c.Services {
		if c.Services[i].Name == name {
			return &c.Services[i], true
		}
	}
	return nil, false
}

// Group returns the declared group called name. The implicit default group
// is returned even when it is not declared.
func (c *Config) Group(name string) (*Group, bool) {
	for i := range c.Groups {
		if c.Groups[i].Name == name {
			return &c.Groups[i], true
		}
	}
	if name == DefaultGroup {
		return &Group{Name: DefaultGroup, Reach: string(network.ReachPublic)}, true
	}
	return nil, false
}

// Env merges the group environment under the service environment.
func (c *Config) Env(s *Service) map[string]string {
	env := make(map[string]string)
	if g, ok := c.Group(s.GroupName()); ok {
		maps.Copy(env, g.Env)
	}
	maps.Copy(env, s.Env)
	return env
}

// Volumes returns the service volumes followed by those of its group.
func (c *Config) Volumes(s *Service) ([]Volume, error) {
	specs := append([]string(nil), s.Volumes...)
	if g, ok := c.Group(s.GroupName()); ok {
		specs = append(specs, g.Volumes...)
	}

	volumes := make([]Volume, 0, len(specs))
	for _, spec := range specs {
		v, err := ParseVolume(spec)
		if err != nil {
			return nil, err
		}
		volumes = append(volumes, v)
	}
	return volumes, nil
}

func (s *Service) PortMappings() ([]network.PortMapping, error) {
	ports := make([]network.PortMapping, 0, len(s.Ports))
	for _, spec := range s.Ports {
		p, err := ParsePort(spec)
		if err != nil {
			return nil, err
		}
		ports = append(ports, p)
	}
	return ports, nil
}

// Graph returns the dependency graph of all services.
func (c *Config) Graph() scheduler.Graph {
	g := make(scheduler.Graph, len(c.Services))
	for _, s := range c.Services {
		g[s.Name] = append([]string(nil), s.DependsOn...)
	}
	return g
}

// GroupNames returns every group a service uses, in first-use order.
func (c *Config) GroupNames() []string {
	seen := make(map[string]struct{})
	var names []string
	for i := range c.Services {
		n := c.Services[i].GroupName()
		if _, ok := seen[n]; !ok {
			seen[n] = struct{}{}
			names = append(names, n)
		}
	}
	return names
}
