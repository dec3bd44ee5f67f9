package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/maxdollinger/sandboxd/internal/scheduler"
	"github.com/maxdollinger/sandboxd/pkg/network"
)

// ValidationError lists every problem found in a config.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid config: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid config (%d problems):\n  - %s", len(e.Problems), strings.Join(e.Problems, "\n  - "))
}

func (e *ValidationError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// Validate checks the config for everything that would make an up fail
// before any sandbox is touched: names, group references, dependencies,
// resources, port and volume syntax and host port conflicts.
func (c *Config) Validate() error {
	verr := &ValidationError{}

	groups := make(map[string]struct{})
	for i, g := range c.Groups {
		if g.Name == "" {
			verr.add("group %d has no name", i)
			continue
		}
		if _, dup := groups[g.Name]; dup {
			verr.add("duplicate group name %q", g.Name)
		}
		groups[g.Name] = struct{}{}

		if _, err := g.ReachPolicy(); err != nil {
			verr.add("group %q: %v", g.Name, err)
		}
		if g.LocalOnly && g.Reach != "" && g.Reach != string(network.ReachLocal) {
			verr.add("group %q: local_only conflicts with reach %q", g.Name, g.Reach)
		}
		for _, v := range g.Volumes {
			if _, err := ParseVolume(v); err != nil {
				verr.add("group %q: %v", g.Name, err)
			}
		}
	}

	services := make(map[string]struct{})
	hostPorts := make(map[string]string)
	for i := range c.Services {
		s := &c.Services[i]
		if s.Name == "" {
			verr.add("service %d has no name", i)
			continue
		}
		if _, dup := services[s.Name]; dup {
			verr.add("duplicate service name %q", s.Name)
		}
		services[s.Name] = struct{}{}

		if strings.TrimSpace(s.Image) == "" {
			verr.add("service %q: image is required", s.Name)
		}

		if _, ok := groups[s.GroupName()]; !ok && s.GroupName() != DefaultGroup {
			verr.add("service %q: unknown group %q", s.Name, s.Group)
		}

		c.validateResources(verr, s)
		c.validateRestart(verr, s)

		if s.Workdir != "" && !strings.HasPrefix(s.Workdir, "/") {
			verr.add("service %q: workdir %q must be absolute", s.Name, s.Workdir)
		}

		for _, v := range s.Volumes {
			if _, err := ParseVolume(v); err != nil {
				verr.add("service %q: %v", s.Name, err)
			}
		}

		for _, spec := range s.Ports {
			p, err := ParsePort(spec)
			if err != nil {
				verr.add("service %q: %v", s.Name, err)
				continue
			}
			key := fmt.Sprintf("%d/%s", p.HostPort, p.Protocol)
			if other, taken := hostPorts[key]; taken {
				verr.add("service %q: host port %s already used by %q", s.Name, key, other)
				continue
			}
			hostPorts[key] = s.Name
		}

		if len(s.Ports) > 0 {
			if g, ok := c.Group(s.GroupName()); ok {
				if reach, err := g.ReachPolicy(); err == nil && !reach.AllowsPortMappings() {
					verr.add("service %q: group %q has reach %s which does not allow port mappings", s.Name, g.Name, reach)
				}
			}
		}

		seen := make(map[string]struct{})
		for _, dep := range s.DependsOn {
			if _, dup := seen[dep]; dup {
				verr.add("service %q: duplicate dependency %q", s.Name, dep)
			}
			seen[dep] = struct{}{}
		}
	}

	for i := range c.Services {
		s := &c.Services[i]
		for _, dep := range s.DependsOn {
			if _, ok := services[dep]; !ok {
				verr.add("service %q depends on unknown service %q", s.Name, dep)
			}
		}
	}

	// only meaningful once every dependency exists
	if len(verr.Problems) == 0 {
		if err := c.Graph().Validate(); err != nil {
			var (
				cycle *scheduler.CycleError
				depth *scheduler.DepthError
			)
			switch {
			case errors.As(err, &cycle), errors.As(err, &depth):
				verr.add("%v", err)
			default:
				return err
			}
		}
	}

	if len(verr.Problems) > 0 {
		return verr
	}
	return nil
}

func (c *Config) validateResources(verr *ValidationError, s *Service) {
	if s.RAM != nil {
		switch ram := *s.RAM; {
		case ram <= 0:
			verr.add("service %q: ram must be positive, got %d", s.Name, ram)
		case ram < MinRAM:
			verr.add("service %q: ram %d MiB is below the minimum of %d MiB", s.Name, ram, MinRAM)
		}
	}
	if s.CPUs != nil && *s.CPUs < 1 {
		verr.add("service %q: cpus must be at least 1, got %d", s.Name, *s.CPUs)
	}
}

func (c *Config) validateRestart(verr *ValidationError, s *Service) {
	if s.Restart == nil {
		return
	}
	switch s.Restart.Policy {
	case "", RestartNo, RestartOnFailure, RestartAlways:
	default:
		verr.add("service %q: unknown restart policy %q", s.Name, s.Restart.Policy)
	}
	if s.Restart.MaxRetries < 0 {
		verr.add("service %q: max_retries must not be negative", s.Name)
	}
	if s.Restart.Backoff != "" {
		if d, err := time.ParseDuration(s.Restart.Backoff); err != nil || d <= 0 {
			verr.add("service %q: invalid backoff %q", s.Name, s.Restart.Backoff)
		}
	}
}
