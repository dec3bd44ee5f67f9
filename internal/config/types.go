// Package config reads sandbox configuration files and the runtime settings
// of the daemon.
package config

import "time"

const (
	DefaultGroup   = "default"
	DefaultRAM     = 1024 // MiB
	DefaultCPUs    = 1
	MinRAM         = 64 // MiB
	DefaultWorkdir = "/"

	// DefaultMaxRetries bounds restarts when max_retries is unset or 0.
	DefaultMaxRetries = 3
)

// Config is the desired state of a set of sandboxes.
type Config struct {
	Groups   []Group   `json:"groups,omitempty" jsonschema:"description=Network groups the services run in"`
	Services []Service `json:"services" jsonschema:"description=Sandboxes to run"`
}

type Group struct {
	Name      string            `json:"name" jsonschema:"minLength=1"`
	Reach     string            `json:"reach,omitempty" jsonschema:"enum=none,enum=local,enum=public,enum=any"`
	LocalOnly bool              `json:"local_only,omitempty" jsonschema:"description=Shorthand for reach local"`
	Volumes   []string          `json:"volumes,omitempty" jsonschema:"description=host:guest mounts shared by every service of the group"`
	Env       map[string]string `json:"env,omitempty"`
}

type Service struct {
	Name      string            `json:"name" jsonschema:"minLength=1"`
	Image     string            `json:"image" jsonschema:"minLength=1"`
	Group     string            `json:"group,omitempty"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	CPUs      *int              `json:"cpus,omitempty"`
	RAM       *int              `json:"ram,omitempty" jsonschema:"description=Memory in MiB"`
	Workdir   string            `json:"workdir,omitempty"`
	Ports     []string          `json:"ports,omitempty" jsonschema:"description=host:guest or a single port, optionally suffixed with /udp"`
	Volumes   []string          `json:"volumes,omitempty" jsonschema:"description=host:guest or a single absolute path"`
	Env       map[string]string `json:"env,omitempty"`
	DependsOn []string          `json:"depends_on,omitempty"`
	Restart   *RestartPolicy    `json:"restart,omitempty"`
}

type RestartMode string

const (
	RestartNo        RestartMode = "no"
	RestartOnFailure RestartMode = "on-failure"
	RestartAlways    RestartMode = "always"
)

type RestartPolicy struct {
	Policy     RestartMode `json:"policy" jsonschema:"enum=no,enum=on-failure,enum=always"`
	MaxRetries int         `json:"max_retries,omitempty" jsonschema:"minimum=0,description=Restarts before the sandbox fails; 0 uses the default of 3"`
	Backoff    string      `json:"backoff,omitempty" jsonschema:"description=Go duration of the first restart delay,example=1s"`
}

// Retries returns the restart limit, DefaultMaxRetries when unset.
func (p RestartPolicy) Retries() int {
	if p.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return p.MaxRetries
}

// BackoffDuration returns the parsed backoff, one second when unset.
func (p RestartPolicy) BackoffDuration() time.Duration {
	d, err := time.ParseDuration(p.Backoff)
	if err != nil || d <= 0 {
		return time.Second
	}
	return d
}
