package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/maxdollinger/sandboxd/internal/catalog"
	"github.com/maxdollinger/sandboxd/internal/config"
	"github.com/maxdollinger/sandboxd/internal/db/models"
	"github.com/maxdollinger/sandboxd/internal/vm"
	"github.com/maxdollinger/sandboxd/pkg/fs"
	"github.com/maxdollinger/sandboxd/pkg/network"
	"github.com/opencontainers/go-digest"
)

// Snapshot is the resolved desired state of one sandbox: the service
// config merged with its group and image defaults. It is stored next to the
// state database so a later process can re-attach or restart the sandbox
// without the config file.
type Snapshot struct {
	Name      string               `json:"name"`
	Group     string               `json:"group"`
	Image     string               `json:"image"`
	HeadCID   digest.Digest        `json:"head_cid"`
	Exec      string               `json:"exec"`
	Args      []string             `json:"args,omitempty"`
	Env       []string             `json:"env,omitempty"`
	Workdir   string               `json:"workdir"`
	CPUs      int                  `json:"cpus"`
	RAM       int                  `json:"ram"`
	Volumes   []string             `json:"volumes,omitempty"`
	Ports     []string             `json:"ports,omitempty"`
	DependsOn []string             `json:"depends_on,omitempty"`
	Restart   config.RestartPolicy `json:"restart"`
}

func newSnapshot(cfg *config.Config, svc *config.Service, img *catalog.Image) (*Snapshot, error) {
	var imageConfig models.Config
	if img.Config != nil {
		imageConfig = *img.Config
	}

	argv := resolveArgv(svc, &imageConfig)
	if len(argv) == 0 {
		return nil, fmt.Errorf("%s: %w: no command and the image has no entrypoint", svc.Name, vm.ErrNoExecutable)
	}

	workdir := svc.Workdir
	if workdir == "" {
		workdir = imageConfig.WorkingDir
	}
	if workdir == "" {
		workdir = config.DefaultWorkdir
	}

	volumes, err := cfg.Volumes(svc)
	if err != nil {
		return nil, err
	}
	ports, err := svc.PortMappings()
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Name:      svc.Name,
		Group:     svc.GroupName(),
		Image:     img.Reference,
		HeadCID:   img.HeadCID,
		Exec:      argv[0],
		Args:      argv[1:],
		Env:       mergeEnv(imageConfig.Env, cfg.Env(svc)),
		Workdir:   workdir,
		CPUs:      svc.CPUCount(),
		RAM:       svc.RAMMiB(),
		DependsOn: slices.Clone(svc.DependsOn),
		Restart:   svc.RestartPolicy(),
	}
	for _, v := range volumes {
		snap.Volumes = append(snap.Volumes, v.String())
	}
	for _, p := range ports {
		snap.Ports = append(snap.Ports, p.String())
	}
	return snap, nil
}

// resolveArgv follows the image conventions: a command replaces the
// entrypoint and cmd, args replace only cmd.
func resolveArgv(svc *config.Service, image *models.Config) []string {
	if svc.Command != "" {
		return append([]string{svc.Command}, svc.Args...)
	}
	args := image.Cmd
	if len(svc.Args) > 0 {
		args = svc.Args
	}
	return append(slices.Clone(image.Entrypoint), args...)
}

// mergeEnv overlays the service environment on the image one and returns
// it as sorted KEY=VALUE pairs.
func mergeEnv(image []string, service map[string]string) []string {
	env := make(map[string]string, len(image)+len(service))
	for _, kv := range image {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}
	maps.Copy(env, service)

	out := make([]string, 0, len(env))
	for _, k := range slices.Sorted(maps.Keys(env)) {
		out = append(out, k+"="+env[k])
	}
	return out
}

func (s *Snapshot) PortMappings() ([]network.PortMapping, error) {
	ports := make([]network.PortMapping, 0, len(s.Ports))
	for _, spec := range s.Ports {
		p, err := config.ParsePort(spec)
		if err != nil {
			return nil, err
		}
		ports = append(ports, p)
	}
	return ports, nil
}

// Equal reports whether both snapshots describe the same sandbox.
func (s *Snapshot) Equal(other *Snapshot) bool {
	if s == nil || other == nil {
		return s == other
	}
	a, errA := json.Marshal(s)
	b, errB := json.Marshal(other)
	return errA == nil && errB == nil && bytes.Equal(a, b)
}

func snapshotPath(stateDir, group, name string) string {
	return filepath.Join(stateDir, group, name+".json")
}

func writeSnapshot(path string, s *Snapshot) error {
	return fs.WriteJSONAtomic(path, s)
}

// readSnapshot returns nil without error when no snapshot was written yet.
func readSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", path, err)
	}
	return &s, nil
}
