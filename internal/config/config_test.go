package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/maxdollinger/sandboxd/pkg/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
groups:
  - name: backend
    reach: local
    volumes: ["/srv/shared:/shared:ro"]
    env: { REGION: eu, LEVEL: group }
services:
  - name: db
    image: postgres:16
    group: backend
    args: [postgres]
    cpus: 2
    ram: 512
    env: { LEVEL: service }
  - name: api
    image: ghcr.io/acme/api:1.2
    ports: ["8080:80", "9090/udp"]
    volumes: ["/tmp"]
    depends_on: [db]
    restart: { policy: on-failure, max_retries: 3, backoff: 2s }
`

const sampleTOML = `
[[groups]]
name = "backend"
local_only = true

[[services]]
name = "db"
image = "postgres:16"
group = "backend"
ram = 256

[[services]]
name = "api"
image = "alpine"
depends_on = ["db"]
`

const sampleJSON = `{
  "services": [
    {"name": "web", "image": "nginx", "ports": ["80"]}
  ]
}`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadYAML(t *testing.T) {
	cfg, err := Load(writeFile(t, "sandboxd.yaml", sampleYAML))
	require.NoError(t, err)

	require.Len(t, cfg.Services, 2)
	db, ok := cfg.Service("db")
	require.True(t, ok)
	assert.Equal(t, 512, db.RAMMiB())
	assert.Equal(t, 2, db.CPUCount())
	assert.Equal(t, "backend", db.GroupName())

	api, ok := cfg.Service("api")
	require.True(t, ok)
	assert.Equal(t, DefaultRAM, api.RAMMiB())
	assert.Equal(t, DefaultCPUs, api.CPUCount())
	assert.Equal(t, DefaultGroup, api.GroupName())

	policy := api.RestartPolicy()
	assert.Equal(t, RestartOnFailure, policy.Policy)
	assert.Equal(t, 3, policy.MaxRetries)
	assert.Equal(t, 2*time.Second, policy.BackoffDuration())

	assert.Equal(t, RestartNo, db.RestartPolicy().Policy)
	assert.Equal(t, []string{"backend", DefaultGroup}, cfg.GroupNames())
}

func TestRestartPolicyDefaults(t *testing.T) {
	unset := Service{Name: "a", Image: "alpine"}
	assert.Equal(t, RestartPolicy{Policy: RestartNo, MaxRetries: DefaultMaxRetries}, unset.RestartPolicy())

	always := Service{Name: "b", Image: "alpine", Restart: &RestartPolicy{Policy: RestartAlways}}
	assert.Equal(t, DefaultMaxRetries, always.RestartPolicy().MaxRetries)

	explicit := Service{Name: "c", Image: "alpine", Restart: &RestartPolicy{Policy: RestartOnFailure, MaxRetries: 7}}
	assert.Equal(t, 7, explicit.RestartPolicy().MaxRetries)
	assert.Equal(t, DefaultMaxRetries, RestartPolicy{}.Retries())
}

func TestLoadTOML(t *testing.T) {
	cfg, err := Load(writeFile(t, "sandboxd.toml", sampleTOML))
	require.NoError(t, err)

	g, ok := cfg.Group("backend")
	require.True(t, ok)
	reach, err := g.ReachPolicy()
	require.NoError(t, err)
	assert.Equal(t, network.ReachLocal, reach)

	order, err := cfg.Graph().Order()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"db"}, {"api"}}, order)
}

func TestLoadJSON(t *testing.T) {
	cfg, err := Load(writeFile(t, "sandboxd.json", sampleJSON))
	require.NoError(t, err)

	web, ok := cfg.Service("web")
	require.True(t, ok)
	ports, err := web.PortMappings()
	require.NoError(t, err)
	assert.Equal(t, []network.PortMapping{{HostPort: 80, GuestPort: 80, Protocol: "tcp"}}, ports)

	g, ok := cfg.Group(DefaultGroup)
	require.True(t, ok)
	reach, err := g.ReachPolicy()
	require.NoError(t, err)
	assert.Equal(t, network.ReachPublic, reach)
}

func TestLoadUnknownExtension(t *testing.T) {
	_, err := Load(writeFile(t, "sandboxd.ini", sampleJSON))
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestFind(t *testing.T) {
	dir := t.TempDir()
	_, err := Find("", dir)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "sandboxd.toml"), []byte(sampleTOML), 0o644))
	path, err := Find("", dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "sandboxd.toml"), path)

	path, err = Find("/etc/explicit.yaml", dir)
	require.NoError(t, err)
	assert.Equal(t, "/etc/explicit.yaml", path)
}

func TestEnvAndVolumeInheritance(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML), FormatYAML)
	require.NoError(t, err)

	db, _ := cfg.Service("db")
	assert.Equal(t, map[string]string{"REGION": "eu", "LEVEL": "service"}, cfg.Env(db))

	volumes, err := cfg.Volumes(db)
	require.NoError(t, err)
	assert.Equal(t, []Volume{{Host: "/srv/shared", Guest: "/shared", ReadOnly: true}}, volumes)

	api, _ := cfg.Service("api")
	volumes, err = cfg.Volumes(api)
	require.NoError(t, err)
	assert.Equal(t, []Volume{{Host: "/tmp", Guest: "/tmp"}}, volumes)
}

func TestSchemaRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte(`{"services":[{"name":"a","image":"alpine","memory":12}]}`), FormatJSON)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.NotEmpty(t, verr.Problems)
}

func TestSchemaRejectsMissingImage(t *testing.T) {
	_, err := Parse([]byte(`{"services":[{"name":"a"}]}`), FormatJSON)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, strings.Join(verr.Problems, "\n"), "image")
}

func intp(n int) *int { return &n }

func TestValidate(t *testing.T) {
	svc := func(name string, mutate func(*Service)) Service {
		s := Service{Name: name, Image: "alpine"}
		if mutate != nil {
			mutate(&s)
		}
		return s
	}

	tests := []struct {
		name    string
		cfg     Config
		problem string
	}{
		{
			name:    "ram zero",
			cfg:     Config{Services: []Service{svc("a", func(s *Service) { s.RAM = intp(0) })}},
			problem: "ram must be positive",
		},
		{
			name:    "ram below minimum",
			cfg:     Config{Services: []Service{svc("a", func(s *Service) { s.RAM = intp(MinRAM - 1) })}},
			problem: "below the minimum",
		},
		{
			name:    "no cpus",
			cfg:     Config{Services: []Service{svc("a", func(s *Service) { s.CPUs = intp(0) })}},
			problem: "cpus must be at least 1",
		},
		{
			name:    "duplicate service",
			cfg:     Config{Services: []Service{svc("a", nil), svc("a", nil)}},
			problem: `duplicate service name "a"`,
		},
		{
			name:    "unknown group",
			cfg:     Config{Services: []Service{svc("a", func(s *Service) { s.Group = "nope" })}},
			problem: `unknown group "nope"`,
		},
		{
			name:    "unknown dependency",
			cfg:     Config{Services: []Service{svc("a", func(s *Service) { s.DependsOn = []string{"b"} })}},
			problem: `unknown service "b"`,
		},
		{
			name: "cycle",
			cfg: Config{Services: []Service{
				svc("a", func(s *Service) { s.DependsOn = []string{"b"} }),
				svc("b", func(s *Service) { s.DependsOn = []string{"a"} }),
			}},
			problem: "cycle",
		},
		{
			name: "host port conflict",
			cfg: Config{Services: []Service{
				svc("a", func(s *Service) { s.Ports = []string{"8080:80"} }),
				svc("b", func(s *Service) { s.Ports = []string{"8080:81"} }),
			}},
			problem: `already used by "a"`,
		},
		{
			name:    "bad port",
			cfg:     Config{Services: []Service{svc("a", func(s *Service) { s.Ports = []string{"70000"} })}},
			problem: "invalid port mapping",
		},
		{
			name:    "relative volume",
			cfg:     Config{Services: []Service{svc("a", func(s *Service) { s.Volumes = []string{"data:/data"} })}},
			problem: "paths must be absolute",
		},
		{
			name: "ports in local group",
			cfg: Config{
				Groups:   []Group{{Name: "g", LocalOnly: true}},
				Services: []Service{svc("a", func(s *Service) { s.Group = "g"; s.Ports = []string{"80"} })},
			},
			problem: "does not allow port mappings",
		},
		{
			name: "bad restart",
			cfg: Config{Services: []Service{svc("a", func(s *Service) {
				s.Restart = &RestartPolicy{Policy: "sometimes", Backoff: "soon"}
			})}},
			problem: "unknown restart policy",
		},
		{
			name: "invalid reach",
			cfg: Config{
				Groups:   []Group{{Name: "g", Reach: "galaxy"}},
				Services: []Service{svc("a", nil)},
			},
			problem: `group "g"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, strings.Join(verr.Problems, "\n"), tt.problem)
		})
	}
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := Config{Services: []Service{
		{Name: "a", RAM: intp(0)},
		{Name: "b", Image: "alpine", CPUs: intp(0)},
	}}
	err := cfg.Validate()
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Problems, 3)
}

func TestValidateDepth(t *testing.T) {
	var cfg Config
	for i := 0; i <= 33; i++ {
		s := Service{Name: "s" + string(rune('a'+i%26)) + string(rune('a'+i/26)), Image: "alpine"}
		if i > 0 {
			s.DependsOn = []string{cfg.Services[i-1].Name}
		}
		cfg.Services = append(cfg.Services, s)
	}
	err := cfg.Validate()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Error(), "maximum is 32")
}

func TestParsePort(t *testing.T) {
	tests := []struct {
		in      string
		want    network.PortMapping
		wantErr bool
	}{
		{in: "8080:80", want: network.PortMapping{HostPort: 8080, GuestPort: 80, Protocol: "tcp"}},
		{in: "53/udp", want: network.PortMapping{HostPort: 53, GuestPort: 53, Protocol: "udp"}},
		{in: "0", wantErr: true},
		{in: "80/sctp", wantErr: true},
		{in: "a:b", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePort(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPort)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseVolume(t *testing.T) {
	v, err := ParseVolume("/data/pg/:/var/lib/pg:rw")
	require.NoError(t, err)
	assert.Equal(t, Volume{Host: "/data/pg", Guest: "/var/lib/pg"}, v)
	assert.Equal(t, "/data/pg:/var/lib/pg", v.String())

	_, err = ParseVolume("/a:/b:rx")
	assert.ErrorIs(t, err, ErrInvalidVolume)
	_, err = ParseVolume("/a:/b:/c:/d")
	assert.ErrorIs(t, err, ErrInvalidVolume)
}

func TestSchemaJSON(t *testing.T) {
	data, err := SchemaJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"depends_on"`)
	assert.Contains(t, string(data), `"on-failure"`)
}

func TestLoadSettingsDefaults(t *testing.T) {
	t.Setenv("SANDBOXD_HOME", t.TempDir())

	s, err := LoadSettings()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, s.MetricsInterval)
	assert.Equal(t, int64(10<<20), s.LogMaxSize)
	assert.Equal(t, network.DefaultSubnetPool, s.SubnetPool)
	assert.Equal(t, filepath.Join(s.Home, "state.db"), s.DBPath())

	require.NoError(t, s.EnsureDirs())
	for _, dir := range s.Dirs() {
		assert.DirExists(t, dir)
	}
}

func TestLoadSettingsOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("SANDBOXD_HOME", home)
	t.Setenv("SANDBOXD_LOG_LEVEL", "debug")
	t.Setenv("SANDBOXD_STOP_GRACE_PERIOD", "3s")
	t.Setenv("SANDBOXD_NETWORK_ENABLED", "false")

	s, err := LoadSettings()
	require.NoError(t, err)
	assert.Equal(t, home, s.Home)
	assert.Equal(t, 3*time.Second, s.StopGracePeriod)
	assert.False(t, s.NetworkEnabled)
	assert.Equal(t, "DEBUG", s.Level().String())
}
