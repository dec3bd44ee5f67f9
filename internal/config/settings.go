package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is prepended to every settings variable, e.g. SANDBOXD_HOME.
const EnvPrefix = "sandboxd"

// Settings are the runtime settings of the daemon, read from the environment.
type Settings struct {
	Home       string `ignored:"true"`
	RunnerPath string `envconfig:"RUNNER_PATH" default:"sandbox-runner"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`

	DownloadConcurrency int           `envconfig:"DOWNLOAD_CONCURRENCY" default:"4"`
	RegistryRPS         float64       `envconfig:"REGISTRY_RPS" default:"0"`
	PullRetries         int           `envconfig:"PULL_RETRIES" default:"3"`
	PullBackoff         time.Duration `envconfig:"PULL_BACKOFF" default:"500ms"`

	MetricsInterval  time.Duration `envconfig:"METRICS_INTERVAL" default:"2s"`
	MetricsRetention time.Duration `envconfig:"METRICS_RETENTION" default:"24h"`
	StopGracePeriod  time.Duration `envconfig:"STOP_GRACE_PERIOD" default:"10s"`

	LogMaxAge      time.Duration `envconfig:"LOG_MAX_AGE" default:"168h"`
	LogMaxSize     int64         `envconfig:"LOG_MAX_SIZE" default:"10485760"`
	LogAutoCleanup bool          `envconfig:"LOG_AUTO_CLEANUP" default:"true"`

	NetworkEnabled bool   `envconfig:"NETWORK_ENABLED" default:"true"`
	SubnetPool     string `envconfig:"SUBNET_POOL" default:"10.0.0.0/8"`
}

// LoadSettings reads the settings from the environment. Home defaults to
// ~/.sandboxd.
func LoadSettings() (*Settings, error) {
	var s Settings
	if err := envconfig.Process(EnvPrefix, &s); err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}

	// read directly, envconfig would fall back to $HOME
	s.Home = os.Getenv("SANDBOXD_HOME")
	if s.Home == "" {
		dir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home: %w", err)
		}
		s.Home = filepath.Join(dir, ".sandboxd")
	}
	if s.DownloadConcurrency < 1 {
		s.DownloadConcurrency = 1
	}
	if s.MetricsInterval <= 0 {
		return nil, fmt.Errorf("metrics interval must be positive, got %s", s.MetricsInterval)
	}
	return &s, nil
}

func (s *Settings) DBPath() string    { return filepath.Join(s.Home, "state.db") }
func (s *Settings) LayersDir() string { return filepath.Join(s.Home, "layers") }
func (s *Settings) CASDir() string    { return filepath.Join(s.Home, "cas") }
func (s *Settings) TmpDir() string    { return filepath.Join(s.Home, "tmp") }
func (s *Settings) LogsDir() string   { return filepath.Join(s.Home, "logs") }
func (s *Settings) RootfsDir() string { return filepath.Join(s.Home, "rootfs") }
func (s *Settings) StateDir() string  { return filepath.Join(s.Home, "sandboxes") }

// Dirs returns every directory the daemon writes to.
func (s *Settings) Dirs() []string {
	return []string{s.Home, s.LayersDir(), s.CASDir(), s.TmpDir(), s.LogsDir(), s.RootfsDir(), s.StateDir()}
}

// EnsureDirs creates the directory layout below Home.
func (s *Settings) EnsureDirs() error {
	for _, dir := range s.Dirs() {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// Level maps LogLevel to a slog level, info when unknown.
func (s *Settings) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return level
}
