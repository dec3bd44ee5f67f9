// Package cli implements the sandboxd command line.
package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/maxdollinger/sandboxd/internal/builder"
	"github.com/maxdollinger/sandboxd/internal/catalog"
	"github.com/maxdollinger/sandboxd/internal/config"
	"github.com/maxdollinger/sandboxd/internal/db"
	"github.com/maxdollinger/sandboxd/internal/orchestrator"
	"github.com/maxdollinger/sandboxd/internal/statefs"
	"github.com/maxdollinger/sandboxd/internal/supervisor"
	"github.com/maxdollinger/sandboxd/internal/telemetry"
	"github.com/maxdollinger/sandboxd/internal/vm"
	"github.com/maxdollinger/sandboxd/pkg/cas"
	"github.com/maxdollinger/sandboxd/pkg/fs"
	"github.com/maxdollinger/sandboxd/pkg/layerstore"
	"github.com/maxdollinger/sandboxd/pkg/lock"
	"github.com/maxdollinger/sandboxd/pkg/logrotate"
	"github.com/maxdollinger/sandboxd/pkg/network"
	"github.com/maxdollinger/sandboxd/pkg/oci"
)

// app is the wired daemon state shared by the commands that touch it.
type app struct {
	settings *config.Settings
	conn     *sql.DB
	layers   *layerstore.Store
	catalog  *catalog.Catalog
	metrics  *telemetry.Metrics
	orch     *orchestrator.Orchestrator
}

func newApp(ctx context.Context, settings *config.Settings) (*app, error) {
	if err := settings.EnsureDirs(); err != nil {
		return nil, err
	}

	conn, err := db.Open(ctx, settings.DBPath())
	if err != nil {
		return nil, err
	}

	a, err := wire(conn, settings)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return a, nil
}

func wire(conn *sql.DB, settings *config.Settings) (*app, error) {
	trees, err := cas.NewDirStore(settings.CASDir())
	if err != nil {
		return nil, err
	}
	layers, err := layerstore.New(settings.LayersDir(), layerstore.Options{Concurrency: int64(settings.DownloadConcurrency)})
	if err != nil {
		return nil, err
	}
	registry, err := oci.NewRegistry(oci.RegistryOptions{
		Retries:           settings.PullRetries,
		RetryWaitMin:      settings.PullBackoff,
		RequestsPerSecond: settings.RegistryRPS,
	})
	if err != nil {
		return nil, err
	}

	b := builder.NewBuilder(conn, fs.NewLayerFlattener(), trees, lock.NewKeyedLocker(), settings.TmpDir())
	cat := catalog.New(conn, registry.Source, layers, b, trees, catalog.Options{
		Retries: settings.PullRetries,
		Backoff: settings.PullBackoff,
	})

	metrics := telemetry.New()
	err = metrics.RegisterCounterFunc("sandboxd_layer_downloads_total", "Layer blobs fetched from a registry.", func() float64 {
		return float64(layers.Downloads())
	})
	if err != nil {
		return nil, err
	}

	groups, err := groupManager(conn, settings)
	if err != nil {
		return nil, err
	}

	orch := orchestrator.New(orchestrator.Deps{
		Conn:     conn,
		Catalog:  cat,
		Network:  groups,
		Launcher: vm.NewRunnerLauncher(settings.RunnerPath),
		Mounter:  statefs.NewMounter(conn, trees, settings.RootfsDir()),
		Metrics:  metrics,
	}, orchestrator.Options{
		StateDir:       settings.StateDir(),
		Supervisor:     supervisorOptions(settings),
		NetworkEnabled: settings.NetworkEnabled,
	})

	return &app{
		settings: settings,
		conn:     conn,
		layers:   layers,
		catalog:  cat,
		metrics:  metrics,
		orch:     orch,
	}, nil
}

func groupManager(conn *sql.DB, settings *config.Settings) (*network.GroupManager, error) {
	pool, err := netip.ParsePrefix(settings.SubnetPool)
	if err != nil {
		return nil, fmt.Errorf("subnet pool: %w", err)
	}

	var (
		filter network.PacketFilter = network.NewNoOpFilter()
		links  network.Links        = network.NewNoOpLinks()
	)
	if settings.NetworkEnabled {
		ipt, err := network.NewIPTablesFilter()
		if err != nil {
			return nil, err
		}
		filter, links = ipt, network.NewNetlinkLinks()
	}
	return network.NewGroupManager(db.NewGroupStore(conn), filter, links, pool), nil
}

func supervisorOptions(s *config.Settings) supervisor.Options {
	opts := supervisor.DefaultOptions(s.LogsDir())
	opts.LogPolicy = logrotate.Policy{
		MaxAge:      s.LogMaxAge,
		MaxSize:     s.LogMaxSize,
		AutoCleanup: s.LogAutoCleanup,
	}
	opts.MetricsInterval = s.MetricsInterval
	opts.MetricsRetention = s.MetricsRetention
	opts.StopGracePeriod = s.StopGracePeriod
	return opts
}

func (a *app) Close() error {
	return a.conn.Close()
}

// serveMetrics exposes the prometheus registry until ctx is done.
func (a *app) serveMetrics(ctx context.Context, addr string) {
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		slog.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "error", err)
		}
	}()
}

// newLogger builds the process logger from the settings.
func newLogger(w io.Writer, s *config.Settings) *slog.Logger {
	opts := &slog.HandlerOptions{Level: s.Level()}
	if strings.EqualFold(s.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func loadSettings() (*config.Settings, error) {
	s, err := config.LoadSettings()
	if err != nil {
		return nil, err
	}
	slog.SetDefault(newLogger(os.Stderr, s))
	return s, nil
}
