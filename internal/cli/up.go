package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/maxdollinger/sandboxd/internal/orchestrator"
	"github.com/spf13/cobra"
)

func NewUpCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "up [names...]",
		Short: "Start sandboxes and everything they depend on",
		Long: `Start the selected sandboxes of the config file, pulling their images and
starting their dependencies first. Without --detach the command stays in the
foreground supervising them and stops them on interrupt.`,
		RunE: withApp(runUp),
	}

	addConfigFlag(cmd)
	addSelectorFlags(cmd)
	cmd.Flags().BoolP("detach", "d", false, "Return once the sandboxes run")
	cmd.Flags().String("metrics-addr", "", "Serve prometheus metrics on this address while in the foreground")

	return cmd
}

func runUp(cmd *cobra.Command, args []string, a *app) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	detach, _ := cmd.Flags().GetBool("detach")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	ctx := cmd.Context()

	if _, err := a.orch.Reconcile(ctx); err != nil {
		slog.WarnContext(ctx, "reconcile finished with errors", "error", err)
	}

	report, err := a.orch.Up(ctx, cfg, selector(cmd, args))
	if err != nil {
		return err
	}
	printUpReport(cmd.OutOrStdout(), report)

	if detach {
		return report.Err()
	}

	a.serveMetrics(ctx, metricsAddr)
	if err := a.orch.Wait(ctx); !errors.Is(err, context.Canceled) {
		return errors.Join(err, report.Err())
	}

	// interrupted: stop what this up brought up
	names := append(append([]string(nil), report.Started...), report.Unchanged...)
	if len(names) == 0 {
		return nil
	}
	slog.Info("stopping sandboxes", "count", len(names))
	stopCtx := context.WithoutCancel(ctx)
	return a.orch.Down(stopCtx, orchestrator.Selector{Names: names})
}

func printUpReport(w io.Writer, r *orchestrator.UpReport) {
	for _, n := range r.Started {
		fmt.Fprintf(w, "started    %s\n", n)
	}
	for _, n := range r.Unchanged {
		fmt.Fprintf(w, "unchanged  %s\n", n)
	}

	failed := make([]string, 0, len(r.Failed))
	for n := range r.Failed {
		failed = append(failed, n)
	}
	sort.Strings(failed)
	for _, n := range failed {
		fmt.Fprintf(w, "failed     %s: %v\n", n, r.Failed[n])
	}
}

func NewDownCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "down [names...]",
		Short: "Stop sandboxes, dependents first",
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			return a.orch.Down(cmd.Context(), selector(cmd, args))
		}),
	}
	addSelectorFlags(cmd)
	return cmd
}
