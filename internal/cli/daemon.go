package cli

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"
)

func NewDaemonCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Take over running sandboxes and supervise them until interrupted",
		Long: `Reconcile the persisted state with the live processes, re-attach to every
sandbox whose supervisor is gone and supervise them. Guests keep running when
the daemon exits and are picked up by the next one.`,
		Args: cobra.NoArgs,
		RunE: withApp(runDaemon),
	}
	cmd.Flags().String("metrics-addr", "", "Serve prometheus metrics on this address")
	return cmd
}

func runDaemon(cmd *cobra.Command, args []string, a *app) error {
	ctx := cmd.Context()
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	report, err := a.orch.Reconcile(ctx)
	if report == nil {
		return err
	}
	if err != nil {
		slog.WarnContext(ctx, "reconcile finished with errors", "error", err)
	}
	slog.InfoContext(ctx, "daemon started",
		"attached", report.Attached, "recovered", report.Recovered, "foreign", report.Foreign)

	a.serveMetrics(ctx, metricsAddr)

	// supervise until interrupted, idle or not
	err = a.orch.Wait(ctx)
	if err == nil {
		<-ctx.Done()
	}
	if errors.Is(err, context.Canceled) || err == nil {
		slog.Info("daemon stopping, guests keep running")
		return nil
	}
	return err
}
