package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/maxdollinger/sandboxd/internal/db/models"
)

// ReconcileReport lists what Reconcile did with every active row.
type ReconcileReport struct {
	Attached  []string // guest alive, supervision resumed
	Recovered []string // guest gone, restart policy applied
	Stopped   []string // guest gone while stopping
	Foreign   []string // supervised by another live process
}

// Reconcile takes over the sandboxes whose persisted status is active, or
// Crashed and waiting for a restart, but whose supervisor is gone. The
// persisted status is checked against the live processes before anything
// is trusted.
func (o *Orchestrator) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	rows, err := models.ListSandboxes(ctx, o.deps.Conn, models.SandboxFilter{
		Statuses: []models.SandboxStatus{
			models.StatusStarting, models.StatusRunning, models.StatusStopping, models.StatusCrashed,
		},
	})
	if err != nil {
		return nil, err
	}

	report := &ReconcileReport{}
	var errs []error
	for _, row := range rows {
		if o.supervised(row.ID) != nil {
			continue
		}
		if o.ownedElsewhere(ctx, row) {
			report.Foreign = append(report.Foreign, row.Name)
			continue
		}
		if err := o.reconcileOne(ctx, row, report); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", row.Name, err))
		}
	}

	o.logger.InfoContext(ctx, "reconciled sandboxes",
		"attached", len(report.Attached), "recovered", len(report.Recovered),
		"stopped", len(report.Stopped), "foreign", len(report.Foreign))
	return report, errors.Join(errs...)
}

func (o *Orchestrator) reconcileOne(ctx context.Context, row *models.Sandbox, report *ReconcileReport) error {
	lk, err := o.lockSandbox(ctx, row)
	if err != nil {
		return err
	}
	defer lk.Release()

	// a crash already cleared the guest pid
	alive := row.Status != models.StatusCrashed && o.guestAlive(ctx, row)
	if !alive && row.Status == models.StatusStopping {
		if err := o.completeStop(ctx, row); err != nil {
			return err
		}
		report.Stopped = append(report.Stopped, row.Name)
		return nil
	}

	snap, err := readSnapshot(row.ConfigFile)
	if err == nil && snap == nil {
		err = errors.New("snapshot is missing")
	}
	if err != nil {
		if alive {
			o.terminate(ctx, *row.MicroVMPID, o.opts.Supervisor.StopGracePeriod)
		}
		o.markFailed(ctx, row, err)
		return err
	}

	att, err := o.attach(ctx, row, snap)
	if err != nil {
		o.logger.WarnContext(ctx, "failed to restore network attachment", "sandbox", row.Name, "error", err)
	}
	m, err := o.supervise(row, snap, att)
	if err != nil {
		return errors.Join(err, o.deps.Network.Detach(ctx, att))
	}

	if alive {
		if err := m.sup.Attach(ctx, *row.MicroVMPID); err != nil {
			o.forget(row.ID, m)
			return err
		}
		report.Attached = append(report.Attached, row.Name)
		return nil
	}

	if err := m.sup.Recover(ctx); err != nil {
		o.forget(row.ID, m)
		return err
	}
	report.Recovered = append(report.Recovered, row.Name)
	return nil
}
