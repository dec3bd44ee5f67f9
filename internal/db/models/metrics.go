package models

import (
	"context"
	"errors"
	"time"
)

// SandboxMetrics is one resource sample. Disk*Bytes are the deltas since the
// previous sample, TotalDisk* the guest's cumulative counters.
type SandboxMetrics struct {
	ID             int64
	SandboxID      int64
	Timestamp      time.Time
	CPUUsage       float64 // percent of one core
	MemoryUsage    uint64  // resident bytes
	DiskReadBytes  uint64
	DiskWriteBytes uint64
	TotalDiskRead  uint64
	TotalDiskWrite uint64
}

const metricsColumns = `id, sandbox_id, timestamp, cpu_usage, memory_usage, disk_read_bytes, disk_write_bytes, total_disk_read, total_disk_write`

func scanMetrics(row interface{ Scan(...any) error }) (*SandboxMetrics, error) {
	var (
		m  SandboxMetrics
		ts int64
	)
	err := row.Scan(&m.ID, &m.SandboxID, &ts, &m.CPUUsage, &m.MemoryUsage, &m.DiskReadBytes,
		&m.DiskWriteBytes, &m.TotalDiskRead, &m.TotalDiskWrite)
	if err != nil {
		return nil, notFound(err)
	}
	m.Timestamp = time.UnixMilli(ts)
	return &m, nil
}

// InsertMetrics appends a sample. Timestamps are stored in milliseconds and
// kept strictly increasing per sandbox: a sample that is not newer than the
// last one is moved one millisecond past it.
func InsertMetrics(ctx context.Context, q Querier, m *SandboxMetrics) error {
	ts := m.Timestamp.UnixMilli()

	last, err := LastMetricsTimestamp(ctx, q, m.SandboxID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err == nil && ts <= last.UnixMilli() {
		ts = last.UnixMilli() + 1
	}

	query := `
		INSERT INTO sandbox_metrics (sandbox_id, timestamp, cpu_usage, memory_usage, disk_read_bytes, disk_write_bytes, total_disk_read, total_disk_write)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`
	err = q.QueryRowContext(ctx, query, m.SandboxID, ts, m.CPUUsage, int64(m.MemoryUsage), int64(m.DiskReadBytes),
		int64(m.DiskWriteBytes), int64(m.TotalDiskRead), int64(m.TotalDiskWrite)).Scan(&m.ID)
	if err != nil {
		return err
	}
	m.Timestamp = time.UnixMilli(ts)
	return nil
}

func LastMetricsTimestamp(ctx context.Context, q Querier, sandboxID int64) (time.Time, error) {
	var ts *int64
	err := q.QueryRowContext(ctx, `SELECT MAX(timestamp) FROM sandbox_metrics WHERE sandbox_id = ?`, sandboxID).Scan(&ts)
	if err != nil {
		return time.Time{}, err
	}
	if ts == nil {
		return time.Time{}, ErrNotFound
	}
	return time.UnixMilli(*ts), nil
}

func LatestMetrics(ctx context.Context, q Querier, sandboxID int64) (*SandboxMetrics, error) {
	query := `SELECT ` + metricsColumns + ` FROM sandbox_metrics WHERE sandbox_id = ? ORDER BY timestamp DESC LIMIT 1`
	return scanMetrics(q.QueryRowContext(ctx, query, sandboxID))
}

// ListMetrics returns the samples of a sandbox taken at or after since, oldest first.
func ListMetrics(ctx context.Context, q Querier, sandboxID int64, since time.Time) ([]*SandboxMetrics, error) {
	query := `SELECT ` + metricsColumns + ` FROM sandbox_metrics WHERE sandbox_id = ? AND timestamp >= ? ORDER BY timestamp`
	rows, err := q.QueryContext(ctx, query, sandboxID, since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []*SandboxMetrics
	for rows.Next() {
		m, err := scanMetrics(rows)
		if err != nil {
			return nil, err
		}
		samples = append(samples, m)
	}
	return samples, rows.Err()
}

// PruneMetrics deletes samples of a sandbox older than before.
func PruneMetrics(ctx context.Context, q Querier, sandboxID int64, before time.Time) (int64, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM sandbox_metrics WHERE sandbox_id = ? AND timestamp < ?`, sandboxID, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
