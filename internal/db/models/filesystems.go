package models

import (
	"context"
	"database/sql"
	"time"
)

// Filesystem records a mounted sandbox rootfs and the processes holding it.
type Filesystem struct {
	ID            int64
	SandboxID     int64
	SupervisorPID int
	OverlayfsPID  *int
	MountPath     string
	CreatedAt     time.Time
}

// UpsertFilesystem records the active mount of a sandbox. There is at most
// one per sandbox.
func UpsertFilesystem(ctx context.Context, q Querier, f *Filesystem) error {
	now := time.Now().Unix()
	query := `
		INSERT INTO filesystems (sandbox_id, supervisor_pid, overlayfs_pid, mount_path, created_at, modified_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (sandbox_id) DO UPDATE SET
			supervisor_pid = excluded.supervisor_pid,
			overlayfs_pid = excluded.overlayfs_pid,
			mount_path = excluded.mount_path,
			modified_at = excluded.modified_at
		RETURNING id
	`
	return q.QueryRowContext(ctx, query, f.SandboxID, f.SupervisorPID, nullInt(f.OverlayfsPID), f.MountPath, now, now).Scan(&f.ID)
}

func GetFilesystem(ctx context.Context, q Querier, sandboxID int64) (*Filesystem, error) {
	query := `SELECT id, sandbox_id, supervisor_pid, overlayfs_pid, mount_path, created_at FROM filesystems WHERE sandbox_id = ?`

	var (
		f         Filesystem
		overlay   sql.NullInt64
		createdAt int64
	)
	err := q.QueryRowContext(ctx, query, sandboxID).Scan(&f.ID, &f.SandboxID, &f.SupervisorPID, &overlay, &f.MountPath, &createdAt)
	if err != nil {
		return nil, notFound(err)
	}
	f.OverlayfsPID = intPtr(overlay)
	f.CreatedAt = unix(createdAt)
	return &f, nil
}

// DeleteFilesystem clears the mount record. A missing record is not an error.
func DeleteFilesystem(ctx context.Context, q Querier, sandboxID int64) error {
	_, err := q.ExecContext(ctx, `DELETE FROM filesystems WHERE sandbox_id = ?`, sandboxID)
	return err
}
