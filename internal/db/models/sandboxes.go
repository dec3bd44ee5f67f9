package models

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

type SandboxStatus string

const (
	StatusPending  SandboxStatus = "pending"
	StatusStarting SandboxStatus = "starting"
	StatusRunning  SandboxStatus = "running"
	StatusStopping SandboxStatus = "stopping"
	StatusStopped  SandboxStatus = "stopped"
	StatusCrashed  SandboxStatus = "crashed"
	StatusFailed   SandboxStatus = "failed"
)

// Active reports whether a supervisor is expected to own the sandbox.
func (s SandboxStatus) Active() bool {
	return s == StatusStarting || s == StatusRunning || s == StatusStopping
}

// Sandbox is the persisted state of one workload. SupervisorPID and
// MicroVMPID are only meaningful while the status is active.
type Sandbox struct {
	ID                 int64
	Name               string
	GroupID            int64
	GroupName          string
	ImageReference     string
	ConfigFile         string // desired-state snapshot
	ConfigLastModified time.Time
	Status             SandboxStatus
	SupervisorPID      *int
	MicroVMPID         *int
	RootfsPaths        string
	GroupIP            string
	Restarts           int
	LastExitCode       *int
	Error              string
	CreatedAt          time.Time
	ModifiedAt         time.Time
}

const sandboxSelect = `
	SELECT s.id, s.name, s.group_id, g.name, s.image_reference, s.config_file, s.config_last_modified,
		s.status, s.supervisor_pid, s.microvm_pid, s.rootfs_paths, s.group_ip, s.restarts,
		s.last_exit_code, s.error, s.created_at, s.modified_at
	FROM sandboxes s
	JOIN "groups" g ON g.id = s.group_id
`

func scanSandbox(row interface{ Scan(...any) error }) (*Sandbox, error) {
	var (
		s                         Sandbox
		status                    string
		supervisorPID, microvmPID sql.NullInt64
		exitCode                  sql.NullInt64
		groupIP                   sql.NullString
		configModified            int64
		createdAt, modifiedAt     int64
	)
	err := row.Scan(&s.ID, &s.Name, &s.GroupID, &s.GroupName, &s.ImageReference, &s.ConfigFile, &configModified,
		&status, &supervisorPID, &microvmPID, &s.RootfsPaths, &groupIP, &s.Restarts,
		&exitCode, &s.Error, &createdAt, &modifiedAt)
	if err != nil {
		return nil, notFound(err)
	}
	s.Status = SandboxStatus(status)
	s.SupervisorPID = intPtr(supervisorPID)
	s.MicroVMPID = intPtr(microvmPID)
	s.LastExitCode = intPtr(exitCode)
	s.GroupIP = groupIP.String
	s.ConfigLastModified = unix(configModified)
	s.CreatedAt = unix(createdAt)
	s.ModifiedAt = unix(modifiedAt)
	return &s, nil
}

// UpsertSandbox records the desired state of a sandbox. New rows start
// Pending; existing rows keep their runtime state.
func UpsertSandbox(ctx context.Context, q Querier, s *Sandbox) (int64, error) {
	now := time.Now().Unix()
	query := `
		INSERT INTO sandboxes (name, group_id, image_reference, config_file, config_last_modified, status, rootfs_paths, created_at, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (group_id, name) DO UPDATE SET
			image_reference = excluded.image_reference,
			config_file = excluded.config_file,
			config_last_modified = excluded.config_last_modified,
			rootfs_paths = excluded.rootfs_paths,
			modified_at = excluded.modified_at
		RETURNING id
	`
	var id int64
	err := q.QueryRowContext(ctx, query, s.Name, s.GroupID, s.ImageReference, s.ConfigFile,
		s.ConfigLastModified.Unix(), string(StatusPending), s.RootfsPaths, now, now).Scan(&id)
	if err != nil {
		return 0, err
	}
	s.ID = id
	return id, nil
}

func GetSandbox(ctx context.Context, q Querier, group, name string) (*Sandbox, error) {
	return scanSandbox(q.QueryRowContext(ctx, sandboxSelect+` WHERE g.name = ? AND s.name = ?`, group, name))
}

func GetSandboxByID(ctx context.Context, q Querier, id int64) (*Sandbox, error) {
	return scanSandbox(q.QueryRowContext(ctx, sandboxSelect+` WHERE s.id = ?`, id))
}

// SandboxFilter narrows ListSandboxes. Empty fields match everything.
type SandboxFilter struct {
	Group    string
	Names    []string
	Statuses []SandboxStatus
}

func ListSandboxes(ctx context.Context, q Querier, f SandboxFilter) ([]*Sandbox, error) {
	var (
		where []string
		args  []any
	)
	if f.Group != "" {
		where = append(where, "g.name = ?")
		args = append(args, f.Group)
	}
	if len(f.Names) > 0 {
		where = append(where, "s.name IN ("+placeholders(len(f.Names))+")")
		for _, n := range f.Names {
			args = append(args, n)
		}
	}
	if len(f.Statuses) > 0 {
		where = append(where, "s.status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}

	query := sandboxSelect
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY g.name, s.name"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sandboxes []*Sandbox
	for rows.Next() {
		s, err := scanSandbox(rows)
		if err != nil {
			return nil, err
		}
		sandboxes = append(sandboxes, s)
	}
	return sandboxes, rows.Err()
}

// SandboxState is the runtime part of a sandbox row written by its supervisor.
type SandboxState struct {
	Status        SandboxStatus
	SupervisorPID *int
	MicroVMPID    *int
	LastExitCode  *int
	Error         string
}

func UpdateSandboxState(ctx context.Context, q Querier, id int64, st SandboxState) error {
	query := `
		UPDATE sandboxes SET
			status = ?, supervisor_pid = ?, microvm_pid = ?, last_exit_code = ?, error = ?, modified_at = ?
		WHERE id = ?
	`
	return expectOne(q.ExecContext(ctx, query, string(st.Status), nullInt(st.SupervisorPID), nullInt(st.MicroVMPID),
		nullInt(st.LastExitCode), st.Error, time.Now().Unix(), id))
}

// SetSandboxStatus changes only the status, leaving pids and errors alone.
func SetSandboxStatus(ctx context.Context, q Querier, id int64, status SandboxStatus) error {
	query := `UPDATE sandboxes SET status = ?, modified_at = ? WHERE id = ?`
	return expectOne(q.ExecContext(ctx, query, string(status), time.Now().Unix(), id))
}

// IncrementRestarts bumps the restart counter and returns the new value.
func IncrementRestarts(ctx context.Context, q Querier, id int64) (int, error) {
	query := `UPDATE sandboxes SET restarts = restarts + 1, modified_at = ? WHERE id = ? RETURNING restarts`
	var n int
	err := q.QueryRowContext(ctx, query, time.Now().Unix(), id).Scan(&n)
	return n, notFound(err)
}

func ResetRestarts(ctx context.Context, q Querier, id int64) error {
	query := `UPDATE sandboxes SET restarts = 0, modified_at = ? WHERE id = ?`
	return expectOne(q.ExecContext(ctx, query, time.Now().Unix(), id))
}

// SetSandboxIP stores the group address of a sandbox; "" clears it.
func SetSandboxIP(ctx context.Context, q Querier, id int64, ip string) error {
	query := `UPDATE sandboxes SET group_ip = ?, modified_at = ? WHERE id = ?`
	return expectOne(q.ExecContext(ctx, query, nullString(ip), time.Now().Unix(), id))
}

// ListGroupIPs returns the addresses currently held in a group.
func ListGroupIPs(ctx context.Context, q Querier, groupID int64) ([]string, error) {
	return queryStrings(ctx, q, `SELECT group_ip FROM sandboxes WHERE group_id = ? AND group_ip IS NOT NULL`, groupID)
}

func DeleteSandbox(ctx context.Context, q Querier, id int64) error {
	return expectOne(q.ExecContext(ctx, `DELETE FROM sandboxes WHERE id = ?`, id))
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
