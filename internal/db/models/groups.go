package models

import (
	"context"
	"time"
)

type Group struct {
	ID         int64
	Name       string
	Subnet     string
	Reach      string
	CreatedAt  time.Time
	ModifiedAt time.Time
}

const groupColumns = `id, name, subnet, reach, created_at, modified_at`

func scanGroup(row interface{ Scan(...any) error }) (*Group, error) {
	var (
		g                     Group
		createdAt, modifiedAt int64
	)
	if err := row.Scan(&g.ID, &g.Name, &g.Subnet, &g.Reach, &createdAt, &modifiedAt); err != nil {
		return nil, notFound(err)
	}
	g.CreatedAt = unix(createdAt)
	g.ModifiedAt = unix(modifiedAt)
	return &g, nil
}

func InsertGroup(ctx context.Context, q Querier, name, subnet, reach string) (*Group, error) {
	now := time.Now().Unix()
	query := `
		INSERT INTO "groups" (name, subnet, reach, created_at, modified_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING ` + groupColumns
	return scanGroup(q.QueryRowContext(ctx, query, name, subnet, reach, now, now))
}

func SetGroupReach(ctx context.Context, q Querier, id int64, reach string) error {
	query := `UPDATE "groups" SET reach = ?, modified_at = ? WHERE id = ?`
	return expectOne(q.ExecContext(ctx, query, reach, time.Now().Unix(), id))
}

func GetGroupByName(ctx context.Context, q Querier, name string) (*Group, error) {
	query := `SELECT ` + groupColumns + ` FROM "groups" WHERE name = ?`
	return scanGroup(q.QueryRowContext(ctx, query, name))
}

func ListGroups(ctx context.Context, q Querier) ([]*Group, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+groupColumns+` FROM "groups" ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []*Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// ListSubnets returns every subnet handed out to a group.
func ListSubnets(ctx context.Context, q Querier) ([]string, error) {
	return queryStrings(ctx, q, `SELECT subnet FROM "groups"`)
}

func CountGroupSandboxes(ctx context.Context, q Querier, groupID int64) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM sandboxes WHERE group_id = ?`, groupID).Scan(&n)
	return n, err
}

func DeleteGroup(ctx context.Context, q Querier, id int64) error {
	return expectOne(q.ExecContext(ctx, `DELETE FROM "groups" WHERE id = ?`, id))
}

func queryStrings(ctx context.Context, q Querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
