package models

import (
	"context"
	"strings"
	"time"
)

type Layer struct {
	ID        int64
	Digest    string
	DiffID    string
	MediaType string
	SizeBytes int64
	CreatedAt time.Time
}

const layerColumns = `id, digest, diff_id, media_type, size_bytes, created_at`

func prefixed(alias, columns string) string {
	cols := strings.Split(columns, ", ")
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

func scanLayer(row interface{ Scan(...any) error }) (*Layer, error) {
	var (
		l         Layer
		createdAt int64
	)
	if err := row.Scan(&l.ID, &l.Digest, &l.DiffID, &l.MediaType, &l.SizeBytes, &createdAt); err != nil {
		return nil, notFound(err)
	}
	l.CreatedAt = unix(createdAt)
	return &l, nil
}

// UpsertLayer records a layer once per digest and returns its id.
// Layers are immutable, so an existing row is returned unchanged.
func UpsertLayer(ctx context.Context, q Querier, l *Layer) (int64, error) {
	now := time.Now().Unix()
	query := `
		INSERT INTO layers (digest, diff_id, media_type, size_bytes, created_at, modified_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (digest) DO UPDATE SET digest = excluded.digest
		RETURNING id
	`
	var id int64
	if err := q.QueryRowContext(ctx, query, l.Digest, l.DiffID, l.MediaType, l.SizeBytes, now, now).Scan(&id); err != nil {
		return 0, err
	}
	l.ID = id
	return id, nil
}

func GetLayerByDigest(ctx context.Context, q Querier, digest string) (*Layer, error) {
	query := `SELECT ` + layerColumns + ` FROM layers WHERE digest = ?`
	return scanLayer(q.QueryRowContext(ctx, query, digest))
}

// ListUnreferencedLayers returns layers no manifest and no chain points to.
func ListUnreferencedLayers(ctx context.Context, q Querier) ([]*Layer, error) {
	query := `
		SELECT ` + layerColumns + ` FROM layers
		WHERE id NOT IN (SELECT layer_id FROM manifest_layers)
		  AND id NOT IN (SELECT layer_id FROM layer_chain_entries)
		ORDER BY id
	`
	return queryLayers(ctx, q, query)
}

func DeleteLayer(ctx context.Context, q Querier, id int64) error {
	return expectOne(q.ExecContext(ctx, `DELETE FROM layers WHERE id = ?`, id))
}

func queryLayers(ctx context.Context, q Querier, query string, args ...any) ([]*Layer, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var layers []*Layer
	for rows.Next() {
		l, err := scanLayer(rows)
		if err != nil {
			return nil, err
		}
		layers = append(layers, l)
	}
	return layers, rows.Err()
}
