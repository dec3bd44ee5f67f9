package models

import (
	"context"
	"database/sql"
	"time"
)

// Image is one pulled reference. HeadCID is empty until the merged rootfs
// of the image has been built.
type Image struct {
	ID         int64
	Reference  string
	SizeBytes  int64
	HeadCID    string
	LastUsedAt time.Time
	CreatedAt  time.Time
	ModifiedAt time.Time
}

const imageColumns = `id, reference, size_bytes, head_cid, last_used_at, created_at, modified_at`

func scanImage(row interface{ Scan(...any) error }) (*Image, error) {
	var (
		img                             Image
		headCID                         sql.NullString
		lastUsed, createdAt, modifiedAt int64
	)
	if err := row.Scan(&img.ID, &img.Reference, &img.SizeBytes, &headCID, &lastUsed, &createdAt, &modifiedAt); err != nil {
		return nil, notFound(err)
	}
	img.HeadCID = headCID.String
	img.LastUsedAt = unix(lastUsed)
	img.CreatedAt = unix(createdAt)
	img.ModifiedAt = unix(modifiedAt)
	return &img, nil
}

// UpsertImage creates the image row or refreshes its size. The head cid is
// cleared since the metadata is about to be replaced.
func UpsertImage(ctx context.Context, q Querier, reference string, sizeBytes int64) (int64, error) {
	now := time.Now().Unix()
	query := `
		INSERT INTO images (reference, size_bytes, head_cid, last_used_at, created_at, modified_at)
		VALUES (?, ?, NULL, ?, ?, ?)
		ON CONFLICT (reference) DO UPDATE SET
			size_bytes = excluded.size_bytes,
			head_cid = NULL,
			modified_at = excluded.modified_at
		RETURNING id
	`
	var id int64
	err := q.QueryRowContext(ctx, query, reference, sizeBytes, now, now, now).Scan(&id)
	return id, err
}

func GetImageByReference(ctx context.Context, q Querier, reference string) (*Image, error) {
	query := `SELECT ` + imageColumns + ` FROM images WHERE reference = ?`
	return scanImage(q.QueryRowContext(ctx, query, reference))
}

func ListImages(ctx context.Context, q Querier) ([]*Image, error) {
	query := `SELECT ` + imageColumns + ` FROM images ORDER BY reference`
	return queryImages(ctx, q, query)
}

// ListEvictionCandidates returns built images no Starting/Running/Stopping
// sandbox uses, least recently used first.
func ListEvictionCandidates(ctx context.Context, q Querier, limit int) ([]*Image, error) {
	query := `
		SELECT ` + imageColumns + ` FROM images
		WHERE reference NOT IN (
			SELECT image_reference FROM sandboxes
			WHERE status IN ('starting', 'running', 'stopping')
		)
		ORDER BY last_used_at ASC, id ASC
		LIMIT ?
	`
	if limit <= 0 {
		limit = -1
	}
	return queryImages(ctx, q, query, limit)
}

func queryImages(ctx context.Context, q Querier, query string, args ...any) ([]*Image, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var images []*Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

func SetImageHeadCID(ctx context.Context, q Querier, id int64, headCID string) error {
	query := `UPDATE images SET head_cid = ?, modified_at = ? WHERE id = ?`
	return expectOne(q.ExecContext(ctx, query, headCID, time.Now().Unix(), id))
}

// TouchImage marks the image as used now.
func TouchImage(ctx context.Context, q Querier, reference string, at time.Time) error {
	query := `UPDATE images SET last_used_at = ? WHERE reference = ?`
	return expectOne(q.ExecContext(ctx, query, at.Unix(), reference))
}

func DeleteImage(ctx context.Context, q Querier, id int64) error {
	query := `DELETE FROM images WHERE id = ?`
	return expectOne(q.ExecContext(ctx, query, id))
}

func expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
