package models

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type Index struct {
	ID              int64
	ImageID         int64
	SchemaVersion   int64
	MediaType       string
	Digest          string
	PlatformOS      string
	PlatformArch    string
	PlatformVariant string
	Annotations     map[string]string
}

type Manifest struct {
	ID            int64
	ImageID       int64
	IndexID       *int64
	SchemaVersion int64
	MediaType     string
	Digest        string
	Annotations   map[string]string
}

// Config mirrors the OCI image config. DiffIDs has exactly one entry per
// manifest layer.
type Config struct {
	ID           int64
	ManifestID   int64
	MediaType    string
	Created      time.Time
	Architecture string
	OS           string
	OSVariant    string
	Env          []string
	Cmd          []string
	Entrypoint   []string
	WorkingDir   string
	User         string
	Volumes      []string
	ExposedPorts []string
	DiffIDs      []string
	History      []HistoryEntry
}

type HistoryEntry struct {
	Created    time.Time `json:"created,omitempty"`
	CreatedBy  string    `json:"created_by,omitempty"`
	Comment    string    `json:"comment,omitempty"`
	EmptyLayer bool      `json:"empty_layer,omitempty"`
}

// ImageMetadata is everything recorded for one pull of an image.
type ImageMetadata struct {
	Index    *Index
	Manifest Manifest
	Config   Config
	LayerIDs []int64 // manifest order
}

// ReplaceImageMetadata drops the metadata previously stored for imageID and
// writes meta in its place. It must run inside a transaction.
func ReplaceImageMetadata(ctx context.Context, q Querier, imageID int64, meta *ImageMetadata) error {
	if len(meta.Config.DiffIDs) != len(meta.LayerIDs) {
		return fmt.Errorf("config lists %d diff ids for %d layers", len(meta.Config.DiffIDs), len(meta.LayerIDs))
	}

	// configs and manifest_layers cascade from manifests
	for _, query := range []string{
		`DELETE FROM manifests WHERE image_id = ?`,
		`DELETE FROM indexes WHERE image_id = ?`,
	} {
		if _, err := q.ExecContext(ctx, query, imageID); err != nil {
			return fmt.Errorf("clear image metadata: %w", err)
		}
	}

	now := time.Now().Unix()

	var indexID sql.NullInt64
	if idx := meta.Index; idx != nil {
		annotations, err := toJSON(idx.Annotations)
		if err != nil {
			return err
		}
		query := `
			INSERT INTO indexes (image_id, schema_version, media_type, digest, platform_os, platform_arch, platform_variant, annotations_json, created_at, modified_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id
		`
		err = q.QueryRowContext(ctx, query, imageID, idx.SchemaVersion, idx.MediaType, idx.Digest,
			nullString(idx.PlatformOS), nullString(idx.PlatformArch), nullString(idx.PlatformVariant),
			annotations, now, now).Scan(&indexID.Int64)
		if err != nil {
			return fmt.Errorf("insert index: %w", err)
		}
		indexID.Valid = true
		idx.ID = indexID.Int64
		idx.ImageID = imageID
	}

	m := &meta.Manifest
	annotations, err := toJSON(m.Annotations)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO manifests (image_id, index_id, schema_version, media_type, digest, annotations_json, created_at, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`
	if err := q.QueryRowContext(ctx, query, imageID, indexID, m.SchemaVersion, m.MediaType, m.Digest, annotations, now, now).Scan(&m.ID); err != nil {
		return fmt.Errorf("insert manifest: %w", err)
	}
	m.ImageID = imageID
	if indexID.Valid {
		m.IndexID = &indexID.Int64
	}

	if err := insertConfig(ctx, q, m.ID, &meta.Config, now); err != nil {
		return err
	}

	for pos, layerID := range meta.LayerIDs {
		query := `INSERT INTO manifest_layers (manifest_id, layer_id, position) VALUES (?, ?, ?)`
		if _, err := q.ExecContext(ctx, query, m.ID, layerID, pos); err != nil {
			return fmt.Errorf("link layer %d: %w", pos, err)
		}
	}
	return nil
}

func insertConfig(ctx context.Context, q Querier, manifestID int64, c *Config, now int64) error {
	jsonCols := make([]string, 0, 7)
	for _, v := range []any{c.Env, c.Cmd, c.Entrypoint, c.Volumes, c.ExposedPorts, c.DiffIDs, c.History} {
		s, err := toJSON(v)
		if err != nil {
			return err
		}
		jsonCols = append(jsonCols, s)
	}

	var created sql.NullInt64
	if !c.Created.IsZero() {
		created = sql.NullInt64{Int64: c.Created.Unix(), Valid: true}
	}

	query := `
		INSERT INTO configs (manifest_id, media_type, created, architecture, os, os_variant,
			env_json, cmd_json, entrypoint_json, working_dir, user, volumes_json, exposed_ports_json,
			rootfs_diff_ids_json, history_json, created_at, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`
	err := q.QueryRowContext(ctx, query, manifestID, c.MediaType, created, c.Architecture, c.OS, nullString(c.OSVariant),
		jsonCols[0], jsonCols[1], jsonCols[2], nullString(c.WorkingDir), nullString(c.User), jsonCols[3], jsonCols[4],
		jsonCols[5], jsonCols[6], now, now).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("insert config: %w", err)
	}
	c.ManifestID = manifestID
	return nil
}

// GetImageConfig returns the config recorded for the image with the given reference.
func GetImageConfig(ctx context.Context, q Querier, reference string) (*Config, error) {
	query := `
		SELECT c.id, c.manifest_id, c.media_type, c.created, c.architecture, c.os, c.os_variant,
			c.env_json, c.cmd_json, c.entrypoint_json, c.working_dir, c.user, c.volumes_json,
			c.exposed_ports_json, c.rootfs_diff_ids_json, c.history_json
		FROM configs c
		JOIN manifests m ON m.id = c.manifest_id
		JOIN images i ON i.id = m.image_id
		WHERE i.reference = ?
	`
	var (
		c                                          Config
		created                                    sql.NullInt64
		osVariant, workingDir, user                sql.NullString
		env, cmd, entrypoint, volumes, ports, hist sql.NullString
		diffIDs                                    string
	)
	err := q.QueryRowContext(ctx, query, reference).Scan(&c.ID, &c.ManifestID, &c.MediaType, &created,
		&c.Architecture, &c.OS, &osVariant, &env, &cmd, &entrypoint, &workingDir, &user, &volumes,
		&ports, &diffIDs, &hist)
	if err != nil {
		return nil, notFound(err)
	}

	if created.Valid {
		c.Created = unix(created.Int64)
	}
	c.OSVariant = osVariant.String
	c.WorkingDir = workingDir.String
	c.User = user.String

	decode := []struct {
		src sql.NullString
		dst any
	}{
		{env, &c.Env},
		{cmd, &c.Cmd},
		{entrypoint, &c.Entrypoint},
		{volumes, &c.Volumes},
		{ports, &c.ExposedPorts},
		{sql.NullString{String: diffIDs, Valid: true}, &c.DiffIDs},
		{hist, &c.History},
	}
	for _, d := range decode {
		if err := fromJSON(d.src, d.dst); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}
	return &c, nil
}

// GetManifest returns the manifest of the image with the given reference.
func GetManifest(ctx context.Context, q Querier, reference string) (*Manifest, error) {
	query := `
		SELECT m.id, m.image_id, m.index_id, m.schema_version, m.media_type, m.digest, m.annotations_json
		FROM manifests m
		JOIN images i ON i.id = m.image_id
		WHERE i.reference = ?
	`
	var (
		m           Manifest
		indexID     sql.NullInt64
		annotations sql.NullString
	)
	err := q.QueryRowContext(ctx, query, reference).Scan(&m.ID, &m.ImageID, &indexID, &m.SchemaVersion, &m.MediaType, &m.Digest, &annotations)
	if err != nil {
		return nil, notFound(err)
	}
	if indexID.Valid {
		m.IndexID = &indexID.Int64
	}
	if err := fromJSON(annotations, &m.Annotations); err != nil {
		return nil, err
	}
	return &m, nil
}

// ListImageLayers returns the layers of an image in manifest order.
func ListImageLayers(ctx context.Context, q Querier, reference string) ([]*Layer, error) {
	query := `
		SELECT ` + prefixed("l", layerColumns) + `
		FROM layers l
		JOIN manifest_layers ml ON ml.layer_id = l.id
		JOIN manifests m ON m.id = ml.manifest_id
		JOIN images i ON i.id = m.image_id
		WHERE i.reference = ?
		ORDER BY ml.position
	`
	return queryLayers(ctx, q, query, reference)
}
