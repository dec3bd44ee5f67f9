package models

import (
	"context"
	"fmt"
	"time"
)

// LayerChain is one merged rootfs identified by the OCI chain id of its layers.
type LayerChain struct {
	ID        int64
	ChainID   string
	HeadCID   string
	CreatedAt time.Time
}

func GetChain(ctx context.Context, q Querier, chainID string) (*LayerChain, error) {
	query := `SELECT id, chain_id, head_cid, created_at FROM layer_chains WHERE chain_id = ?`

	var (
		c         LayerChain
		createdAt int64
	)
	if err := q.QueryRowContext(ctx, query, chainID).Scan(&c.ID, &c.ChainID, &c.HeadCID, &createdAt); err != nil {
		return nil, notFound(err)
	}
	c.CreatedAt = unix(createdAt)
	return &c, nil
}

// InsertChain stores a chain and its ordered layer ids. A layer that appears
// twice in the stack is recorded at its first position only. Re-inserting an
// existing chain id replaces its head cid and entries. Run it inside a transaction.
func InsertChain(ctx context.Context, q Querier, chainID, headCID string, layerIDs []int64) (*LayerChain, error) {
	now := time.Now().Unix()
	query := `
		INSERT INTO layer_chains (chain_id, head_cid, created_at, modified_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (chain_id) DO UPDATE SET
			head_cid = excluded.head_cid,
			modified_at = excluded.modified_at
		RETURNING id, created_at
	`
	chain := &LayerChain{ChainID: chainID, HeadCID: headCID}
	var createdAt int64
	if err := q.QueryRowContext(ctx, query, chainID, headCID, now, now).Scan(&chain.ID, &createdAt); err != nil {
		return nil, fmt.Errorf("insert chain: %w", err)
	}
	chain.CreatedAt = unix(createdAt)

	if _, err := q.ExecContext(ctx, `DELETE FROM layer_chain_entries WHERE chain_id = ?`, chain.ID); err != nil {
		return nil, fmt.Errorf("clear chain entries: %w", err)
	}

	seen := make(map[int64]struct{}, len(layerIDs))
	for pos, layerID := range layerIDs {
		if _, dup := seen[layerID]; dup {
			continue
		}
		seen[layerID] = struct{}{}

		query := `INSERT INTO layer_chain_entries (chain_id, layer_id, position) VALUES (?, ?, ?)`
		if _, err := q.ExecContext(ctx, query, chain.ID, layerID, pos); err != nil {
			return nil, fmt.Errorf("insert chain entry %d: %w", pos, err)
		}
	}
	return chain, nil
}

// ListChainEntries returns the layers of a chain in stacking order.
func ListChainEntries(ctx context.Context, q Querier, chainID string) ([]*Layer, error) {
	query := `
		SELECT ` + prefixed("l", layerColumns) + `
		FROM layer_chain_entries e
		JOIN layer_chains c ON c.id = e.chain_id
		JOIN layers l ON l.id = e.layer_id
		WHERE c.chain_id = ?
		ORDER BY e.position
	`
	return queryLayers(ctx, q, query, chainID)
}

// ListChainsByHead returns every chain whose merged tree is headCID.
func ListChainsByHead(ctx context.Context, q Querier, headCID string) ([]*LayerChain, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, chain_id, head_cid, created_at FROM layer_chains WHERE head_cid = ?`, headCID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chains []*LayerChain
	for rows.Next() {
		var (
			c         LayerChain
			createdAt int64
		)
		if err := rows.Scan(&c.ID, &c.ChainID, &c.HeadCID, &createdAt); err != nil {
			return nil, err
		}
		c.CreatedAt = unix(createdAt)
		chains = append(chains, &c)
	}
	return chains, rows.Err()
}

func DeleteChain(ctx context.Context, q Querier, id int64) error {
	return expectOne(q.ExecContext(ctx, `DELETE FROM layer_chains WHERE id = ?`, id))
}
