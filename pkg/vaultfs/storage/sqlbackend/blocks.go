package sqlbackend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nkhsl/vaultfs/pkg/vaultfs/verrs"
)

// blockStore adapts the blocks table to [sector.BlockStore]. Unlike
// dirbackend's bucketed file layout, a flat indexed table needs no bucket
// directory scheme — SQLite's own B-tree index on block_index does that
// job.
type blockStore struct {
	db *sql.DB
}

func (b *blockStore) ReadBlock(ctx context.Context, index uint64) ([]byte, error) {
	var data []byte

	err := b.db.QueryRowContext(ctx, `SELECT ciphertext FROM blocks WHERE block_index = ?`, index).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlbackend: %w: block %d", verrs.ErrNotFound, index)
	}

	if err != nil {
		return nil, fmt.Errorf("sqlbackend: reading block %d: %w", index, err)
	}

	return data, nil
}

func (b *blockStore) WriteBlock(ctx context.Context, index uint64, ciphertext []byte) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO blocks(eid, txid, block_index, ciphertext) VALUES (x'', 0, ?, ?)
		 ON CONFLICT(eid, block_index) DO UPDATE SET ciphertext = excluded.ciphertext`,
		index, ciphertext)
	if err != nil {
		return fmt.Errorf("sqlbackend: writing block %d: %w", index, err)
	}

	return nil
}

func (b *blockStore) DeleteBlocks(ctx context.Context, indices []uint64) error {
	for _, idx := range indices {
		if _, err := b.db.ExecContext(ctx, `DELETE FROM blocks WHERE block_index = ?`, idx); err != nil {
			return fmt.Errorf("sqlbackend: deleting block %d: %w", idx, err)
		}
	}

	return nil
}
