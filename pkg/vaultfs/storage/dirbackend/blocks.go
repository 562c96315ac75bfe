package dirbackend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/nkhsl/vaultfs/internal/fsutil"
)

// blockStore adapts Directory's blocks/<bucket>/<idx> layout to
// [sector.BlockStore].
type blockStore struct {
	dir *Directory
}

func (b *blockStore) blockPath(index uint64) string {
	bucket := strconv.FormatUint(index/blockBucket, 10)
	name := strconv.FormatUint(index%blockBucket, 10)

	return b.dir.path(blocksDir, bucket, name)
}

func (b *blockStore) ReadBlock(ctx context.Context, index uint64) ([]byte, error) {
	data, err := b.dir.fs.ReadFile(b.blockPath(index))
	if err != nil {
		return nil, fmt.Errorf("dirbackend: reading block %d: %w", index, err)
	}

	return data, nil
}

func (b *blockStore) WriteBlock(ctx context.Context, index uint64, ciphertext []byte) error {
	path := b.blockPath(index)

	if err := b.dir.fs.MkdirAll(filepathDir(path), dirPerms); err != nil {
		return fmt.Errorf("dirbackend: creating block dir: %w", err)
	}

	err := b.dir.atomic.Write(path, bytesReader(ciphertext), fsutil.AtomicWriteOptions{
		SyncDir: true,
		Perm:    filePerms,
	})
	if err != nil {
		return fmt.Errorf("dirbackend: writing block %d: %w", index, err)
	}

	return nil
}

func (b *blockStore) DeleteBlocks(ctx context.Context, indices []uint64) error {
	for _, idx := range indices {
		err := b.dir.fs.Remove(b.blockPath(idx))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("dirbackend: deleting block %d: %w", idx, err)
		}
	}

	return nil
}
