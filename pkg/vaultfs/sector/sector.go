// Package sector implements the Sector Manager (spec §2.3, §4.1): fixed-size
// encrypted block I/O over a backend's raw block store, with an in-memory
// LRU block cache keyed by (txid, block-index).
package sector

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nkhsl/vaultfs/pkg/vaultfs/vcrypto"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/verrs"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/vtypes"
)

// BlockStore is the raw block persistence a backend driver provides to the
// Sector Manager: addressed by block index, opaque ciphertext in, opaque
// ciphertext out. Allocation/recycling of indices is the Manager's concern,
// not the BlockStore's.
type BlockStore interface {
	ReadBlock(ctx context.Context, index uint64) ([]byte, error)
	WriteBlock(ctx context.Context, index uint64, ciphertext []byte) error
	// DeleteBlocks removes the given block indices; used by recycle/cleanup.
	DeleteBlocks(ctx context.Context, indices []uint64) error
}

// DefaultCacheSize is the default number of blocks held in the LRU cache.
const DefaultCacheSize = 1024

// Manager is the Sector Manager: it translates Space-relative byte
// read/writes into block-aligned, encrypted I/O against a [BlockStore],
// caching plaintext blocks by (txid, block-index).
type Manager struct {
	blocks    BlockStore
	crypto    *vcrypto.Facade
	volumeKey []byte

	mu    sync.Mutex
	cache *lru.Cache[vtypes.LocId, []byte]
	alloc *Allocator
}

// NewManager builds a Sector Manager over blocks, using crypto/volumeKey for
// per-block encryption and alloc for block-index allocation.
func NewManager(blocks BlockStore, crypto *vcrypto.Facade, volumeKey []byte, alloc *Allocator, cacheSize int) (*Manager, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}

	cache, err := lru.New[vtypes.LocId, []byte](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("sector: building cache: %w", err)
	}

	return &Manager{blocks: blocks, crypto: crypto, volumeKey: volumeKey, cache: cache, alloc: alloc}, nil
}

// byteRange describes the bytes of one block a Space's [offset, offset+n)
// range touches.
type byteRange struct {
	blockIndex uint64
	blockOff   int
	length     int
}

// plan walks space's spans and returns the sequence of per-block byte
// ranges covering [offset, offset+n) of the space's logical byte stream.
func plan(space vtypes.Space, offset uint64, n int) ([]byteRange, error) {
	if n == 0 {
		return nil, nil
	}

	var ranges []byteRange

	remainingSkip := offset
	remainingLen := uint64(n)

	for _, span := range space.Spans {
		spanCap := span.ByteCap() - uint64(span.Offset)

		if remainingSkip >= spanCap {
			remainingSkip -= spanCap
			continue
		}

		// Position within this span's logical bytes.
		pos := uint64(span.Offset) + remainingSkip
		remainingSkip = 0

		for blk := span.Begin; blk < span.End && remainingLen > 0; blk++ {
			blockStart := (blk - span.Begin) * vtypes.BlkSize
			blockEnd := blockStart + vtypes.BlkSize

			if pos >= blockEnd {
				continue
			}

			localOff := int(pos - blockStart)
			avail := vtypes.BlkSize - localOff
			take := avail

			if uint64(take) > remainingLen {
				take = int(remainingLen)
			}

			ranges = append(ranges, byteRange{blockIndex: blk, blockOff: localOff, length: take})

			remainingLen -= uint64(take)
			pos += uint64(take)
		}

		if remainingLen == 0 {
			break
		}
	}

	if remainingLen != 0 {
		return nil, fmt.Errorf("sector: %w: range [%d,%d) exceeds space capacity", verrs.ErrInvalidArgument, offset, offset+uint64(n))
	}

	return ranges, nil
}

// Read reads len(buf) bytes of space's logical content starting at offset.
func (m *Manager) Read(ctx context.Context, txid vtypes.Txid, space vtypes.Space, offset uint64, buf []byte) (int, error) {
	ranges, err := plan(space, offset, len(buf))
	if err != nil {
		return 0, err
	}

	pos := 0

	for _, r := range ranges {
		block, err := m.readBlock(ctx, txid, r.blockIndex)
		if err != nil {
			return pos, err
		}

		copy(buf[pos:pos+r.length], block[r.blockOff:r.blockOff+r.length])
		pos += r.length
	}

	return pos, nil
}

// Write writes buf into space's logical content starting at offset. space
// must already have enough block capacity reserved by the caller's
// allocator step; Write never grows a Space itself.
func (m *Manager) Write(ctx context.Context, txid vtypes.Txid, space vtypes.Space, offset uint64, buf []byte) (int, error) {
	ranges, err := plan(space, offset, len(buf))
	if err != nil {
		return 0, err
	}

	pos := 0

	for _, r := range ranges {
		var block []byte

		if r.length == vtypes.BlkSize {
			block = make([]byte, vtypes.BlkSize)
			copy(block, buf[pos:pos+r.length])
		} else {
			// Partial block: fetch existing content, merge, re-encrypt.
			block, err = m.readBlockOrZero(ctx, txid, r.blockIndex)
			if err != nil {
				return pos, err
			}

			copy(block[r.blockOff:r.blockOff+r.length], buf[pos:pos+r.length])
		}

		if err := m.writeBlock(ctx, txid, r.blockIndex, block); err != nil {
			return pos, err
		}

		pos += r.length
	}

	return pos, nil
}

func (m *Manager) readBlockOrZero(ctx context.Context, txid vtypes.Txid, index uint64) ([]byte, error) {
	block, err := m.readBlock(ctx, txid, index)
	if err == nil {
		out := make([]byte, vtypes.BlkSize)
		copy(out, block)

		return out, nil
	}

	// A never-written block within a freshly allocated span reads as zeros.
	return make([]byte, vtypes.BlkSize), nil
}

func (m *Manager) readBlock(ctx context.Context, txid vtypes.Txid, index uint64) ([]byte, error) {
	loc := vtypes.LocId{Txid: txid, BlockIndex: index}

	m.mu.Lock()
	if b, ok := m.cache.Get(loc); ok {
		m.mu.Unlock()
		return b, nil
	}
	m.mu.Unlock()

	ciphertext, err := m.blocks.ReadBlock(ctx, index)
	if err != nil {
		return nil, fmt.Errorf("sector: reading block %d: %w", index, err)
	}

	plaintext, err := m.crypto.DecryptBlockDeterministic(m.volumeKey, index, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("sector: %w: block %d", verrs.ErrCorrupted, index)
	}

	m.mu.Lock()
	m.cache.Add(loc, plaintext)
	m.mu.Unlock()

	return plaintext, nil
}

func (m *Manager) writeBlock(ctx context.Context, txid vtypes.Txid, index uint64, plaintext []byte) error {
	ciphertext, err := m.crypto.EncryptBlockDeterministic(m.volumeKey, index, plaintext)
	if err != nil {
		return fmt.Errorf("sector: %w: block %d", verrs.ErrEncrypt, index)
	}

	if err := m.blocks.WriteBlock(ctx, index, ciphertext); err != nil {
		return fmt.Errorf("sector: writing block %d: %w", index, err)
	}

	m.mu.Lock()
	m.cache.Add(vtypes.LocId{Txid: txid, BlockIndex: index}, plaintext)
	m.mu.Unlock()

	return nil
}

// RemoveCache invalidates a single cache entry. Callers must invalidate the
// tail block's cache entry before extending an existing Space whose tail
// occupies a partial block (spec §4.1).
func (m *Manager) RemoveCache(loc vtypes.LocId) {
	m.mu.Lock()
	m.cache.Remove(loc)
	m.mu.Unlock()
}

// Recycle returns the spans' blocks to the allocator's free list.
func (m *Manager) Recycle(spaces []vtypes.Space) {
	m.alloc.Recycle(spaces)
}

// Cleanup discards all uncommitted blocks of txid and their cache entries
// (spec §4.1). It relies entirely on the allocator's own per-txid dirty
// ledger rather than a caller-supplied list of spaces, since a crashed
// transaction's in-memory session overlay is gone by the time cleanup runs
// on cold open — the ledger is the only surviving record of which blocks
// txid touched.
func (m *Manager) Cleanup(ctx context.Context, txid vtypes.Txid) error {
	indices := m.alloc.TakeDirty(txid)
	if len(indices) == 0 {
		return nil
	}

	for _, blk := range indices {
		m.RemoveCache(vtypes.LocId{Txid: txid, BlockIndex: blk})
	}

	if err := m.blocks.DeleteBlocks(ctx, indices); err != nil {
		return fmt.Errorf("sector: cleanup txid %d: %w", txid, err)
	}

	m.alloc.Free(indices)

	return nil
}

// Allocate reserves n fresh blocks for txid (a recycled index for a
// single-block request when one is free, otherwise a contiguous range from
// the watermark), and records them in the allocator's per-txid dirty
// ledger so a later [Manager.Cleanup] can find them again after a crash.
func (m *Manager) Allocate(txid vtypes.Txid, n uint64) vtypes.Span {
	return m.alloc.Allocate(txid, n)
}

// SettleTxid discards txid's dirty-block ledger entry without freeing the
// blocks, called after a successful commit: those blocks are now part of
// the committed emap, not garbage, so they must not be handed back to the
// free list the way [Manager.Cleanup] would.
func (m *Manager) SettleTxid(txid vtypes.Txid) {
	m.alloc.TakeDirty(txid)
}
