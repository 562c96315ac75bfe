package sector

import (
	"sort"
	"sync"

	"github.com/nkhsl/vaultfs/pkg/vaultfs/vtypes"
)

// Allocator hands out fresh block indices and reclaims recycled ones. It is
// the block allocator watermark referenced in spec §5, mutated only under
// the writer lock (enforced by callers, typically the Transaction Manager).
type Allocator struct {
	mu    sync.Mutex
	wmark uint64
	free  []uint64 // sorted ascending, preferred over bumping wmark

	// dirty tracks, per live txid, the block indices allocated during that
	// transaction. A crashed or explicitly aborted transaction's session
	// overlay lives only in memory; this ledger is what lets
	// [Manager.Cleanup] "discard all uncommitted blocks of txid" (spec
	// §4.1) without needing the overlay to still be around.
	dirty map[vtypes.Txid][]uint64
}

// NewAllocator creates an Allocator starting at wmark (the backend's
// persisted block watermark on open).
func NewAllocator(wmark uint64) *Allocator {
	return &Allocator{wmark: wmark, dirty: make(map[vtypes.Txid][]uint64)}
}

// Allocate reserves n contiguous fresh blocks for txid and returns the
// resulting span. Recycled single blocks are not coalesced into a
// contiguous request larger than 1; Allocate always bumps the watermark for
// a multi-block span so that spans remain simple contiguous ranges.
func (a *Allocator) Allocate(txid vtypes.Txid, n uint64) vtypes.Span {
	a.mu.Lock()
	defer a.mu.Unlock()

	var span vtypes.Span

	if n == 1 && len(a.free) > 0 {
		idx := a.free[0]
		a.free = a.free[1:]
		span = vtypes.Span{Begin: idx, End: idx + 1}
	} else {
		begin := a.wmark
		a.wmark += n
		span = vtypes.Span{Begin: begin, End: begin + n}
	}

	for blk := span.Begin; blk < span.End; blk++ {
		a.dirty[txid] = append(a.dirty[txid], blk)
	}

	return span
}

// TakeDirty returns and clears the block indices allocated for txid,
// used by [Manager.Cleanup] and by a successful commit (which simply
// discards the ledger since those blocks are now part of the committed
// emap, not garbage).
func (a *Allocator) TakeDirty(txid vtypes.Txid) []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	blocks := a.dirty[txid]
	delete(a.dirty, txid)

	return blocks
}

// Watermark returns the current allocator watermark, for persistence in the
// WAL's block_wmark (spec §4.6).
func (a *Allocator) Watermark() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.wmark
}

// SetWatermark overwrites the watermark, used on cold-open recovery to
// re-derive it from observed state.
func (a *Allocator) SetWatermark(w uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.wmark = w
}

// Recycle returns the given spaces' blocks to the free list (spec §4.1,
// "recycle(spaces) returns the spans to the free list").
func (a *Allocator) Recycle(spaces []vtypes.Space) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, sp := range spaces {
		for _, span := range sp.Spans {
			for blk := span.Begin; blk < span.End; blk++ {
				a.free = append(a.free, blk)
			}
		}
	}

	sort.Slice(a.free, func(i, j int) bool { return a.free[i] < a.free[j] })
}

// Free releases block indices directly (used by Manager.Cleanup for
// never-committed blocks, which were never part of a Space recycle list).
func (a *Allocator) Free(indices []uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.free = append(a.free, indices...)
	sort.Slice(a.free, func(i, j int) bool { return a.free[i] < a.free[j] })
}

// FreeListContains reports whether idx is currently on the free list,
// exposed for S5's re-allocation observability test.
func (a *Allocator) FreeListContains(idx uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, v := range a.free {
		if v == idx {
			return true
		}
	}

	return false
}
