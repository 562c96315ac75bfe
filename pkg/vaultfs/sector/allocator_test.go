package sector_test

import (
	"testing"

	"github.com/nkhsl/vaultfs/pkg/vaultfs/sector"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/vtypes"
)

func Test_Allocate_Advances_Watermark_And_Tracks_Dirty_Blocks(t *testing.T) {
	t.Parallel()

	a := sector.NewAllocator(0)

	span := a.Allocate(vtypes.Txid(1), 3)

	if span.Begin != 0 || span.End != 3 {
		t.Fatalf("span: got [%d, %d), want [0, 3)", span.Begin, span.End)
	}

	if got := a.Watermark(); got != 3 {
		t.Fatalf("watermark: got %d, want 3", got)
	}

	dirty := a.TakeDirty(vtypes.Txid(1))
	if len(dirty) != 3 {
		t.Fatalf("dirty blocks: got %d, want 3", len(dirty))
	}

	// TakeDirty is destructive: a second call returns nothing for the same
	// txid, matching its "consume on cleanup/settle" contract.
	if again := a.TakeDirty(vtypes.Txid(1)); len(again) != 0 {
		t.Fatalf("second take_dirty: got %d entries, want 0", len(again))
	}
}

func Test_TakeDirty_Isolates_Concurrent_Transactions(t *testing.T) {
	t.Parallel()

	a := sector.NewAllocator(0)

	a.Allocate(vtypes.Txid(1), 2)
	a.Allocate(vtypes.Txid(2), 2)

	dirty1 := a.TakeDirty(vtypes.Txid(1))
	if len(dirty1) != 2 {
		t.Fatalf("txid 1 dirty: got %d, want 2", len(dirty1))
	}

	dirty2 := a.TakeDirty(vtypes.Txid(2))
	if len(dirty2) != 2 {
		t.Fatalf("txid 2 dirty: got %d, want 2", len(dirty2))
	}

	for _, idx := range dirty1 {
		for _, other := range dirty2 {
			if idx == other {
				t.Fatalf("block %d claimed by both transactions' dirty ledgers", idx)
			}
		}
	}
}

func Test_Free_Returns_Single_Blocks_To_Free_List_For_Reuse(t *testing.T) {
	t.Parallel()

	a := sector.NewAllocator(0)

	a.Allocate(vtypes.Txid(1), 1)
	a.Free([]uint64{0})

	if !a.FreeListContains(0) {
		t.Fatal("expected block 0 on the free list after Free")
	}

	span := a.Allocate(vtypes.Txid(2), 1)
	if span.Begin != 0 {
		t.Fatalf("expected freed block 0 to be reused, got %d", span.Begin)
	}
}
