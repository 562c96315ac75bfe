package wal_test

import (
	"context"
	"testing"

	"github.com/nkhsl/vaultfs/pkg/vaultfs/sector"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/vcrypto"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/vtypes"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/wal"
)

type memBlocks struct {
	blocks map[uint64][]byte
}

func newMemBlocks() *memBlocks { return &memBlocks{blocks: make(map[uint64][]byte)} }

func (m *memBlocks) ReadBlock(ctx context.Context, index uint64) ([]byte, error) {
	return append([]byte(nil), m.blocks[index]...), nil
}

func (m *memBlocks) WriteBlock(ctx context.Context, index uint64, ciphertext []byte) error {
	m.blocks[index] = append([]byte(nil), ciphertext...)
	return nil
}

func (m *memBlocks) DeleteBlocks(ctx context.Context, indices []uint64) error {
	for _, idx := range indices {
		delete(m.blocks, idx)
	}

	return nil
}

func newQueue(t *testing.T) (*wal.Queue, *sector.Allocator) {
	t.Helper()

	key, err := vcrypto.NewKey()
	if err != nil {
		t.Fatalf("new key: %v", err)
	}

	return newQueueOver(t, newMemBlocks(), key)
}

// newQueueOver builds a Queue with a fresh Sector Manager and allocator over
// an existing block store and key, as a reopened volume would have.
func newQueueOver(t *testing.T, blocks *memBlocks, key []byte) (*wal.Queue, *sector.Allocator) {
	t.Helper()

	crypto, err := vcrypto.New(vcrypto.CipherXChaCha20Poly1305)
	if err != nil {
		t.Fatalf("new crypto: %v", err)
	}

	alloc := sector.NewAllocator(0)

	sec, err := sector.NewManager(blocks, crypto, key, alloc, sector.DefaultCacheSize)
	if err != nil {
		t.Fatalf("new sector manager: %v", err)
	}

	return wal.New(sec, alloc), alloc
}

func Test_BeginTrans_Then_EndTrans_Clears_From_PendingAborts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, _ := newQueue(t)

	txid := vtypes.Txid(1)

	if err := q.BeginTrans(ctx, txid); err != nil {
		t.Fatalf("begin_trans: %v", err)
	}

	entries := []vtypes.WalEntry{{Action: vtypes.ActionNew, Kind: vtypes.KindFileNode}}

	if err := q.EndTrans(ctx, txid, entries); err != nil {
		t.Fatalf("end_trans: %v", err)
	}

	if pending := q.PendingAborts(); len(pending) != 0 {
		t.Fatalf("pending aborts after end_trans: got %d, want 0", len(pending))
	}
}

func Test_BeginAbort_Without_EndAbort_Reported_As_Pending(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, _ := newQueue(t)

	txid := vtypes.Txid(7)

	if err := q.BeginTrans(ctx, txid); err != nil {
		t.Fatalf("begin_trans: %v", err)
	}

	if err := q.BeginAbort(ctx, txid, nil); err != nil {
		t.Fatalf("begin_abort: %v", err)
	}

	pending := q.PendingAborts()
	if len(pending) != 1 || pending[0] != txid {
		t.Fatalf("pending aborts: got %v, want [%d]", pending, txid)
	}

	if err := q.EndAbort(ctx, txid); err != nil {
		t.Fatalf("end_abort: %v", err)
	}

	if pending := q.PendingAborts(); len(pending) != 0 {
		t.Fatalf("pending aborts after end_abort: got %d, want 0", len(pending))
	}
}

func Test_Load_Restores_Persisted_State_From_Space(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	blocks := newMemBlocks()

	key, err := vcrypto.NewKey()
	if err != nil {
		t.Fatalf("new key: %v", err)
	}

	q, alloc := newQueueOver(t, blocks, key)

	txid := vtypes.Txid(3)

	if err := q.BeginTrans(ctx, txid); err != nil {
		t.Fatalf("begin_trans: %v", err)
	}

	if err := q.BeginAbort(ctx, txid, []vtypes.WalEntry{{Action: vtypes.ActionDelete}}); err != nil {
		t.Fatalf("begin_abort: %v", err)
	}

	if err := q.SetWatermarks(ctx, 42, alloc.Watermark()); err != nil {
		t.Fatalf("set_watermarks: %v", err)
	}

	space := q.Space()

	q2, alloc2 := newQueueOver(t, blocks, key)
	alloc2.SetWatermark(alloc.Watermark())

	if err := q2.Load(ctx, space); err != nil {
		t.Fatalf("load: %v", err)
	}

	if got := q2.TxidWmark(); got != 42 {
		t.Fatalf("txid_wmark after load: got %d, want 42", got)
	}

	pending := q2.PendingAborts()
	if len(pending) != 1 || pending[0] != txid {
		t.Fatalf("pending aborts after load: got %v, want [%d]", pending, txid)
	}
}

func Test_Load_With_Zero_Space_Leaves_Queue_Empty(t *testing.T) {
	t.Parallel()

	q, _ := newQueue(t)

	if err := q.Load(context.Background(), vtypes.Space{}); err != nil {
		t.Fatalf("load: %v", err)
	}

	if got := q.TxidWmark(); got != 0 {
		t.Fatalf("txid_wmark: got %d, want 0", got)
	}

	if pending := q.PendingAborts(); len(pending) != 0 {
		t.Fatalf("pending aborts: got %d, want 0", len(pending))
	}
}
