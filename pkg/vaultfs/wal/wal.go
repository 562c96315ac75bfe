// Package wal implements the WAL Queue (spec §2, §4.6): an ordered,
// persistent log of transaction lifecycle records — begin_trans,
// end_trans, begin_abort, end_abort — plus the two-watermark compaction
// state the Transaction Manager drives recovery from.
//
// The queue persists itself directly through the Sector Manager rather
// than through the Entity Map/session machinery the rest of the engine's
// entities use: it is infrastructure the recovery path needs before the
// emap can be trusted, so it cannot depend on the emap being intact.
// Grounded on pkg/mddb/wal.go's magic+length+CRC footer design and its
// begin/uncommitted/committed state machine, generalized from a
// single-writer document WAL to the multi-transaction lifecycle log spec
// §4.6 describes.
package wal

import (
	"context"
	"fmt"
	"sync"

	"github.com/nkhsl/vaultfs/pkg/vaultfs/codec"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/sector"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/vtypes"
)

var queueMagic = codec.Magic{'W', 'A', 'L', 'Q', 'v', '1', '_', '_'}

// transState tracks one not-yet-compacted transaction's WAL presence.
type transState struct {
	Began   bool
	Ended   bool
	Entries []vtypes.WalEntry
}

// queueState is the wire form persisted through the Sector Manager.
type queueState struct {
	TxidWmark  uint64
	BlockWmark uint64
	Trans      map[vtypes.Txid]*transState
	Aborting   map[vtypes.Txid][]vtypes.WalEntry
}

// Queue is the WAL Queue.
type Queue struct {
	sector *sector.Manager
	alloc  *sector.Allocator

	mu    sync.Mutex
	space vtypes.Space
	state queueState
}

// New builds an empty Queue over sec/alloc, the same Sector Manager and
// Allocator the volume's Storage Backend uses for entity blocks — the WAL
// queue's own blocks are drawn from the identical pool (spec §4.6
// "reserves one block ahead for itself").
func New(sec *sector.Manager, alloc *sector.Allocator) *Queue {
	return &Queue{
		sector: sec,
		alloc:  alloc,
		state: queueState{
			Trans:    make(map[vtypes.Txid]*transState),
			Aborting: make(map[vtypes.Txid][]vtypes.WalEntry),
		},
	}
}

// Load restores the queue from its previously persisted location, found
// via the super-block payload's walq space descriptor. A zero-value space
// (fresh volume, nothing ever saved) leaves the queue empty.
func (q *Queue) Load(ctx context.Context, space vtypes.Space) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.space = space

	if space.ByteLen == 0 {
		return nil
	}

	buf := make([]byte, space.ByteLen)

	if _, err := q.sector.Read(ctx, space.Txid, space, 0, buf); err != nil {
		return fmt.Errorf("wal: loading queue: %w", err)
	}

	var st queueState
	if err := codec.Decode(buf, queueMagic, &st); err != nil {
		return fmt.Errorf("wal: decoding queue: %w", err)
	}

	if st.Trans == nil {
		st.Trans = make(map[vtypes.Txid]*transState)
	}

	if st.Aborting == nil {
		st.Aborting = make(map[vtypes.Txid][]vtypes.WalEntry)
	}

	q.state = st

	return nil
}

// Space returns the queue's current persisted location, for embedding in
// the super-block payload.
func (q *Queue) Space() vtypes.Space {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.space
}

func ceilDivBlocks(n uint64) uint64 {
	if n == 0 {
		return 0
	}

	return (n + vtypes.BlkSize - 1) / vtypes.BlkSize
}

// persistLocked encodes and writes the current state, growing the queue's
// reserved space if the encoding no longer fits. Caller must hold q.mu.
func (q *Queue) persistLocked(ctx context.Context) error {
	encoded, err := codec.Encode(queueMagic, q.state)
	if err != nil {
		return fmt.Errorf("wal: encoding queue: %w", err)
	}

	capacity := q.space.TotalBlocks() * vtypes.BlkSize
	if uint64(len(encoded)) > capacity {
		need := ceilDivBlocks(uint64(len(encoded)) - capacity)
		span := q.alloc.Allocate(vtypes.NoTxid, need)
		q.space.Spans = append(q.space.Spans, span)
	}

	q.space.ByteLen = uint64(len(encoded))

	if _, err := q.sector.Write(ctx, vtypes.NoTxid, q.space, 0, encoded); err != nil {
		return fmt.Errorf("wal: writing queue: %w", err)
	}

	return nil
}

// BeginTrans records that txid has started (spec §4.6: "a record exists on
// disk when its begin_trans save has been durably written").
func (q *Queue) BeginTrans(ctx context.Context, txid vtypes.Txid) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.state.Trans[txid] = &transState{Began: true}

	return q.persistLocked(ctx)
}

// EndTrans records txid's committed effects (spec §4.6: "its effect is
// considered persisted only after the matching end_trans save").
func (q *Queue) EndTrans(ctx context.Context, txid vtypes.Txid, entries []vtypes.WalEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	ts := q.state.Trans[txid]
	if ts == nil {
		ts = &transState{Began: true}
		q.state.Trans[txid] = ts
	}

	ts.Ended = true
	ts.Entries = entries

	return q.persistLocked(ctx)
}

// BeginAbort records that txid is being rolled back.
func (q *Queue) BeginAbort(ctx context.Context, txid vtypes.Txid, entries []vtypes.WalEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.state.Aborting[txid] = entries

	return q.persistLocked(ctx)
}

// EndAbort records that txid's rollback finished.
func (q *Queue) EndAbort(ctx context.Context, txid vtypes.Txid) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.state.Aborting, txid)
	delete(q.state.Trans, txid)

	return q.persistLocked(ctx)
}

// PendingAborts returns the txids whose begin_abort was recorded but whose
// end_abort was not — the work a redo-abort pass (hot, before starting a
// new transaction, or cold, on open) must replay (spec §4.6).
func (q *Queue) PendingAborts() []vtypes.Txid {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]vtypes.Txid, 0, len(q.state.Aborting))
	for txid := range q.state.Aborting {
		out = append(out, txid)
	}

	return out
}

// SetWatermarks persists the allocator's reserved-through block position and
// the txid watermark (spec §4.6). txidWmark is stored as given; the
// Transaction Manager passes the txid it has just assigned, so the stored
// value is the last assigned txid, not the next unassigned one.
func (q *Queue) SetWatermarks(ctx context.Context, txidWmark, blockWmark uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.state.TxidWmark = txidWmark
	q.state.BlockWmark = blockWmark

	return q.persistLocked(ctx)
}

// TxidWmark returns the persisted txid watermark: the last txid the
// Transaction Manager assigned before the latest save.
func (q *Queue) TxidWmark() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.state.TxidWmark
}

// BlockWmark returns the allocator's reserved-through block index.
func (q *Queue) BlockWmark() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.state.BlockWmark
}

// Compact drops begin/end_trans records for txids below belowTxid (spec
// §3: "entries are compacted when their effects have been reflected in the
// last retained snapshot and their txid is below txid_wmark"). Aborting
// entries are never compacted by txid alone — they are cleared only by
// EndAbort, since an incomplete abort must survive compaction to be found
// by redo-abort.
func (q *Queue) Compact(ctx context.Context, belowTxid uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	changed := false

	for txid, ts := range q.state.Trans {
		if uint64(txid) < belowTxid && ts.Ended {
			delete(q.state.Trans, txid)
			changed = true
		}
	}

	if !changed {
		return nil
	}

	return q.persistLocked(ctx)
}
