// Package storage defines the Storage Backend interface (spec §2.5, §4.3):
// block/address/super-block persistence plus the session lifecycle that
// backs the core's crash-consistency chain. [dirbackend] is the reference
// implementation; [sqlbackend] is a contract-equivalent alternate driver;
// [membackend] backs the mem:// scheme used by tests and ephemeral repos.
package storage

import (
	"context"

	"github.com/nkhsl/vaultfs/pkg/vaultfs/sector"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/vtypes"
)

// SectorAccessor is an optional capability a backend driver may implement
// to expose its Sector Manager and block Allocator directly. The WAL
// Queue and Transaction Manager need these (spec §4.7's state includes
// `walq, allocator` alongside the backend) to persist themselves outside
// the emap/session machinery ordinary entities go through.
type SectorAccessor interface {
	Sector() *sector.Manager
	Alloc() *sector.Allocator
}

// Storage is the trait the core's transactional engine consumes from a
// backend driver (spec §4.3).
type Storage interface {
	// Exists reports whether a volume already exists at this backend's
	// location.
	Exists(ctx context.Context) (bool, error)

	// Init initializes a fresh volume.
	Init(ctx context.Context) error

	// Open opens an existing volume and returns the last committed txid,
	// running any necessary crash recovery.
	Open(ctx context.Context) (vtypes.Txid, error)

	// Close releases resources held by the backend (lock file, open
	// descriptors, pooled connections).
	Close(ctx context.Context) error

	// GetSuperBlk returns the raw bytes of the currently-winning super-block
	// arm.
	GetSuperBlk(ctx context.Context) ([]byte, error)

	// PutSuperBlk persists a new super-block arm.
	PutSuperBlk(ctx context.Context, b []byte) error

	// Read reads len(buf) bytes of entity eid's content at offset. With
	// txid == vtypes.NoTxid the base (last committed) emap is consulted;
	// with a live txid, the session overlay is consulted first.
	Read(ctx context.Context, eid vtypes.Eid, offset uint64, buf []byte, txid vtypes.Txid) (int, error)

	// Write writes buf to entity eid at offset within the given (live)
	// transaction. offset == 0 creates or overwrites; any other offset must
	// equal the entity's current byte length (append), or
	// [verrs.ErrInvalidArgument] is returned.
	Write(ctx context.Context, eid vtypes.Eid, offset uint64, buf []byte, txid vtypes.Txid) (int, error)

	// Del marks eid for deletion within txid. Returns the eid if it existed,
	// or a zero Eid if it did not.
	Del(ctx context.Context, eid vtypes.Eid, txid vtypes.Txid) (vtypes.Eid, error)

	// BeginTrans starts a new session for txid.
	BeginTrans(ctx context.Context, txid vtypes.Txid) error

	// CommitTrans drives the directory backend's commit algorithm (spec
	// §4.4): Prepare, emap merge+persist, snapshot, Recycle+trim, Committed.
	CommitTrans(ctx context.Context, txid vtypes.Txid) error

	// AbortTrans drives the rollback algorithm (spec §4.4): discard blocks,
	// emap, and snapshot artifacts of txid, re-run recycle if needed, reload
	// base emap from the deque tail.
	AbortTrans(ctx context.Context, txid vtypes.Txid) error
}

// ByteLen reports the current committed (or, within txid, session-visible)
// byte length of eid, or ok == false if the entity does not exist.
//
// Implemented on top of Storage.Read is wasteful for backends that track
// length directly; backends may instead satisfy the optional
// [ByteLenQuerier] interface to skip the round trip, which [ByteLen] prefers
// when available.
type ByteLenQuerier interface {
	ByteLen(ctx context.Context, eid vtypes.Eid, txid vtypes.Txid) (uint64, bool, error)
}

// ByteLen returns s's current byte length for eid, using the
// [ByteLenQuerier] fast path when s implements it.
func ByteLen(ctx context.Context, s Storage, eid vtypes.Eid, txid vtypes.Txid) (uint64, bool, error) {
	if q, ok := s.(ByteLenQuerier); ok {
		return q.ByteLen(ctx, eid, txid)
	}

	// Fallback: read block-sized chunks until a short read. A failed read
	// is reported as "does not exist".
	var total uint64

	chunk := make([]byte, vtypes.BlkSize)

	for {
		n, err := s.Read(ctx, eid, total, chunk, txid)
		if err != nil {
			return 0, false, nil
		}

		total += uint64(n)
		if n < len(chunk) {
			return total, true, nil
		}
	}
}
