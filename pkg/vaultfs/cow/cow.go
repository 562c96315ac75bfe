// Package cow implements the COW Layer (spec §2, §4.5): typed,
// reference-counted, versioned entities whose in-transaction mutations
// target the inactive arm and whose commit/abort is a free consequence of
// the Storage Backend's own atomic session-merge-or-discard semantics —
// see the package-level note below on why no separate "flip" step is
// needed here.
//
// Grounded on pkg/mddb/tx.go's buffered-ops-then-flush transaction
// pattern, generalized from "batch of document writes" to "one persisted
// two-slot descriptor per logical entity".
package cow

import (
	"context"
	"fmt"

	"github.com/nkhsl/vaultfs/pkg/vaultfs/codec"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/storage"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/verrs"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/vtypes"
)

// Journal is the WAL-recording surface a [Manager] needs from the
// Transaction Manager; kept minimal so this package never imports txmgr
// (txmgr imports cow, not the reverse). txid is always the caller's own,
// already-live transaction, passed explicitly rather than recovered from
// goroutine-local state, so a Manager's correctness never depends on which
// goroutine happens to call it.
type Journal interface {
	Record(txid vtypes.Txid, eid vtypes.Eid, action vtypes.Action, kind vtypes.EntityKind, arm vtypes.Arm)
}

// descriptor is the two-slot record persisted per COW entity. Arm names
// the slot a committed reader sees; MakeMut always writes the opposite
// slot and flips Arm immediately — the flip only becomes visible to other
// transactions at commit because the whole descriptor write lives in the
// session overlay until then (spec §4.5 "on abort, the off-arm slot is
// discarded and arm is unchanged" falls out of the backend discarding the
// whole overlay, not from any extra bookkeeping here).
type descriptor[T any] struct {
	Arm    vtypes.Arm
	Refcnt uint32
	Left   *T
	Right  *T
}

func (d *descriptor[T]) get(arm vtypes.Arm) *T {
	if arm == vtypes.ArmLeft {
		return d.Left
	}

	return d.Right
}

func (d *descriptor[T]) set(arm vtypes.Arm, v *T) {
	if arm == vtypes.ArmLeft {
		d.Left = v
		return
	}

	d.Right = v
}

// Manager mediates one logical COW entity type T, persisting descriptors
// through storage under kind's tag and recording WAL entries through
// journal.
type Manager[T any] struct {
	store   storage.Storage
	journal Journal
	kind    vtypes.EntityKind
	magic   codec.Magic
}

// NewManager builds a Manager for entity kind over store, recording WAL
// entries through journal. magic distinguishes T's encoded frames from
// other entity kinds sharing the same storage (spec §9 "polymorphic
// persisted entities").
func NewManager[T any](store storage.Storage, journal Journal, kind vtypes.EntityKind, magic codec.Magic) *Manager[T] {
	return &Manager[T]{store: store, journal: journal, kind: kind, magic: magic}
}

func (m *Manager[T]) decode(raw []byte) (descriptor[T], error) {
	var d descriptor[T]
	if err := codec.Decode(raw, m.magic, &d); err != nil {
		return descriptor[T]{}, fmt.Errorf("cow: decoding %s: %w", m.kind, err)
	}

	return d, nil
}

func (m *Manager[T]) read(ctx context.Context, eid vtypes.Eid, txid vtypes.Txid) (descriptor[T], error) {
	length, ok, err := storage.ByteLen(ctx, m.store, eid, txid)
	if err != nil {
		return descriptor[T]{}, fmt.Errorf("cow: reading %s %s: %w", m.kind, eid, err)
	}

	if !ok {
		return descriptor[T]{}, fmt.Errorf("cow: %w: %s %s", verrs.ErrNoEntity, m.kind, eid)
	}

	buf := make([]byte, length)

	if _, err := m.store.Read(ctx, eid, 0, buf, txid); err != nil {
		return descriptor[T]{}, fmt.Errorf("cow: reading %s %s: %w", m.kind, eid, err)
	}

	return m.decode(buf)
}

func (m *Manager[T]) write(ctx context.Context, eid vtypes.Eid, txid vtypes.Txid, d descriptor[T]) error {
	encoded, err := codec.Encode(m.magic, d)
	if err != nil {
		return fmt.Errorf("cow: encoding %s %s: %w", m.kind, eid, err)
	}

	if _, err := m.store.Write(ctx, eid, 0, encoded, txid); err != nil {
		return fmt.Errorf("cow: writing %s %s: %w", m.kind, eid, err)
	}

	return nil
}

// IntoCow creates a new COW entity within txid, writing value to the Right
// arm and recording a [vtypes.ActionNew] WAL entry (spec §4.5).
func (m *Manager[T]) IntoCow(ctx context.Context, txid vtypes.Txid, value T) (vtypes.Eid, error) {
	eid, err := vtypes.NewEid()
	if err != nil {
		return vtypes.Eid{}, fmt.Errorf("cow: %w", err)
	}

	d := descriptor[T]{Arm: vtypes.ArmRight, Refcnt: 1, Right: &value}

	if err := m.write(ctx, eid, txid, d); err != nil {
		return vtypes.Eid{}, err
	}

	m.journal.Record(txid, eid, vtypes.ActionNew, m.kind, d.Arm)

	return eid, nil
}

// Get returns a read-only copy of eid's currently committed value. txid ==
// [vtypes.NoTxid] reads the last committed state; a live txid consults that
// transaction's session overlay first.
func (m *Manager[T]) Get(ctx context.Context, txid vtypes.Txid, eid vtypes.Eid) (T, error) {
	d, err := m.read(ctx, eid, txid)
	if err != nil {
		var zero T
		return zero, err
	}

	v := d.get(d.Arm)
	if v == nil {
		var zero T
		return zero, fmt.Errorf("cow: %w: %s %s has no value on its current arm", verrs.ErrCorrupted, m.kind, eid)
	}

	return *v, nil
}

// MakeMut ensures the off-arm holds a mutable clone of eid's current value
// within txid, flips the descriptor's current arm to it, and returns a
// pointer the caller may mutate in place before the transaction commits
// (spec §4.5).
func (m *Manager[T]) MakeMut(ctx context.Context, txid vtypes.Txid, eid vtypes.Eid) (*T, error) {
	if txid.IsNone() {
		return nil, fmt.Errorf("cow: make_mut: %w", verrs.ErrNotInTrans)
	}

	d, err := m.read(ctx, eid, txid)
	if err != nil {
		return nil, err
	}

	current := d.get(d.Arm)
	if current == nil {
		return nil, fmt.Errorf("cow: %w: %s %s has no value on its current arm", verrs.ErrCorrupted, m.kind, eid)
	}

	clone := *current
	offArm := d.Arm.Flip()
	d.set(offArm, &clone)
	d.Arm = offArm

	if err := m.write(ctx, eid, txid, d); err != nil {
		return nil, err
	}

	m.journal.Record(txid, eid, vtypes.ActionUpdate, m.kind, d.Arm)

	return d.get(d.Arm), nil
}

// MakeDel marks eid for deletion on commit within txid, recording a
// [vtypes.ActionDelete] WAL entry. Fails with [verrs.ErrInUse] if eid's
// reference count exceeds 1 (spec §4.5).
func (m *Manager[T]) MakeDel(ctx context.Context, txid vtypes.Txid, eid vtypes.Eid) error {
	if txid.IsNone() {
		return fmt.Errorf("cow: make_del: %w", verrs.ErrNotInTrans)
	}

	d, err := m.read(ctx, eid, txid)
	if err != nil {
		return err
	}

	if d.Refcnt > 1 {
		return fmt.Errorf("cow: make_del %s %s: %w", m.kind, eid, verrs.ErrInUse)
	}

	if _, err := m.store.Del(ctx, eid, txid); err != nil {
		return fmt.Errorf("cow: deleting %s %s: %w", m.kind, eid, err)
	}

	m.journal.Record(txid, eid, vtypes.ActionDelete, m.kind, d.Arm)

	return nil
}

// IncRef increments eid's reference count within txid, failing with
// [verrs.ErrRefOverflow] rather than wrapping (spec §4.5).
func (m *Manager[T]) IncRef(ctx context.Context, txid vtypes.Txid, eid vtypes.Eid) error {
	if txid.IsNone() {
		return fmt.Errorf("cow: incref: %w", verrs.ErrNotInTrans)
	}

	d, err := m.read(ctx, eid, txid)
	if err != nil {
		return err
	}

	if d.Refcnt == ^uint32(0) {
		return fmt.Errorf("cow: incref %s %s: %w", m.kind, eid, verrs.ErrRefOverflow)
	}

	d.Refcnt++

	return m.write(ctx, eid, txid, d)
}

// DecRef decrements eid's reference count within txid, failing with
// [verrs.ErrRefUnderflow] if it is already zero (spec §4.5).
func (m *Manager[T]) DecRef(ctx context.Context, txid vtypes.Txid, eid vtypes.Eid) error {
	if txid.IsNone() {
		return fmt.Errorf("cow: decref: %w", verrs.ErrNotInTrans)
	}

	d, err := m.read(ctx, eid, txid)
	if err != nil {
		return err
	}

	if d.Refcnt == 0 {
		return fmt.Errorf("cow: decref %s %s: %w", m.kind, eid, verrs.ErrRefUnderflow)
	}

	d.Refcnt--

	return m.write(ctx, eid, txid, d)
}

// Refcnt returns eid's current reference count.
func (m *Manager[T]) Refcnt(ctx context.Context, txid vtypes.Txid, eid vtypes.Eid) (uint32, error) {
	d, err := m.read(ctx, eid, txid)
	if err != nil {
		return 0, err
	}

	return d.Refcnt, nil
}
