// Package txmgr implements the Transaction Manager (spec §2, §4.7): the
// component that owns txid assignment, the live transaction set, the WAL
// Queue's begin/end bookkeeping around every commit and abort, and the
// crash-recovery redo-abort pass run at Open.
//
// Grounded on pkg/mddb/tx.go's begin/commit/rollback state-machine shape,
// generalized from a single in-process lock to multi-transaction tracking
// backed by the WAL Queue, and on launix-de/memcp's use of
// github.com/jtolds/gls for goroutine-scoped context, adapted here into an
// opt-in convenience layer: every method that must be correct regardless
// of which goroutine calls it takes txid explicitly; [Manager.WithTrans]
// is the only place gls's goroutine-local value appears, and it exists
// purely so callers like the file/directory facade can avoid threading a
// txid through every call.
package txmgr

import (
	"context"
	"fmt"
	"sync"

	"github.com/jtolds/gls"
	"github.com/rs/zerolog"

	"github.com/nkhsl/vaultfs/pkg/vaultfs/sector"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/storage"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/verrs"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/vlog"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/vtypes"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/wal"
)

// trans is the Transaction Manager's live bookkeeping for one open
// transaction, distinct from the backend's own [vtypes.Session]: this is
// purely the WAL-entry buffer and entity-lock set the manager needs to
// drive commit/abort, not the block-level overlay the backend tracks.
type trans struct {
	txid    vtypes.Txid
	entries []vtypes.WalEntry
	locked  map[vtypes.Eid]struct{}
}

// Manager is the Transaction Manager.
type Manager struct {
	vol    storage.Storage
	sec    *sector.Manager
	alloc  *sector.Allocator
	walq   *wal.Queue
	logger zerolog.Logger

	mu        sync.Mutex
	nextTxid  uint64
	txs       map[vtypes.Txid]*trans
	locked    map[vtypes.Eid]vtypes.Txid

	glsMgr *gls.ContextManager
}

// glsCurrentTxidKey is the gls context key [Manager.WithTrans] stores the
// active txid under.
const glsCurrentTxidKey = "vaultfs_txid"

// New builds a Manager over vol. vol must additionally implement
// [storage.SectorAccessor]; every reference Storage Backend driver in this
// module does.
func New(vol storage.Storage) (*Manager, error) {
	sa, ok := vol.(storage.SectorAccessor)
	if !ok {
		return nil, fmt.Errorf("txmgr: backend %T does not implement storage.SectorAccessor", vol)
	}

	return &Manager{
		vol:    vol,
		sec:    sa.Sector(),
		alloc:  sa.Alloc(),
		walq:   wal.New(sa.Sector(), sa.Alloc()),
		logger: vlog.Nop(),
		txs:    make(map[vtypes.Txid]*trans),
		locked: make(map[vtypes.Eid]vtypes.Txid),
		glsMgr: gls.NewContextManager(),
	}, nil
}

// SetLogger installs l as the destination for the diagnostics Manager
// emits for events that are logged rather than returned as errors (spec
// §4.7's "abort errors during redo are logged, not propagated"). Defaults
// to a no-op logger.
func (m *Manager) SetLogger(l zerolog.Logger) {
	m.logger = l
}

// Queue returns the Transaction Manager's WAL Queue, for embedding its
// space descriptor in the super-block payload.
func (m *Manager) Queue() *wal.Queue { return m.walq }

// Open loads the WAL Queue from walqSpace (the zero value for a fresh
// volume), opens the backend (running its crash recovery), takes the txid
// watermark as the larger of the WAL's persisted value and the backend's
// last committed txid, raises the allocator's watermark to the WAL's block
// watermark if that is higher, and replays any abort that was interrupted
// mid-flight (spec §4.7 "cold redo-abort on open").
func (m *Manager) Open(ctx context.Context, walqSpace vtypes.Space) error {
	if err := m.walq.Load(ctx, walqSpace); err != nil {
		return fmt.Errorf("txmgr: open: %w", err)
	}

	lastCommitted, err := m.vol.Open(ctx)
	if err != nil {
		return fmt.Errorf("txmgr: open: %w", err)
	}

	m.mu.Lock()
	m.nextTxid = m.walq.TxidWmark()
	if uint64(lastCommitted) > m.nextTxid {
		m.nextTxid = uint64(lastCommitted)
	}
	m.mu.Unlock()

	if w := m.walq.BlockWmark(); w > m.alloc.Watermark() {
		m.alloc.SetWatermark(w)
	}

	return m.redoAbort(ctx)
}

// redoAbort replays every transaction whose begin_abort was durably
// recorded but whose end_abort was not, whether run cold at Open or hot
// immediately before Begin assigns a fresh txid (spec §4.7: the two call
// sites share this one routine, since the work is identical either way).
// Per spec §4.7, failures here are logged, not propagated: a stuck abort
// must not prevent the volume from opening or new transactions from
// starting, since the abort will simply be retried on the next pass.
func (m *Manager) redoAbort(ctx context.Context) error {
	for _, txid := range m.walq.PendingAborts() {
		if err := m.vol.AbortTrans(ctx, txid); err != nil {
			m.logger.Error().Err(err).Uint64("txid", uint64(txid)).Msg("txmgr: redo-abort: backend abort failed, will retry")
			continue
		}

		if err := m.walq.EndAbort(ctx, txid); err != nil {
			m.logger.Error().Err(err).Uint64("txid", uint64(txid)).Msg("txmgr: redo-abort: end_abort record failed, will retry")
			continue
		}
	}

	return nil
}

// Begin assigns a fresh txid, durably records its begin_trans WAL entry,
// and starts the transaction against the backend (spec §4.7). It runs a
// hot redo-abort pass first, so a prior crash never blocks forward
// progress.
func (m *Manager) Begin(ctx context.Context) (vtypes.Txid, error) {
	if err := m.redoAbort(ctx); err != nil {
		return vtypes.NoTxid, err
	}

	m.mu.Lock()
	m.nextTxid++
	txid := vtypes.Txid(m.nextTxid)
	m.txs[txid] = &trans{txid: txid, locked: make(map[vtypes.Eid]struct{})}
	m.mu.Unlock()

	if err := m.walq.BeginTrans(ctx, txid); err != nil {
		m.forget(txid)
		return vtypes.NoTxid, fmt.Errorf("txmgr: begin: %w", err)
	}

	if err := m.walq.SetWatermarks(ctx, m.nextTxid, m.alloc.Watermark()); err != nil {
		m.forget(txid)
		return vtypes.NoTxid, fmt.Errorf("txmgr: begin: %w", err)
	}

	if err := m.vol.BeginTrans(ctx, txid); err != nil {
		m.forget(txid)
		return vtypes.NoTxid, fmt.Errorf("txmgr: begin: %w", err)
	}

	return txid, nil
}

func (m *Manager) forget(txid vtypes.Txid) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.txs[txid]
	if t == nil {
		return
	}

	for eid := range t.locked {
		delete(m.locked, eid)
	}

	delete(m.txs, txid)
}

func (m *Manager) trans(txid vtypes.Txid) (*trans, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.txs[txid]
	if !ok {
		return nil, fmt.Errorf("txmgr: %w: txid %d", verrs.ErrNoTrans, txid)
	}

	return t, nil
}

// AddToTrans acquires eid exclusively for txid, failing with
// [verrs.ErrInUse] if another live transaction already holds it (spec §4.7:
// "an entity may be mutated by at most one open transaction at a time").
func (m *Manager) AddToTrans(txid vtypes.Txid, eid vtypes.Eid) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.txs[txid]
	if !ok {
		return fmt.Errorf("txmgr: add_to_trans: %w: txid %d", verrs.ErrNoTrans, txid)
	}

	if holder, locked := m.locked[eid]; locked && holder != txid {
		return fmt.Errorf("txmgr: add_to_trans %s: %w", eid, verrs.ErrInUse)
	}

	m.locked[eid] = txid
	t.locked[eid] = struct{}{}

	return nil
}

// Record implements [github.com/nkhsl/vaultfs/pkg/vaultfs/cow.Journal],
// buffering eid's effect against txid's in-flight WAL record. The buffer
// is flushed as a single end_trans save at Commit, not per-call, so an
// aborted transaction leaves no partial WAL trace (spec §4.6).
func (m *Manager) Record(txid vtypes.Txid, eid vtypes.Eid, action vtypes.Action, kind vtypes.EntityKind, arm vtypes.Arm) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.txs[txid]
	if !ok {
		return
	}

	t.entries = append(t.entries, vtypes.WalEntry{Eid: eid, Action: action, Kind: kind, Arm: arm})
}

// Commit drives the backend's commit algorithm and then durably records
// txid's end_trans WAL entry (spec §4.4, §4.7). The backend commit (the
// durable .committed rename) happens before the WAL end_trans record is
// appended, so a crash between the two leaves the backend already
// committed with no WAL record yet asserting it — never the reverse.
func (m *Manager) Commit(ctx context.Context, txid vtypes.Txid) error {
	t, err := m.trans(txid)
	if err != nil {
		return fmt.Errorf("txmgr: commit: %w", err)
	}

	if err := m.vol.CommitTrans(ctx, txid); err != nil {
		return fmt.Errorf("txmgr: commit: %w", err)
	}

	if err := m.walq.EndTrans(ctx, txid, t.entries); err != nil {
		return fmt.Errorf("txmgr: commit: %w", err)
	}

	if err := m.walq.Compact(ctx, uint64(txid)); err != nil {
		return fmt.Errorf("txmgr: commit: compact: %w", err)
	}

	m.forget(txid)

	return nil
}

// Abort durably records txid's begin_abort WAL entry (so a crash mid-abort
// is resumable by [Manager.redoAbort]), drives the backend's rollback, and
// then records end_abort (spec §4.4, §4.6, §4.7).
func (m *Manager) Abort(ctx context.Context, txid vtypes.Txid) error {
	t, err := m.trans(txid)
	if err != nil {
		return fmt.Errorf("txmgr: abort: %w", err)
	}

	if err := m.walq.BeginAbort(ctx, txid, t.entries); err != nil {
		return fmt.Errorf("txmgr: abort: %w", err)
	}

	if err := m.vol.AbortTrans(ctx, txid); err != nil {
		return fmt.Errorf("txmgr: abort: %w", err)
	}

	if err := m.walq.EndAbort(ctx, txid); err != nil {
		return fmt.Errorf("txmgr: abort: %w", err)
	}

	m.forget(txid)

	return nil
}

// WithTrans begins a transaction, runs fn with it bound as the
// goroutine-local "current" txid (retrievable with [Manager.Current] from
// anywhere fn's call stack runs on the same goroutine), and commits on a
// nil return or aborts otherwise. It exists for callers like the
// file/directory facade that would otherwise need to thread a txid through
// every method; [Manager.Begin]/[Manager.Commit]/[Manager.Abort] remain
// the primitives this is built from and are what every other method on
// Manager uses directly.
func (m *Manager) WithTrans(ctx context.Context, fn func(ctx context.Context, txid vtypes.Txid) error) (err error) {
	txid, err := m.Begin(ctx)
	if err != nil {
		return err
	}

	m.glsMgr.SetValues(gls.Values{glsCurrentTxidKey: txid}, func() {
		err = fn(ctx, txid)
	})

	if err != nil {
		if abortErr := m.Abort(ctx, txid); abortErr != nil {
			return fmt.Errorf("txmgr: with_trans: %w (abort also failed: %v)", err, abortErr)
		}

		return err
	}

	return m.Commit(ctx, txid)
}

// Current returns the goroutine-local txid bound by an enclosing
// [Manager.WithTrans] call, or [vtypes.NoTxid] if none is active on this
// goroutine.
func (m *Manager) Current() vtypes.Txid {
	if v, ok := m.glsMgr.GetValue(glsCurrentTxidKey); ok {
		if txid, ok := v.(vtypes.Txid); ok {
			return txid
		}
	}

	return vtypes.NoTxid
}
