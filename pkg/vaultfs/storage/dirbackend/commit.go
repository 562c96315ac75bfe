package dirbackend

import (
	"context"
	"fmt"
	"sort"

	"github.com/nkhsl/vaultfs/internal/fsutil"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/storage"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/verrs"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/vtypes"
)

// BeginTrans implements [storage.Storage]: it creates the on-disk
// "<txid>-<seq>.started" marker and the in-memory session state a
// transaction's writes accumulate into.
func (d *Directory) BeginTrans(ctx context.Context, txid vtypes.Txid) error {
	d.mu.Lock()
	seq := d.nextSeq
	d.nextSeq++
	d.sessions[txid] = vtypes.NewSession(txid, seq)
	d.mu.Unlock()

	if err := d.createSessionFile(txid, seq); err != nil {
		return fmt.Errorf("dirbackend: begin_trans %d: %w", txid, err)
	}

	return nil
}

// CommitTrans drives the directory backend's commit algorithm (spec §4.4):
// Started -> Prepare, merge+persist the session emap, snapshot, Prepare ->
// Recycle (+trim), Recycle -> Committed.
func (d *Directory) CommitTrans(ctx context.Context, txid vtypes.Txid) error {
	d.mu.Lock()
	sess := d.sessions[txid]
	d.mu.Unlock()

	if sess == nil {
		return fmt.Errorf("dirbackend: commit_trans: %w: txid %d", verrs.ErrNoTrans, txid)
	}

	if err := d.renameSessionStatus(txid, sess.Seq, vtypes.StatusStarted, vtypes.StatusPrepare); err != nil {
		return fmt.Errorf("dirbackend: commit_trans %d: %w", txid, err)
	}

	sess.Status = vtypes.StatusPrepare

	if err := d.writeEmap(txid, sess.Emap); err != nil {
		return fmt.Errorf("dirbackend: commit_trans %d: %w", txid, err)
	}

	d.emap.Merge(sess.Emap, sess.Deleted)

	snap := vtypes.Snapshot{
		Seq:     sess.Seq,
		Txid:    txid,
		Wmark:   d.alloc.Watermark(),
		Recycle: sess.Recycle,
		Emap:    d.emap.Snapshot(),
	}

	if err := d.writeSnapshot(snap); err != nil {
		return fmt.Errorf("dirbackend: commit_trans %d: %w", txid, err)
	}

	d.mu.Lock()
	d.snaps = append(d.snaps, snap)
	d.mu.Unlock()

	if err := d.renameSessionStatus(txid, sess.Seq, vtypes.StatusPrepare, vtypes.StatusRecycle); err != nil {
		return fmt.Errorf("dirbackend: commit_trans %d: %w", txid, err)
	}

	sess.Status = vtypes.StatusRecycle

	if err := d.recycle(ctx); err != nil {
		return fmt.Errorf("dirbackend: commit_trans %d: %w", txid, err)
	}

	if err := d.renameSessionStatus(txid, sess.Seq, vtypes.StatusRecycle, vtypes.StatusCommitted); err != nil {
		return fmt.Errorf("dirbackend: commit_trans %d: %w", txid, err)
	}

	d.sector.SettleTxid(txid)

	d.mu.Lock()
	delete(d.sessions, txid)
	d.mu.Unlock()

	return nil
}

// recycle trims the snapshot deque to [vtypes.MaxSnapshotCnt], disposing
// older snapshots: marking their session file ".dispose", returning their
// recycle spans to the sector manager, and deleting their emap/snapshot
// artifacts (spec §4.4 step 4).
func (d *Directory) recycle(ctx context.Context) error {
	d.mu.Lock()
	var stale []vtypes.Snapshot
	for len(d.snaps) > vtypes.MaxSnapshotCnt {
		stale = append(stale, d.snaps[0])
		d.snaps = d.snaps[1:]
	}
	d.mu.Unlock()

	for _, snap := range stale {
		if err := d.disposeSnapshot(ctx, snap); err != nil {
			return err
		}
	}

	return nil
}

// disposeSnapshot retires one snapshot that fell off the retained deque.
func (d *Directory) disposeSnapshot(ctx context.Context, snap vtypes.Snapshot) error {
	if err := d.renameSessionStatus(snap.Txid, snap.Seq, vtypes.StatusCommitted, vtypes.StatusDispose); err != nil {
		return fmt.Errorf("dirbackend: disposing snapshot %d: %w", snap.Txid, err)
	}

	d.sector.Recycle(snap.Recycle)

	if err := d.removeEmap(snap.Txid); err != nil {
		return fmt.Errorf("dirbackend: disposing snapshot %d: %w", snap.Txid, err)
	}

	if err := d.removeSnapshot(snap.Txid); err != nil {
		return fmt.Errorf("dirbackend: disposing snapshot %d: %w", snap.Txid, err)
	}

	if err := d.removeSessionFile(snap.Txid, snap.Seq, vtypes.StatusDispose); err != nil {
		return fmt.Errorf("dirbackend: disposing snapshot %d: %w", snap.Txid, err)
	}

	return nil
}

// AbortTrans drives the rollback algorithm (spec §4.4): discard blocks,
// emap, and snapshot artifacts of txid, re-run recycle if it was reached,
// then reload the base emap from the deque's tail snapshot.
func (d *Directory) AbortTrans(ctx context.Context, txid vtypes.Txid) error {
	d.mu.Lock()
	sess := d.sessions[txid]
	d.mu.Unlock()

	if sess == nil {
		return fmt.Errorf("dirbackend: abort_trans: %w: txid %d", verrs.ErrNoTrans, txid)
	}

	if err := d.rollback(ctx, txid, sess.Seq, sess.Status); err != nil {
		return err
	}

	d.mu.Lock()
	delete(d.sessions, txid)
	d.mu.Unlock()

	return nil
}

// rollback implements the cleanup(status) matrix shared by explicit
// AbortTrans and cold-open recovery of a crashed tail session (spec §4.4):
//
//	Started  -> drop blocks of txid
//	Prepare  -> as Started, plus drop emap + snapshot of txid
//	Recycle  -> as Prepare, plus re-run recycle() to finish the deferred trim
//
// Committed and Dispose never reach here (spec: "terminal and never
// cleaned").
func (d *Directory) rollback(ctx context.Context, txid vtypes.Txid, seq uint64, status vtypes.SessionStatus) error {
	if err := d.sector.Cleanup(ctx, txid); err != nil {
		return fmt.Errorf("dirbackend: rollback %d: %w", txid, err)
	}

	if status == vtypes.StatusPrepare || status == vtypes.StatusRecycle {
		if err := d.removeEmap(txid); err != nil {
			return fmt.Errorf("dirbackend: rollback %d: %w", txid, err)
		}

		if err := d.removeSnapshot(txid); err != nil {
			return fmt.Errorf("dirbackend: rollback %d: %w", txid, err)
		}

		d.mu.Lock()
		if n := len(d.snaps); n > 0 && d.snaps[n-1].Txid == txid {
			d.snaps = d.snaps[:n-1]
		}
		d.mu.Unlock()
	}

	if status == vtypes.StatusRecycle {
		if err := d.recycle(ctx); err != nil {
			return fmt.Errorf("dirbackend: rollback %d: %w", txid, err)
		}
	}

	d.reloadBaseEmap()

	if err := d.renameSessionStatus(txid, seq, status, vtypes.StatusDispose); err != nil {
		return fmt.Errorf("dirbackend: rollback %d: %w", txid, err)
	}

	if err := d.removeSessionFile(txid, seq, vtypes.StatusDispose); err != nil {
		return fmt.Errorf("dirbackend: rollback %d: %w", txid, err)
	}

	return nil
}

// reloadBaseEmap restores the in-memory base emap from the deque's tail
// snapshot, or clears it if the deque is now empty (spec §4.4 rollback:
// "reload the base emap from the deque's tail snapshot, or clear it if the
// deque is empty").
func (d *Directory) reloadBaseEmap() {
	d.mu.Lock()
	n := len(d.snaps)
	var tail vtypes.Snapshot
	if n > 0 {
		tail = d.snaps[n-1]
	}
	d.mu.Unlock()

	if n == 0 {
		d.emap.Clear()
		return
	}

	d.emap.Load(tail.Emap)
}

// listSessionFiles enumerates session/, parses every entry, and sorts the
// result by seq (spec §4.4 "Open").
func (d *Directory) listSessionFiles(ctx context.Context) ([]parsedSessionFile, error) {
	entries, err := d.fs.ReadDir(d.path(sessionDir))
	if err != nil {
		return nil, fmt.Errorf("dirbackend: listing sessions: %w", err)
	}

	parsed := make([]parsedSessionFile, 0, len(entries))

	for _, ent := range entries {
		pf, ok := parseSessionFileName(ent.Name())
		if !ok {
			return nil, fmt.Errorf("dirbackend: %w: unrecognized session file %q", verrs.ErrCorrupted, ent.Name())
		}

		parsed = append(parsed, pf)
	}

	sort.Slice(parsed, func(i, j int) bool { return parsed[i].seq < parsed[j].seq })

	return parsed, nil
}

// Open implements [storage.Storage]: it enumerates session/, validates the
// "at most one non-completed session, last by seq" rule, runs the
// cleanup(status) matrix on a crashed tail session if present, reloads the
// retained snapshot deque and base emap, and returns the last committed
// txid.
func (d *Directory) Open(ctx context.Context) (vtypes.Txid, error) {
	files, err := d.listSessionFiles(ctx)
	if err != nil {
		return vtypes.NoTxid, err
	}

	var (
		lastCommitted = vtypes.NoTxid
		nextSeq       uint64
		tailPending   *parsedSessionFile
		completedSeen bool
		retained      []parsedSessionFile
	)

	for i := range files {
		pf := files[i]

		if pf.seq+1 > nextSeq {
			nextSeq = pf.seq + 1
		}

		terminal := pf.status.Terminal()

		if !terminal {
			if tailPending != nil {
				return vtypes.NoTxid, fmt.Errorf("dirbackend: %w: more than one non-completed session", verrs.ErrCorrupted)
			}

			if i != len(files)-1 {
				return vtypes.NoTxid, fmt.Errorf("dirbackend: %w: non-completed session not last by seq", verrs.ErrCorrupted)
			}

			tail := pf
			tailPending = &tail

			continue
		}

		completedSeen = true

		if pf.status == vtypes.StatusCommitted {
			lastCommitted = pf.txid
			retained = append(retained, pf)
		}
	}

	if len(files) > 0 && !completedSeen && tailPending == nil {
		return vtypes.NoTxid, fmt.Errorf("dirbackend: %w: no completed session", verrs.ErrCorrupted)
	}

	d.mu.Lock()
	d.nextSeq = nextSeq
	d.mu.Unlock()

	if err := d.loadRetainedSnapshots(retained); err != nil {
		return vtypes.NoTxid, err
	}

	if tailPending != nil {
		if err := d.rollback(ctx, tailPending.txid, tailPending.seq, tailPending.status); err != nil {
			return vtypes.NoTxid, fmt.Errorf("dirbackend: open: recovering session %d-%d: %w", tailPending.txid, tailPending.seq, err)
		}
	}

	return lastCommitted, nil
}

// loadRetainedSnapshots reloads the in-memory snapshot deque and base emap
// from the up-to-[vtypes.MaxSnapshotCnt] most recent committed sessions
// still carrying a snapshot artifact on disk.
func (d *Directory) loadRetainedSnapshots(committed []parsedSessionFile) error {
	if len(committed) > vtypes.MaxSnapshotCnt {
		committed = committed[len(committed)-vtypes.MaxSnapshotCnt:]
	}

	snaps := make([]vtypes.Snapshot, 0, len(committed))

	for _, pf := range committed {
		snap, err := d.readSnapshot(pf.txid)
		if err != nil {
			return fmt.Errorf("dirbackend: open: loading snapshot %d: %w", pf.txid, err)
		}

		snaps = append(snaps, snap)
	}

	d.mu.Lock()
	d.snaps = snaps
	if w := allocatorWatermark(snaps); w > 0 {
		d.alloc.SetWatermark(w)
	}
	d.mu.Unlock()

	if len(snaps) == 0 {
		d.emap.Clear()
	} else {
		d.emap.Load(snaps[len(snaps)-1].Emap)
	}

	return nil
}

func allocatorWatermark(snaps []vtypes.Snapshot) uint64 {
	if len(snaps) == 0 {
		return 0
	}

	return snaps[len(snaps)-1].Wmark
}

const (
	superArmLeft  = "super.left"
	superArmRight = "super.right"
)

// GetSuperBlk implements [storage.Storage]: it reads both redundant arms
// and returns the canonical encoding of the winner (larger seq).
func (d *Directory) GetSuperBlk(ctx context.Context) ([]byte, error) {
	leftRaw, _ := d.fs.ReadFile(d.path(superArmLeft))
	rightRaw, _ := d.fs.ReadFile(d.path(superArmRight))

	winner, err := storage.PickWinner(leftRaw, rightRaw)
	if err != nil {
		return nil, fmt.Errorf("dirbackend: get_super_blk: %w", err)
	}

	return storage.EncodeSuperBlock(winner), nil
}

// PutSuperBlk implements [storage.Storage]: it writes b to whichever of the
// two on-disk arms currently holds the stale (smaller-seq or invalid)
// super-block, preserving the other arm as the crash-safe fallback copy.
func (d *Directory) PutSuperBlk(ctx context.Context, b []byte) error {
	_, err := storage.DecodeSuperBlock(b)
	if err != nil {
		return fmt.Errorf("dirbackend: put_super_blk: %w", err)
	}

	leftRaw, _ := d.fs.ReadFile(d.path(superArmLeft))
	left, leftErr := storage.DecodeSuperBlock(leftRaw)
	rightRaw, _ := d.fs.ReadFile(d.path(superArmRight))
	right, rightErr := storage.DecodeSuperBlock(rightRaw)

	target := superArmLeft
	if leftErr == nil && (rightErr != nil || right.Seq < left.Seq) {
		target = superArmRight
	}

	err = d.atomic.Write(d.path(target), bytesReader(b), fsutil.AtomicWriteOptions{SyncDir: true, Perm: filePerms})
	if err != nil {
		return fmt.Errorf("dirbackend: put_super_blk: writing %s: %w", target, err)
	}

	return nil
}
