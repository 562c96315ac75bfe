package sqlbackend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nkhsl/vaultfs/pkg/vaultfs/codec"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/storage"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/verrs"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/vtypes"
)

// BeginTrans implements [storage.Storage]: it inserts the session's
// "started" row and the in-memory session state a transaction's writes
// accumulate into — the relational counterpart of dirbackend's
// "<txid>-<seq>.started" marker file.
func (s *SQL) BeginTrans(ctx context.Context, txid vtypes.Txid) error {
	s.mu.Lock()
	seq := s.nextSeq
	s.nextSeq++
	s.sessions[txid] = vtypes.NewSession(txid, seq)
	s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `INSERT INTO sessions(txid, seq, status) VALUES (?, ?, ?)`,
		uint64(txid), seq, vtypes.StatusStarted.String())
	if err != nil {
		return fmt.Errorf("sqlbackend: begin_trans %d: %w", txid, err)
	}

	return nil
}

func (s *SQL) setSessionStatus(ctx context.Context, txid vtypes.Txid, seq uint64, from, to vtypes.SessionStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ? WHERE txid = ? AND seq = ? AND status = ?`,
		to.String(), uint64(txid), seq, from.String())
	if err != nil {
		return fmt.Errorf("sqlbackend: setting session %d-%d status %s: %w", txid, seq, to, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlbackend: session %d-%d status update: %w", txid, seq, err)
	}

	if n != 1 {
		return fmt.Errorf("sqlbackend: %w: session %d-%d not in expected status %s", verrs.ErrCorrupted, txid, seq, from)
	}

	return nil
}

func (s *SQL) writeEmap(ctx context.Context, txid vtypes.Txid, m map[vtypes.Eid]vtypes.Space) error {
	encoded, err := codec.Encode(emapMagic, m)
	if err != nil {
		return fmt.Errorf("sqlbackend: encoding emap %d: %w", txid, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO emaps(txid, bytes) VALUES (?, ?) ON CONFLICT(txid) DO UPDATE SET bytes = excluded.bytes`,
		uint64(txid), encoded)
	if err != nil {
		return fmt.Errorf("sqlbackend: writing emap %d: %w", txid, err)
	}

	return nil
}

func (s *SQL) removeEmap(ctx context.Context, txid vtypes.Txid) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM emaps WHERE txid = ?`, uint64(txid))
	if err != nil {
		return fmt.Errorf("sqlbackend: removing emap %d: %w", txid, err)
	}

	return nil
}

func (s *SQL) writeSnapshot(ctx context.Context, snap vtypes.Snapshot) error {
	encoded, err := codec.Encode(snapMagic, snap)
	if err != nil {
		return fmt.Errorf("sqlbackend: encoding snapshot %d: %w", snap.Txid, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots(seq, bytes) VALUES (?, ?) ON CONFLICT(seq) DO UPDATE SET bytes = excluded.bytes`,
		snap.Seq, encoded)
	if err != nil {
		return fmt.Errorf("sqlbackend: writing snapshot %d: %w", snap.Txid, err)
	}

	return nil
}

func (s *SQL) removeSnapshot(ctx context.Context, seq uint64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE seq = ?`, seq)
	if err != nil {
		return fmt.Errorf("sqlbackend: removing snapshot seq %d: %w", seq, err)
	}

	return nil
}

func (s *SQL) readSnapshot(ctx context.Context, seq uint64) (vtypes.Snapshot, error) {
	var data []byte

	err := s.db.QueryRowContext(ctx, `SELECT bytes FROM snapshots WHERE seq = ?`, seq).Scan(&data)
	if err != nil {
		return vtypes.Snapshot{}, fmt.Errorf("sqlbackend: reading snapshot seq %d: %w", seq, err)
	}

	var snap vtypes.Snapshot
	if err := codec.Decode(data, snapMagic, &snap); err != nil {
		return vtypes.Snapshot{}, fmt.Errorf("sqlbackend: decoding snapshot seq %d: %w", seq, err)
	}

	return snap, nil
}

// CommitTrans drives the same commit algorithm as dirbackend.CommitTrans
// (spec §4.4): started -> prepare, merge+persist the session emap,
// snapshot, prepare -> recycle (+trim), recycle -> committed.
func (s *SQL) CommitTrans(ctx context.Context, txid vtypes.Txid) error {
	s.mu.Lock()
	sess := s.sessions[txid]
	s.mu.Unlock()

	if sess == nil {
		return fmt.Errorf("sqlbackend: commit_trans: %w: txid %d", verrs.ErrNoTrans, txid)
	}

	if err := s.setSessionStatus(ctx, txid, sess.Seq, vtypes.StatusStarted, vtypes.StatusPrepare); err != nil {
		return fmt.Errorf("sqlbackend: commit_trans %d: %w", txid, err)
	}

	sess.Status = vtypes.StatusPrepare

	if err := s.writeEmap(ctx, txid, sess.Emap); err != nil {
		return fmt.Errorf("sqlbackend: commit_trans %d: %w", txid, err)
	}

	s.emap.Merge(sess.Emap, sess.Deleted)

	snap := vtypes.Snapshot{
		Seq:     sess.Seq,
		Txid:    txid,
		Wmark:   s.alloc.Watermark(),
		Recycle: sess.Recycle,
		Emap:    s.emap.Snapshot(),
	}

	if err := s.writeSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("sqlbackend: commit_trans %d: %w", txid, err)
	}

	s.mu.Lock()
	s.snaps = append(s.snaps, snap)
	s.mu.Unlock()

	if err := s.setSessionStatus(ctx, txid, sess.Seq, vtypes.StatusPrepare, vtypes.StatusRecycle); err != nil {
		return fmt.Errorf("sqlbackend: commit_trans %d: %w", txid, err)
	}

	sess.Status = vtypes.StatusRecycle

	if err := s.recycle(ctx); err != nil {
		return fmt.Errorf("sqlbackend: commit_trans %d: %w", txid, err)
	}

	if err := s.setSessionStatus(ctx, txid, sess.Seq, vtypes.StatusRecycle, vtypes.StatusCommitted); err != nil {
		return fmt.Errorf("sqlbackend: commit_trans %d: %w", txid, err)
	}

	s.sector.SettleTxid(txid)

	s.mu.Lock()
	delete(s.sessions, txid)
	s.mu.Unlock()

	return nil
}

// recycle trims the retained snapshot deque to [vtypes.MaxSnapshotCnt],
// disposing older snapshots (spec §4.4 step 4).
func (s *SQL) recycle(ctx context.Context) error {
	s.mu.Lock()
	var stale []vtypes.Snapshot
	for len(s.snaps) > vtypes.MaxSnapshotCnt {
		stale = append(stale, s.snaps[0])
		s.snaps = s.snaps[1:]
	}
	s.mu.Unlock()

	for _, snap := range stale {
		if err := s.disposeSnapshot(ctx, snap); err != nil {
			return err
		}
	}

	return nil
}

func (s *SQL) disposeSnapshot(ctx context.Context, snap vtypes.Snapshot) error {
	if err := s.setSessionStatus(ctx, snap.Txid, snap.Seq, vtypes.StatusCommitted, vtypes.StatusDispose); err != nil {
		return fmt.Errorf("sqlbackend: disposing snapshot %d: %w", snap.Txid, err)
	}

	s.sector.Recycle(snap.Recycle)

	if err := s.removeEmap(ctx, snap.Txid); err != nil {
		return fmt.Errorf("sqlbackend: disposing snapshot %d: %w", snap.Txid, err)
	}

	return s.removeSnapshot(ctx, snap.Seq)
}

// AbortTrans drives the same rollback algorithm as dirbackend.AbortTrans
// (spec §4.4): discard blocks, emap, and snapshot artifacts of txid,
// re-run recycle if needed, reload base emap from the deque tail.
func (s *SQL) AbortTrans(ctx context.Context, txid vtypes.Txid) error {
	s.mu.Lock()
	sess := s.sessions[txid]
	s.mu.Unlock()

	if sess == nil {
		return fmt.Errorf("sqlbackend: abort_trans: %w: txid %d", verrs.ErrNoTrans, txid)
	}

	if err := s.rollback(ctx, txid, sess.Seq, sess.Status); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.sessions, txid)
	s.mu.Unlock()

	return nil
}

// rollback implements the cleanup(status) matrix (spec §4.4), identical in
// shape to dirbackend.rollback:
//
//	started  -> drop blocks of txid
//	prepare  -> as started, plus drop emap + snapshot of txid
//	recycle  -> as prepare, plus re-run recycle() to finish the deferred trim
func (s *SQL) rollback(ctx context.Context, txid vtypes.Txid, seq uint64, status vtypes.SessionStatus) error {
	if err := s.sector.Cleanup(ctx, txid); err != nil {
		return fmt.Errorf("sqlbackend: rollback %d: %w", txid, err)
	}

	if status == vtypes.StatusPrepare || status == vtypes.StatusRecycle {
		if err := s.removeEmap(ctx, txid); err != nil {
			return fmt.Errorf("sqlbackend: rollback %d: %w", txid, err)
		}

		if err := s.removeSnapshot(ctx, seq); err != nil {
			return fmt.Errorf("sqlbackend: rollback %d: %w", txid, err)
		}

		s.mu.Lock()
		if n := len(s.snaps); n > 0 && s.snaps[n-1].Txid == txid {
			s.snaps = s.snaps[:n-1]
		}
		s.mu.Unlock()
	}

	if status == vtypes.StatusRecycle {
		if err := s.recycle(ctx); err != nil {
			return fmt.Errorf("sqlbackend: rollback %d: %w", txid, err)
		}
	}

	s.reloadBaseEmap()

	if err := s.setSessionStatus(ctx, txid, seq, status, vtypes.StatusDispose); err != nil {
		return fmt.Errorf("sqlbackend: rollback %d: %w", txid, err)
	}

	return nil
}

func (s *SQL) reloadBaseEmap() {
	s.mu.Lock()
	n := len(s.snaps)
	var tail vtypes.Snapshot
	if n > 0 {
		tail = s.snaps[n-1]
	}
	s.mu.Unlock()

	if n == 0 {
		s.emap.Load(nil)
		return
	}

	s.emap.Load(tail.Emap)
}

type sessionRow struct {
	txid   vtypes.Txid
	seq    uint64
	status vtypes.SessionStatus
}

func (s *SQL) listSessions(ctx context.Context) ([]sessionRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT txid, seq, status FROM sessions ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlbackend: listing sessions: %w", err)
	}
	defer rows.Close()

	var out []sessionRow

	for rows.Next() {
		var (
			txid       uint64
			seq        uint64
			statusText string
		)

		if err := rows.Scan(&txid, &seq, &statusText); err != nil {
			return nil, fmt.Errorf("sqlbackend: scanning session row: %w", err)
		}

		status, ok := vtypes.ParseSessionStatus(statusText)
		if !ok {
			return nil, fmt.Errorf("sqlbackend: %w: unrecognized session status %q", verrs.ErrCorrupted, statusText)
		}

		out = append(out, sessionRow{txid: vtypes.Txid(txid), seq: seq, status: status})
	}

	return out, rows.Err()
}

// Open implements [storage.Storage]: it enumerates the sessions table,
// validates the "at most one non-completed session, last by seq" rule,
// runs the cleanup(status) matrix on a crashed tail session if present,
// reloads the retained snapshot deque and base emap, and returns the last
// committed txid — the same algorithm as dirbackend.Open.
func (s *SQL) Open(ctx context.Context) (vtypes.Txid, error) {
	rows, err := s.listSessions(ctx)
	if err != nil {
		return vtypes.NoTxid, err
	}

	var (
		lastCommitted = vtypes.NoTxid
		nextSeq       uint64
		tailPending   *sessionRow
		completedSeen bool
		retained      []sessionRow
	)

	for i := range rows {
		row := rows[i]

		if row.seq+1 > nextSeq {
			nextSeq = row.seq + 1
		}

		terminal := row.status.Terminal()

		if !terminal {
			if tailPending != nil {
				return vtypes.NoTxid, fmt.Errorf("sqlbackend: %w: more than one non-completed session", verrs.ErrCorrupted)
			}

			if i != len(rows)-1 {
				return vtypes.NoTxid, fmt.Errorf("sqlbackend: %w: non-completed session not last by seq", verrs.ErrCorrupted)
			}

			tail := row
			tailPending = &tail

			continue
		}

		completedSeen = true

		if row.status == vtypes.StatusCommitted {
			lastCommitted = row.txid
			retained = append(retained, row)
		}
	}

	if len(rows) > 0 && !completedSeen && tailPending == nil {
		return vtypes.NoTxid, fmt.Errorf("sqlbackend: %w: no completed session", verrs.ErrCorrupted)
	}

	s.mu.Lock()
	s.nextSeq = nextSeq
	s.mu.Unlock()

	if err := s.loadRetainedSnapshots(ctx, retained); err != nil {
		return vtypes.NoTxid, err
	}

	if tailPending != nil {
		if err := s.rollback(ctx, tailPending.txid, tailPending.seq, tailPending.status); err != nil {
			return vtypes.NoTxid, fmt.Errorf("sqlbackend: open: recovering session %d-%d: %w", tailPending.txid, tailPending.seq, err)
		}
	}

	return lastCommitted, nil
}

func (s *SQL) loadRetainedSnapshots(ctx context.Context, committed []sessionRow) error {
	if len(committed) > vtypes.MaxSnapshotCnt {
		committed = committed[len(committed)-vtypes.MaxSnapshotCnt:]
	}

	snaps := make([]vtypes.Snapshot, 0, len(committed))

	for _, row := range committed {
		snap, err := s.readSnapshot(ctx, row.seq)
		if err != nil {
			return fmt.Errorf("sqlbackend: open: loading snapshot %d: %w", row.txid, err)
		}

		snaps = append(snaps, snap)
	}

	s.mu.Lock()
	s.snaps = snaps
	if len(snaps) > 0 {
		if w := snaps[len(snaps)-1].Wmark; w > 0 {
			s.alloc.SetWatermark(w)
		}
	}
	s.mu.Unlock()

	if len(snaps) == 0 {
		s.emap.Load(nil)
	} else {
		s.emap.Load(snaps[len(snaps)-1].Emap)
	}

	return nil
}

const (
	superArmLeft  = 0
	superArmRight = 1
)

// GetSuperBlk implements [storage.Storage]: it reads both redundant arm
// rows and returns the canonical encoding of the winner (larger seq).
func (s *SQL) GetSuperBlk(ctx context.Context) ([]byte, error) {
	leftRaw, _ := s.readSuperArm(ctx, superArmLeft)
	rightRaw, _ := s.readSuperArm(ctx, superArmRight)

	winner, err := storage.PickWinner(leftRaw, rightRaw)
	if err != nil {
		return nil, fmt.Errorf("sqlbackend: get_super_blk: %w", err)
	}

	return storage.EncodeSuperBlock(winner), nil
}

func (s *SQL) readSuperArm(ctx context.Context, arm int) ([]byte, error) {
	var data []byte

	err := s.db.QueryRowContext(ctx, `SELECT bytes FROM super_blocks WHERE arm = ?`, arm).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	return data, err
}

// PutSuperBlk implements [storage.Storage]: it writes b to whichever arm
// row currently holds the stale (smaller-seq or invalid) super-block,
// preserving the other arm as the crash-safe fallback copy.
func (s *SQL) PutSuperBlk(ctx context.Context, b []byte) error {
	_, err := storage.DecodeSuperBlock(b)
	if err != nil {
		return fmt.Errorf("sqlbackend: put_super_blk: %w", err)
	}

	leftRaw, _ := s.readSuperArm(ctx, superArmLeft)
	left, leftErr := storage.DecodeSuperBlock(leftRaw)
	rightRaw, _ := s.readSuperArm(ctx, superArmRight)
	right, rightErr := storage.DecodeSuperBlock(rightRaw)

	target := superArmLeft
	if leftErr == nil && (rightErr != nil || right.Seq < left.Seq) {
		target = superArmRight
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO super_blocks(arm, bytes) VALUES (?, ?) ON CONFLICT(arm) DO UPDATE SET bytes = excluded.bytes`,
		target, b)
	if err != nil {
		return fmt.Errorf("sqlbackend: put_super_blk: writing arm %d: %w", target, err)
	}

	return nil
}
