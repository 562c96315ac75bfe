package sqlbackend

import (
	"context"
	"fmt"

	"github.com/nkhsl/vaultfs/pkg/vaultfs/verrs"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/vtypes"
)

// lookup resolves eid's current Space, consulting the session overlay
// before the base emap when txid is live — identical contract to
// dirbackend.lookup (spec §4.3).
func (s *SQL) lookup(txid vtypes.Txid, eid vtypes.Eid) (vtypes.Space, bool) {
	if !txid.IsNone() {
		s.mu.Lock()
		sess := s.sessions[txid]
		s.mu.Unlock()

		if sess != nil {
			if _, deleted := sess.Deleted[eid]; deleted {
				return vtypes.Space{}, false
			}

			if sp, ok := sess.Emap[eid]; ok {
				return sp, true
			}
		}
	}

	return s.emap.Get(eid)
}

// Read implements [storage.Storage].
func (s *SQL) Read(ctx context.Context, eid vtypes.Eid, offset uint64, buf []byte, txid vtypes.Txid) (int, error) {
	space, ok := s.lookup(txid, eid)
	if !ok {
		return 0, fmt.Errorf("sqlbackend: %w: %s", verrs.ErrNoEntity, eid)
	}

	if offset > space.ByteLen {
		return 0, fmt.Errorf("sqlbackend: %w: offset %d beyond byte_len %d", verrs.ErrInvalidArgument, offset, space.ByteLen)
	}

	want := len(buf)
	if uint64(want) > space.ByteLen-offset {
		want = int(space.ByteLen - offset)
	}

	n, err := s.sector.Read(ctx, space.Txid, space, offset, buf[:want])
	if err != nil {
		return n, fmt.Errorf("sqlbackend: reading %s: %w", eid, err)
	}

	return n, nil
}

func ceilDivBlocks(n uint64) uint64 {
	if n == 0 {
		return 0
	}

	return (n + vtypes.BlkSize - 1) / vtypes.BlkSize
}

// growSpace extends existing to cover addLen more logical bytes, reusing
// unused tail block capacity before allocating fresh blocks — identical to
// dirbackend.growSpace (spec §3 "Span ... offset ... sub-block heads").
// Only called when existing.Txid already equals the appending
// transaction's own txid (its blocks were allocated within this same
// still-open transaction, so no other snapshot can reference them); a
// foreign-owned existing Space is never extended this way, see the Write
// call site.
func growSpace(existing vtypes.Space, addLen uint64, allocate func(uint64) vtypes.Span) vtypes.Space {
	totalCap := uint64(0)
	for _, sp := range existing.Spans {
		totalCap += sp.ByteCap() - uint64(sp.Offset)
	}

	avail := uint64(0)
	if totalCap > existing.ByteLen {
		avail = totalCap - existing.ByteLen
	}

	spans := append([]vtypes.Span(nil), existing.Spans...)

	if addLen > avail {
		need := addLen - avail
		blocks := ceilDivBlocks(need)
		spans = append(spans, allocate(blocks))
	}

	return vtypes.Space{Txid: existing.Txid, Spans: spans, ByteLen: existing.ByteLen + addLen}
}

// Write implements [storage.Storage].
func (s *SQL) Write(ctx context.Context, eid vtypes.Eid, offset uint64, buf []byte, txid vtypes.Txid) (int, error) {
	if txid.IsNone() {
		return 0, fmt.Errorf("sqlbackend: %w", verrs.ErrNotInTrans)
	}

	s.mu.Lock()
	sess := s.sessions[txid]
	s.mu.Unlock()

	if sess == nil {
		return 0, fmt.Errorf("sqlbackend: %w: txid %d", verrs.ErrNoTrans, txid)
	}

	existing, exists := s.lookup(txid, eid)

	switch {
	case offset == 0:
		if exists {
			s.mu.Lock()
			sess.Recycle = append(sess.Recycle, existing)
			s.mu.Unlock()
		}

		needBlocks := ceilDivBlocks(uint64(len(buf)))

		var spans []vtypes.Span
		if needBlocks > 0 {
			spans = []vtypes.Span{s.sector.Allocate(txid, needBlocks)}
		}

		newSpace := vtypes.Space{Txid: txid, Spans: spans, ByteLen: uint64(len(buf))}

		n, err := s.sector.Write(ctx, txid, newSpace, 0, buf)
		if err != nil {
			return n, fmt.Errorf("sqlbackend: writing %s: %w", eid, err)
		}

		s.mu.Lock()
		sess.Emap[eid] = newSpace
		delete(sess.Deleted, eid)
		s.mu.Unlock()

		return n, nil

	case exists && offset == existing.ByteLen && existing.Txid == txid:
		grown := growSpace(existing, uint64(len(buf)), func(n uint64) vtypes.Span {
			return s.sector.Allocate(txid, n)
		})

		n, err := s.sector.Write(ctx, txid, grown, offset, buf)
		if err != nil {
			return n, fmt.Errorf("sqlbackend: appending %s: %w", eid, err)
		}

		s.mu.Lock()
		sess.Emap[eid] = grown
		delete(sess.Deleted, eid)
		s.mu.Unlock()

		return n, nil

	case exists && offset == existing.ByteLen:
		// existing was written by a different, already-committed
		// transaction and may still be referenced by a retained snapshot:
		// its tail block can hold unused capacity that is nonetheless a
		// committed, durable block. sector.Write addresses a Space purely
		// by physical span capacity, so simply appending a fresh span
		// after existing's spans would still route bytes into that old
		// capacity first. Instead the append is served as a full copy:
		// read the entity's whole current content, append buf to it, and
		// write the result into wholly fresh, wholly this-transaction's
		// blocks (spec §3 "No in-place update of committed blocks is ever
		// performed").
		full := make([]byte, existing.ByteLen+uint64(len(buf)))

		if existing.ByteLen > 0 {
			if _, err := s.sector.Read(ctx, existing.Txid, existing, 0, full[:existing.ByteLen]); err != nil {
				return 0, fmt.Errorf("sqlbackend: appending %s: reading prior content: %w", eid, err)
			}
		}

		copy(full[existing.ByteLen:], buf)

		needBlocks := ceilDivBlocks(uint64(len(full)))

		var spans []vtypes.Span
		if needBlocks > 0 {
			spans = []vtypes.Span{s.sector.Allocate(txid, needBlocks)}
		}

		newSpace := vtypes.Space{Txid: txid, Spans: spans, ByteLen: uint64(len(full))}

		if _, err := s.sector.Write(ctx, txid, newSpace, 0, full); err != nil {
			return 0, fmt.Errorf("sqlbackend: appending %s: %w", eid, err)
		}

		s.mu.Lock()
		sess.Recycle = append(sess.Recycle, existing)
		sess.Emap[eid] = newSpace
		delete(sess.Deleted, eid)
		s.mu.Unlock()

		return len(buf), nil

	default:
		return 0, fmt.Errorf("sqlbackend: %w: offset %d must be 0 or current byte_len", verrs.ErrInvalidArgument, offset)
	}
}

// Del implements [storage.Storage].
func (s *SQL) Del(ctx context.Context, eid vtypes.Eid, txid vtypes.Txid) (vtypes.Eid, error) {
	if txid.IsNone() {
		return vtypes.Eid{}, fmt.Errorf("sqlbackend: %w", verrs.ErrNotInTrans)
	}

	s.mu.Lock()
	sess := s.sessions[txid]
	s.mu.Unlock()

	if sess == nil {
		return vtypes.Eid{}, fmt.Errorf("sqlbackend: %w: txid %d", verrs.ErrNoTrans, txid)
	}

	existing, exists := s.lookup(txid, eid)
	if !exists {
		return vtypes.Eid{}, nil
	}

	s.mu.Lock()
	sess.Recycle = append(sess.Recycle, existing)
	sess.Deleted[eid] = struct{}{}
	delete(sess.Emap, eid)
	s.mu.Unlock()

	return eid, nil
}
