// Package membackend backs the mem:// scheme (spec §6): a Storage Backend
// that holds every artifact — blocks, emap, snapshots, session state,
// super-block arms — in process memory. It implements the same session
// state machine as [dirbackend] but with no on-disk recovery: a process
// restart loses the volume entirely, which is the point of mem:// (tests,
// scratch repos).
package membackend

import (
	"context"
	"fmt"
	"sync"

	"github.com/nkhsl/vaultfs/pkg/vaultfs/emap"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/sector"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/storage"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/vcrypto"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/verrs"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/vtypes"
)

// blockStore is an in-memory [sector.BlockStore].
type blockStore struct {
	mu     sync.Mutex
	blocks map[uint64][]byte
}

func newBlockStore() *blockStore {
	return &blockStore{blocks: make(map[uint64][]byte)}
}

func (b *blockStore) ReadBlock(ctx context.Context, index uint64) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, ok := b.blocks[index]
	if !ok {
		return nil, fmt.Errorf("membackend: %w: block %d", verrs.ErrNotFound, index)
	}

	return append([]byte(nil), data...), nil
}

func (b *blockStore) WriteBlock(ctx context.Context, index uint64, ciphertext []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.blocks[index] = append([]byte(nil), ciphertext...)

	return nil
}

func (b *blockStore) DeleteBlocks(ctx context.Context, indices []uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, idx := range indices {
		delete(b.blocks, idx)
	}

	return nil
}

// Memory is the mem:// backend.
type Memory struct {
	crypto    *vcrypto.Facade
	volumeKey []byte

	mu       sync.Mutex
	inited   bool
	super    map[vtypes.Arm][]byte
	emap     *emap.Emap
	sector   *sector.Manager
	alloc    *sector.Allocator
	snaps    []vtypes.Snapshot
	sessions map[vtypes.Txid]*vtypes.Session
	nextSeq  uint64
}

// Options configures a new Memory backend.
type Options struct {
	Crypto    *vcrypto.Facade
	VolumeKey []byte
	CacheSize int
}

// New constructs an empty Memory backend. Unlike [dirbackend.New], there is
// no existing bytes on disk for Open to recover: Init only marks the
// volume as initialized, which is what [Memory.Exists] reports.
func New(opts Options) (*Memory, error) {
	if opts.Crypto == nil {
		return nil, fmt.Errorf("membackend: crypto facade is required")
	}

	m := &Memory{
		crypto:    opts.Crypto,
		volumeKey: opts.VolumeKey,
		super:     make(map[vtypes.Arm][]byte),
		emap:      emap.New(),
		sessions:  make(map[vtypes.Txid]*vtypes.Session),
		alloc:     sector.NewAllocator(0),
	}

	cacheSize := opts.CacheSize
	if cacheSize == 0 {
		cacheSize = sector.DefaultCacheSize
	}

	mgr, err := sector.NewManager(newBlockStore(), opts.Crypto, opts.VolumeKey, m.alloc, cacheSize)
	if err != nil {
		return nil, err
	}

	m.sector = mgr

	return m, nil
}

// Exists reports whether Init has been called on this Memory value. A fresh
// mem:// backend is never found already initialized by a prior process.
func (m *Memory) Exists(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.inited, nil
}

// Init marks the volume as initialized.
func (m *Memory) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.inited = true

	return nil
}

// Open returns the last committed txid. For an in-memory volume this is
// always [vtypes.NoTxid] immediately after Init, since mem:// never
// survives a process restart to have anything to recover.
func (m *Memory) Open(ctx context.Context) (vtypes.Txid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var last vtypes.Txid

	for _, snap := range m.snaps {
		if snap.Txid > last {
			last = snap.Txid
		}
	}

	return last, nil
}

// Close is a no-op: there is no file descriptor or lock file to release.
func (m *Memory) Close(ctx context.Context) error {
	return nil
}

func (m *Memory) lookup(txid vtypes.Txid, eid vtypes.Eid) (vtypes.Space, bool) {
	if !txid.IsNone() {
		m.mu.Lock()
		sess := m.sessions[txid]
		m.mu.Unlock()

		if sess != nil {
			if _, deleted := sess.Deleted[eid]; deleted {
				return vtypes.Space{}, false
			}

			if sp, ok := sess.Emap[eid]; ok {
				return sp, true
			}
		}
	}

	return m.emap.Get(eid)
}

// Read implements [storage.Storage].
func (m *Memory) Read(ctx context.Context, eid vtypes.Eid, offset uint64, buf []byte, txid vtypes.Txid) (int, error) {
	space, ok := m.lookup(txid, eid)
	if !ok {
		return 0, fmt.Errorf("membackend: %w: %s", verrs.ErrNoEntity, eid)
	}

	if offset > space.ByteLen {
		return 0, fmt.Errorf("membackend: %w: offset %d beyond byte_len %d", verrs.ErrInvalidArgument, offset, space.ByteLen)
	}

	want := len(buf)
	if uint64(want) > space.ByteLen-offset {
		want = int(space.ByteLen - offset)
	}

	n, err := m.sector.Read(ctx, space.Txid, space, offset, buf[:want])
	if err != nil {
		return n, fmt.Errorf("membackend: reading %s: %w", eid, err)
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
// unused tail block capacity before allocating fresh blocks. Only called
// when existing.Txid already equals the appending transaction's own
// txid (its blocks were allocated within this same still-open
// transaction, so no other snapshot can reference them); a foreign-owned
// existing Space is never extended this way, see the Write call site.
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
func (m *Memory) Write(ctx context.Context, eid vtypes.Eid, offset uint64, buf []byte, txid vtypes.Txid) (int, error) {
	if txid.IsNone() {
		return 0, fmt.Errorf("membackend: %w", verrs.ErrNotInTrans)
	}

	m.mu.Lock()
	sess := m.sessions[txid]
	m.mu.Unlock()

	if sess == nil {
		return 0, fmt.Errorf("membackend: %w: txid %d", verrs.ErrNoTrans, txid)
	}

	existing, exists := m.lookup(txid, eid)

	switch {
	case offset == 0:
		if exists {
			m.mu.Lock()
			sess.Recycle = append(sess.Recycle, existing)
			m.mu.Unlock()
		}

		needBlocks := ceilDivBlocks(uint64(len(buf)))

		var spans []vtypes.Span
		if needBlocks > 0 {
			spans = []vtypes.Span{m.sector.Allocate(txid, needBlocks)}
		}

		newSpace := vtypes.Space{Txid: txid, Spans: spans, ByteLen: uint64(len(buf))}

		n, err := m.sector.Write(ctx, txid, newSpace, 0, buf)
		if err != nil {
			return n, fmt.Errorf("membackend: writing %s: %w", eid, err)
		}

		m.mu.Lock()
		sess.Emap[eid] = newSpace
		delete(sess.Deleted, eid)
		m.mu.Unlock()

		return n, nil

	case exists && offset == existing.ByteLen && existing.Txid == txid:
		grown := growSpace(existing, uint64(len(buf)), func(n uint64) vtypes.Span {
			return m.sector.Allocate(txid, n)
		})

		n, err := m.sector.Write(ctx, txid, grown, offset, buf)
		if err != nil {
			return n, fmt.Errorf("membackend: appending %s: %w", eid, err)
		}

		m.mu.Lock()
		sess.Emap[eid] = grown
		delete(sess.Deleted, eid)
		m.mu.Unlock()

		return n, nil

	case exists && offset == existing.ByteLen:
		// existing was written by a different, already-committed
		// transaction and may still be referenced by a retained snapshot:
		// its tail block can hold unused capacity that is nonetheless a
		// committed block. sector.Write addresses a Space purely by
		// physical span capacity, so simply appending a fresh span after
		// existing's spans would still route bytes into that old capacity
		// first. Instead the append is served as a full copy: read the
		// entity's whole current content, append buf to it, and write the
		// result into wholly fresh, wholly this-transaction's blocks (spec
		// §3 "No in-place update of committed blocks is ever performed").
		full := make([]byte, existing.ByteLen+uint64(len(buf)))

		if existing.ByteLen > 0 {
			if _, err := m.sector.Read(ctx, existing.Txid, existing, 0, full[:existing.ByteLen]); err != nil {
				return 0, fmt.Errorf("membackend: appending %s: reading prior content: %w", eid, err)
			}
		}

		copy(full[existing.ByteLen:], buf)

		needBlocks := ceilDivBlocks(uint64(len(full)))

		var spans []vtypes.Span
		if needBlocks > 0 {
			spans = []vtypes.Span{m.sector.Allocate(txid, needBlocks)}
		}

		newSpace := vtypes.Space{Txid: txid, Spans: spans, ByteLen: uint64(len(full))}

		if _, err := m.sector.Write(ctx, txid, newSpace, 0, full); err != nil {
			return 0, fmt.Errorf("membackend: appending %s: %w", eid, err)
		}

		m.mu.Lock()
		sess.Recycle = append(sess.Recycle, existing)
		sess.Emap[eid] = newSpace
		delete(sess.Deleted, eid)
		m.mu.Unlock()

		return len(buf), nil

	default:
		return 0, fmt.Errorf("membackend: %w: offset %d must be 0 or current byte_len", verrs.ErrInvalidArgument, offset)
	}
}

// Del implements [storage.Storage].
func (m *Memory) Del(ctx context.Context, eid vtypes.Eid, txid vtypes.Txid) (vtypes.Eid, error) {
	if txid.IsNone() {
		return vtypes.Eid{}, fmt.Errorf("membackend: %w", verrs.ErrNotInTrans)
	}

	m.mu.Lock()
	sess := m.sessions[txid]
	m.mu.Unlock()

	if sess == nil {
		return vtypes.Eid{}, fmt.Errorf("membackend: %w: txid %d", verrs.ErrNoTrans, txid)
	}

	existing, exists := m.lookup(txid, eid)
	if !exists {
		return vtypes.Eid{}, nil
	}

	m.mu.Lock()
	sess.Recycle = append(sess.Recycle, existing)
	sess.Deleted[eid] = struct{}{}
	delete(sess.Emap, eid)
	m.mu.Unlock()

	return eid, nil
}

// BeginTrans implements [storage.Storage].
func (m *Memory) BeginTrans(ctx context.Context, txid vtypes.Txid) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	seq := m.nextSeq
	m.nextSeq++
	sess := vtypes.NewSession(txid, seq)
	m.sessions[txid] = sess

	return nil
}

// recycleLocked trims the snapshot deque to [vtypes.MaxSnapshotCnt],
// returning disposed snapshots' recycle spans to the sector manager. Caller
// must hold m.mu.
func (m *Memory) recycleLocked() []vtypes.Snapshot {
	var stale []vtypes.Snapshot
	for len(m.snaps) > vtypes.MaxSnapshotCnt {
		stale = append(stale, m.snaps[0])
		m.snaps = m.snaps[1:]
	}

	return stale
}

// CommitTrans implements [storage.Storage], mirroring [dirbackend]'s
// commit algorithm (spec §4.4) with every artifact held in memory instead
// of written to durable storage.
func (m *Memory) CommitTrans(ctx context.Context, txid vtypes.Txid) error {
	m.mu.Lock()
	sess := m.sessions[txid]
	m.mu.Unlock()

	if sess == nil {
		return fmt.Errorf("membackend: commit_trans: %w: txid %d", verrs.ErrNoTrans, txid)
	}

	m.emap.Merge(sess.Emap, sess.Deleted)

	snap := vtypes.Snapshot{
		Seq:     sess.Seq,
		Txid:    txid,
		Wmark:   m.alloc.Watermark(),
		Recycle: sess.Recycle,
		Emap:    m.emap.Snapshot(),
	}

	m.mu.Lock()
	m.snaps = append(m.snaps, snap)
	stale := m.recycleLocked()
	m.mu.Unlock()

	for _, old := range stale {
		m.sector.Recycle(old.Recycle)
	}

	m.sector.SettleTxid(txid)

	m.mu.Lock()
	delete(m.sessions, txid)
	m.mu.Unlock()

	return nil
}

// AbortTrans implements [storage.Storage]: discards txid's blocks and
// reloads the base emap from the retained deque's tail, mirroring
// [dirbackend]'s rollback algorithm with no on-disk artifacts to clean up.
func (m *Memory) AbortTrans(ctx context.Context, txid vtypes.Txid) error {
	m.mu.Lock()
	sess := m.sessions[txid]
	m.mu.Unlock()

	if sess == nil {
		return fmt.Errorf("membackend: abort_trans: %w: txid %d", verrs.ErrNoTrans, txid)
	}

	if err := m.sector.Cleanup(ctx, txid); err != nil {
		return fmt.Errorf("membackend: abort_trans %d: %w", txid, err)
	}

	m.mu.Lock()
	n := len(m.snaps)
	var tail vtypes.Snapshot
	if n > 0 {
		tail = m.snaps[n-1]
	}
	delete(m.sessions, txid)
	m.mu.Unlock()

	if n == 0 {
		m.emap.Clear()
	} else {
		m.emap.Load(tail.Emap)
	}

	return nil
}

// GetSuperBlk implements [storage.Storage].
func (m *Memory) GetSuperBlk(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	winner, err := storage.PickWinner(m.super[vtypes.ArmLeft], m.super[vtypes.ArmRight])
	if err != nil {
		return nil, fmt.Errorf("membackend: get_super_blk: %w", err)
	}

	return storage.EncodeSuperBlock(winner), nil
}

// PutSuperBlk implements [storage.Storage].
func (m *Memory) PutSuperBlk(ctx context.Context, b []byte) error {
	incoming, err := storage.DecodeSuperBlock(b)
	if err != nil {
		return fmt.Errorf("membackend: put_super_blk: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	target := vtypes.ArmLeft
	if left, err := storage.DecodeSuperBlock(m.super[vtypes.ArmLeft]); err == nil && left.Seq >= incoming.Seq {
		target = vtypes.ArmRight
	}

	m.super[target] = append([]byte(nil), b...)

	return nil
}

// Sector implements [storage.SectorAccessor].
func (m *Memory) Sector() *sector.Manager { return m.sector }

// Alloc implements [storage.SectorAccessor].
func (m *Memory) Alloc() *sector.Allocator { return m.alloc }

var (
	_ storage.Storage        = (*Memory)(nil)
	_ storage.SectorAccessor = (*Memory)(nil)
)
