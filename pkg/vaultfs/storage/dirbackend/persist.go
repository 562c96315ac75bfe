package dirbackend

import (
	"fmt"
	"strconv"

	"github.com/nkhsl/vaultfs/internal/fsutil"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/codec"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/vtypes"
)

var (
	emapMagic     = codec.Magic{'E', 'M', 'A', 'P', 'v', '1', '_', '_'}
	snapshotMagic = codec.Magic{'S', 'N', 'A', 'P', 'v', '1', '_', '_'}
)

// emapRecord is the wire form of a per-transaction emap file (spec §3
// "Entity Map").
type emapRecord struct {
	Txid  vtypes.Txid
	Emap  map[vtypes.Eid]vtypes.Space
}

func (d *Directory) emapPath(txid vtypes.Txid) string {
	return d.path(emapDir, strconv.FormatUint(uint64(txid), 10))
}

// writeEmap persists emap m for txid durably. CommitTrans passes the
// session overlay (the entries txid wrote), not the merged base emap.
func (d *Directory) writeEmap(txid vtypes.Txid, m map[vtypes.Eid]vtypes.Space) error {
	frame, err := codec.Encode(emapMagic, emapRecord{Txid: txid, Emap: m})
	if err != nil {
		return fmt.Errorf("dirbackend: encoding emap %d: %w", txid, err)
	}

	err = d.atomic.Write(d.emapPath(txid), bytesReader(frame), fsutil.AtomicWriteOptions{SyncDir: true, Perm: filePerms})
	if err != nil {
		return fmt.Errorf("dirbackend: writing emap %d: %w", txid, err)
	}

	return nil
}

// readEmap loads a persisted per-transaction emap file.
func (d *Directory) readEmap(txid vtypes.Txid) (map[vtypes.Eid]vtypes.Space, error) {
	raw, err := d.fs.ReadFile(d.emapPath(txid))
	if err != nil {
		return nil, fmt.Errorf("dirbackend: reading emap %d: %w", txid, err)
	}

	var rec emapRecord

	if err := codec.Decode(raw, emapMagic, &rec); err != nil {
		return nil, fmt.Errorf("dirbackend: decoding emap %d: %w", txid, err)
	}

	return rec.Emap, nil
}

// removeEmap deletes a transaction's emap artifact.
func (d *Directory) removeEmap(txid vtypes.Txid) error {
	if err := d.fs.Remove(d.emapPath(txid)); err != nil {
		return fmt.Errorf("dirbackend: removing emap %d: %w", txid, err)
	}

	return nil
}

func (d *Directory) snapshotPath(txid vtypes.Txid) string {
	return d.path(snapshotDir, strconv.FormatUint(uint64(txid), 10))
}

// writeSnapshot persists a committed transaction's retained snapshot.
func (d *Directory) writeSnapshot(snap vtypes.Snapshot) error {
	frame, err := codec.Encode(snapshotMagic, snap)
	if err != nil {
		return fmt.Errorf("dirbackend: encoding snapshot %d: %w", snap.Txid, err)
	}

	err = d.atomic.Write(d.snapshotPath(snap.Txid), bytesReader(frame), fsutil.AtomicWriteOptions{SyncDir: true, Perm: filePerms})
	if err != nil {
		return fmt.Errorf("dirbackend: writing snapshot %d: %w", snap.Txid, err)
	}

	return nil
}

// readSnapshot loads a persisted snapshot.
func (d *Directory) readSnapshot(txid vtypes.Txid) (vtypes.Snapshot, error) {
	raw, err := d.fs.ReadFile(d.snapshotPath(txid))
	if err != nil {
		return vtypes.Snapshot{}, fmt.Errorf("dirbackend: reading snapshot %d: %w", txid, err)
	}

	var snap vtypes.Snapshot

	if err := codec.Decode(raw, snapshotMagic, &snap); err != nil {
		return vtypes.Snapshot{}, fmt.Errorf("dirbackend: decoding snapshot %d: %w", txid, err)
	}

	return snap, nil
}

// removeSnapshot deletes a transaction's snapshot artifact.
func (d *Directory) removeSnapshot(txid vtypes.Txid) error {
	if err := d.fs.Remove(d.snapshotPath(txid)); err != nil {
		return fmt.Errorf("dirbackend: removing snapshot %d: %w", txid, err)
	}

	return nil
}
