// Package sqlbackend is the relational-blob alternate Storage Backend
// (spec §4.4a): the same session/emap/snapshot/block state machine
// [dirbackend] implements, persisted through a single SQLite database via
// database/sql and github.com/mattn/go-sqlite3 instead of a directory of
// files. Session status transitions become a single-row `UPDATE ... SET
// status = ?` inside a SQL transaction rather than a POSIX rename; every
// other contractual guarantee (spec §4.4: "at most one non-completed
// session, last by seq") is identical.
//
// Grounded on pkg/mddb/mddb.go's use of database/sql against its own
// SQLite-backed document index, generalized from one table of documents to
// the five-table block/session/emap/snapshot/super-block schema spec
// §4.4a names.
package sqlbackend

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nkhsl/vaultfs/pkg/vaultfs/codec"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/emap"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/sector"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/storage"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/vcrypto"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/vtypes"
)

const schema = `
CREATE TABLE IF NOT EXISTS super_blocks(arm INTEGER PRIMARY KEY, bytes BLOB NOT NULL);
CREATE TABLE IF NOT EXISTS sessions(txid INTEGER NOT NULL, seq INTEGER NOT NULL, status TEXT NOT NULL, PRIMARY KEY(txid, seq));
CREATE TABLE IF NOT EXISTS emaps(txid INTEGER PRIMARY KEY, bytes BLOB NOT NULL);
CREATE TABLE IF NOT EXISTS snapshots(seq INTEGER PRIMARY KEY, bytes BLOB NOT NULL);
CREATE TABLE IF NOT EXISTS blocks(eid BLOB NOT NULL, txid INTEGER NOT NULL, block_index INTEGER NOT NULL, ciphertext BLOB NOT NULL, PRIMARY KEY(eid, block_index));
`

var (
	emapMagic = codec.Magic{'S', 'E', 'M', 'P', 'v', '1', '_', '_'}
	snapMagic = codec.Magic{'S', 'S', 'N', 'P', 'v', '1', '_', '_'}
)

// SQL is the relational-blob Storage Backend.
type SQL struct {
	db        *sql.DB
	crypto    *vcrypto.Facade
	volumeKey []byte

	mu       sync.Mutex
	emap     *emap.Emap
	sector   *sector.Manager
	alloc    *sector.Allocator
	snaps    []vtypes.Snapshot
	sessions map[vtypes.Txid]*vtypes.Session
	nextSeq  uint64
}

// Options configures a new SQL backend.
type Options struct {
	Path      string // SQLite DSN, typically a filesystem path
	Crypto    *vcrypto.Facade
	VolumeKey []byte
	CacheSize int
}

// New opens (creating if necessary) the SQLite database at opts.Path and
// lays out its schema. Callers must still call Init or Open.
func New(opts Options) (*SQL, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("sqlbackend: path is empty")
	}

	if opts.Crypto == nil {
		return nil, fmt.Errorf("sqlbackend: crypto facade is required")
	}

	db, err := sql.Open("sqlite3", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("sqlbackend: opening %s: %w", opts.Path, err)
	}

	db.SetMaxOpenConns(1) // SQLite: one writer; avoids SQLITE_BUSY under our own mutex anyway

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlbackend: creating schema: %w", err)
	}

	s := &SQL{
		db:        db,
		crypto:    opts.Crypto,
		volumeKey: opts.VolumeKey,
		emap:      emap.New(),
		sessions:  make(map[vtypes.Txid]*vtypes.Session),
	}

	s.alloc = sector.NewAllocator(0)

	cacheSize := opts.CacheSize
	if cacheSize == 0 {
		cacheSize = sector.DefaultCacheSize
	}

	mgr, err := sector.NewManager(&blockStore{db: db}, opts.Crypto, opts.VolumeKey, s.alloc, cacheSize)
	if err != nil {
		db.Close()
		return nil, err
	}

	s.sector = mgr

	return s, nil
}

// Exists reports whether a super-block row has ever been written.
func (s *SQL) Exists(ctx context.Context) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM super_blocks`).Scan(&n); err != nil {
		return false, fmt.Errorf("sqlbackend: exists: %w", err)
	}

	return n > 0, nil
}

// Init is a no-op beyond the schema creation New already performed: a
// freshly opened SQLite file with no rows in super_blocks is already a
// valid, empty volume.
func (s *SQL) Init(ctx context.Context) error {
	return nil
}

// Close releases the underlying *sql.DB handle.
func (s *SQL) Close(ctx context.Context) error {
	return s.db.Close()
}

// Sector implements [storage.SectorAccessor].
func (s *SQL) Sector() *sector.Manager { return s.sector }

// Alloc implements [storage.SectorAccessor].
func (s *SQL) Alloc() *sector.Allocator { return s.alloc }

var (
	_ storage.Storage        = (*SQL)(nil)
	_ storage.SectorAccessor = (*SQL)(nil)
)
