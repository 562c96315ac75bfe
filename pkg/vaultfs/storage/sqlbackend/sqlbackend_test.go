package sqlbackend_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/nkhsl/vaultfs/pkg/vaultfs/storage"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/storage/sqlbackend"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/vcrypto"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/verrs"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/vtypes"
)

func newSQL(t *testing.T, path string) (*sqlbackend.SQL, []byte) {
	t.Helper()

	crypto, err := vcrypto.New(vcrypto.CipherXChaCha20Poly1305)
	if err != nil {
		t.Fatalf("new crypto: %v", err)
	}

	key, err := vcrypto.NewKey()
	if err != nil {
		t.Fatalf("new key: %v", err)
	}

	s, err := sqlbackend.New(sqlbackend.Options{Path: path, Crypto: crypto, VolumeKey: key})
	if err != nil {
		t.Fatalf("new sqlbackend: %v", err)
	}

	return s, key
}

func Test_Init_Then_Exists_Reports_True(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vault.db")
	s, _ := newSQL(t, path)
	defer s.Close(ctx)

	exists, err := s.Exists(ctx)
	if err != nil {
		t.Fatalf("exists before super-block: %v", err)
	}

	if exists {
		t.Fatalf("exists before super-block: got true, want false")
	}

	if err := s.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	sb := storage.SuperBlock{Version: 1, Cipher: vcrypto.CipherXChaCha20Poly1305, Seq: 1, Payload: []byte("p")}

	if err := s.PutSuperBlk(ctx, storage.EncodeSuperBlock(sb)); err != nil {
		t.Fatalf("put_super_blk: %v", err)
	}

	exists, err = s.Exists(ctx)
	if err != nil {
		t.Fatalf("exists after super-block: %v", err)
	}

	if !exists {
		t.Fatalf("exists after super-block: got false, want true")
	}
}

func Test_Write_Read_Roundtrip_Across_Commit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vault.db")
	s, _ := newSQL(t, path)
	defer s.Close(ctx)

	if err := s.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	if _, err := s.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}

	txid := vtypes.Txid(1)

	if err := s.BeginTrans(ctx, txid); err != nil {
		t.Fatalf("begin_trans: %v", err)
	}

	eid, err := vtypes.NewEid()
	if err != nil {
		t.Fatalf("new_eid: %v", err)
	}

	payload := []byte("relational blob")

	if _, err := s.Write(ctx, eid, 0, payload, txid); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := s.CommitTrans(ctx, txid); err != nil {
		t.Fatalf("commit_trans: %v", err)
	}

	buf := make([]byte, len(payload))

	n, err := s.Read(ctx, eid, 0, buf, vtypes.NoTxid)
	if err != nil {
		t.Fatalf("read after commit: %v", err)
	}

	if string(buf[:n]) != string(payload) {
		t.Fatalf("read after commit: got %q, want %q", buf[:n], payload)
	}
}

func Test_Abort_Discards_Writes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vault.db")
	s, _ := newSQL(t, path)
	defer s.Close(ctx)

	if err := s.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	if _, err := s.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}

	txid := vtypes.Txid(1)

	if err := s.BeginTrans(ctx, txid); err != nil {
		t.Fatalf("begin_trans: %v", err)
	}

	eid, err := vtypes.NewEid()
	if err != nil {
		t.Fatalf("new_eid: %v", err)
	}

	if _, err := s.Write(ctx, eid, 0, []byte("ephemeral"), txid); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := s.AbortTrans(ctx, txid); err != nil {
		t.Fatalf("abort_trans: %v", err)
	}

	buf := make([]byte, 16)
	if _, err := s.Read(ctx, eid, 0, buf, vtypes.NoTxid); !errors.Is(err, verrs.ErrNoEntity) {
		t.Fatalf("read after abort: got %v, want %v", err, verrs.ErrNoEntity)
	}
}

func Test_Reopen_Recovers_Committed_Data_And_Last_Txid(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vault.db")

	crypto, err := vcrypto.New(vcrypto.CipherXChaCha20Poly1305)
	if err != nil {
		t.Fatalf("new crypto: %v", err)
	}

	key, err := vcrypto.NewKey()
	if err != nil {
		t.Fatalf("new key: %v", err)
	}

	s, err := sqlbackend.New(sqlbackend.Options{Path: path, Crypto: crypto, VolumeKey: key})
	if err != nil {
		t.Fatalf("new sqlbackend: %v", err)
	}

	if err := s.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	if _, err := s.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}

	txid := vtypes.Txid(1)

	if err := s.BeginTrans(ctx, txid); err != nil {
		t.Fatalf("begin_trans: %v", err)
	}

	eid, err := vtypes.NewEid()
	if err != nil {
		t.Fatalf("new_eid: %v", err)
	}

	if _, err := s.Write(ctx, eid, 0, []byte("durable"), txid); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := s.CommitTrans(ctx, txid); err != nil {
		t.Fatalf("commit_trans: %v", err)
	}

	if err := s.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := sqlbackend.New(sqlbackend.Options{Path: path, Crypto: crypto, VolumeKey: key})
	if err != nil {
		t.Fatalf("re-new sqlbackend: %v", err)
	}
	defer reopened.Close(ctx)

	lastTxid, err := reopened.Open(ctx)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}

	if lastTxid != txid {
		t.Fatalf("reopen last txid: got %d, want %d", lastTxid, txid)
	}

	buf := make([]byte, 16)

	n, err := reopened.Read(ctx, eid, 0, buf, vtypes.NoTxid)
	if err != nil {
		t.Fatalf("read after reopen: %v", err)
	}

	if string(buf[:n]) != "durable" {
		t.Fatalf("read after reopen: got %q, want %q", buf[:n], "durable")
	}
}

func Test_Super_Block_Higher_Seq_Wins(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vault.db")
	s, _ := newSQL(t, path)
	defer s.Close(ctx)

	if err := s.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	sb1 := storage.SuperBlock{Version: 1, Cipher: vcrypto.CipherXChaCha20Poly1305, Seq: 1, Payload: []byte("first")}
	if err := s.PutSuperBlk(ctx, storage.EncodeSuperBlock(sb1)); err != nil {
		t.Fatalf("put_super_blk 1: %v", err)
	}

	sb2 := storage.SuperBlock{Version: 1, Cipher: vcrypto.CipherXChaCha20Poly1305, Seq: 2, Payload: []byte("second")}
	if err := s.PutSuperBlk(ctx, storage.EncodeSuperBlock(sb2)); err != nil {
		t.Fatalf("put_super_blk 2: %v", err)
	}

	got, err := s.GetSuperBlk(ctx)
	if err != nil {
		t.Fatalf("get_super_blk: %v", err)
	}

	gotSb, err := storage.DecodeSuperBlock(got)
	if err != nil {
		t.Fatalf("decode_super_block: %v", err)
	}

	if string(gotSb.Payload) != "second" {
		t.Fatalf("get_super_blk: got %q, want %q", gotSb.Payload, "second")
	}
}
