package txmgr_test

import (
	"context"
	"errors"
	"testing"

	"github.com/nkhsl/vaultfs/pkg/vaultfs/codec"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/cow"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/storage"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/storage/membackend"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/txmgr"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/vcrypto"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/verrs"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/vtypes"
)

type widget struct {
	Name string
}

var widgetMagic = codec.Magic{'W', 'D', 'G', 'T', 'v', '1', '_', '_'}

func newBackend(t *testing.T) storage.Storage {
	t.Helper()

	crypto, err := vcrypto.New(vcrypto.CipherXChaCha20Poly1305)
	if err != nil {
		t.Fatalf("new crypto: %v", err)
	}

	key, err := vcrypto.NewKey()
	if err != nil {
		t.Fatalf("new key: %v", err)
	}

	vol, err := membackend.New(membackend.Options{Crypto: crypto, VolumeKey: key})
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}

	if err := vol.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}

	return vol
}

func newManager(t *testing.T) (*txmgr.Manager, storage.Storage) {
	t.Helper()

	vol := newBackend(t)

	mgr, err := txmgr.New(vol)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	if err := mgr.Open(context.Background(), vtypes.Space{}); err != nil {
		t.Fatalf("open: %v", err)
	}

	return mgr, vol
}

func Test_Commit_Persists_Value_Across_New_Read_Txid(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	mgr, vol := newManager(t)
	entities := cow.NewManager[widget](vol, mgr, vtypes.KindFileNode, widgetMagic)

	txid, err := mgr.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	eid, err := entities.IntoCow(ctx, txid, widget{Name: "alpha"})
	if err != nil {
		t.Fatalf("into_cow: %v", err)
	}

	if err := mgr.Commit(ctx, txid); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := entities.Get(ctx, vtypes.NoTxid, eid)
	if err != nil {
		t.Fatalf("get after commit: %v", err)
	}

	if got.Name != "alpha" {
		t.Fatalf("got %q, want %q", got.Name, "alpha")
	}
}

func Test_Abort_Discards_New_Entity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	mgr, vol := newManager(t)
	entities := cow.NewManager[widget](vol, mgr, vtypes.KindFileNode, widgetMagic)

	txid, err := mgr.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	eid, err := entities.IntoCow(ctx, txid, widget{Name: "ephemeral"})
	if err != nil {
		t.Fatalf("into_cow: %v", err)
	}

	if err := mgr.Abort(ctx, txid); err != nil {
		t.Fatalf("abort: %v", err)
	}

	if _, err := entities.Get(ctx, vtypes.NoTxid, eid); !errors.Is(err, verrs.ErrNoEntity) {
		t.Fatalf("get after abort: got %v, want %v", err, verrs.ErrNoEntity)
	}
}

func Test_MakeMut_Flips_Arm_Visible_Only_After_Commit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	mgr, vol := newManager(t)
	entities := cow.NewManager[widget](vol, mgr, vtypes.KindFileNode, widgetMagic)

	txid, err := mgr.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	eid, err := entities.IntoCow(ctx, txid, widget{Name: "v1"})
	if err != nil {
		t.Fatalf("into_cow: %v", err)
	}

	if err := mgr.Commit(ctx, txid); err != nil {
		t.Fatalf("commit: %v", err)
	}

	txid2, err := mgr.Begin(ctx)
	if err != nil {
		t.Fatalf("begin 2: %v", err)
	}

	mut, err := entities.MakeMut(ctx, txid2, eid)
	if err != nil {
		t.Fatalf("make_mut: %v", err)
	}

	mut.Name = "v2"

	outsideRead, err := entities.Get(ctx, vtypes.NoTxid, eid)
	if err != nil {
		t.Fatalf("get outside txn: %v", err)
	}

	if outsideRead.Name != "v1" {
		t.Fatalf("uncommitted mutation leaked: got %q, want %q", outsideRead.Name, "v1")
	}

	if err := mgr.Commit(ctx, txid2); err != nil {
		t.Fatalf("commit 2: %v", err)
	}

	committed, err := entities.Get(ctx, vtypes.NoTxid, eid)
	if err != nil {
		t.Fatalf("get after commit 2: %v", err)
	}

	if committed.Name != "v2" {
		t.Fatalf("got %q, want %q", committed.Name, "v2")
	}
}

func Test_AddToTrans_Rejects_Entity_Already_Locked_By_Another_Txn(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	mgr, vol := newManager(t)
	entities := cow.NewManager[widget](vol, mgr, vtypes.KindFileNode, widgetMagic)

	txid, err := mgr.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	eid, err := entities.IntoCow(ctx, txid, widget{Name: "shared"})
	if err != nil {
		t.Fatalf("into_cow: %v", err)
	}

	if err := mgr.AddToTrans(txid, eid); err != nil {
		t.Fatalf("add_to_trans owner: %v", err)
	}

	if err := mgr.Commit(ctx, txid); err != nil {
		t.Fatalf("commit: %v", err)
	}

	txidA, err := mgr.Begin(ctx)
	if err != nil {
		t.Fatalf("begin a: %v", err)
	}

	txidB, err := mgr.Begin(ctx)
	if err != nil {
		t.Fatalf("begin b: %v", err)
	}

	if err := mgr.AddToTrans(txidA, eid); err != nil {
		t.Fatalf("add_to_trans a: %v", err)
	}

	if err := mgr.AddToTrans(txidB, eid); !errors.Is(err, verrs.ErrInUse) {
		t.Fatalf("add_to_trans b: got %v, want %v", err, verrs.ErrInUse)
	}
}

func Test_WithTrans_Commits_On_Success_And_Reports_Current_Txid(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	mgr, vol := newManager(t)
	entities := cow.NewManager[widget](vol, mgr, vtypes.KindFileNode, widgetMagic)

	var eid vtypes.Eid

	err := mgr.WithTrans(ctx, func(ctx context.Context, txid vtypes.Txid) error {
		if mgr.Current() != txid {
			t.Fatalf("current txid inside WithTrans: got %d, want %d", mgr.Current(), txid)
		}

		var err error
		eid, err = entities.IntoCow(ctx, txid, widget{Name: "scoped"})

		return err
	})
	if err != nil {
		t.Fatalf("with_trans: %v", err)
	}

	if mgr.Current() != vtypes.NoTxid {
		t.Fatalf("current txid after WithTrans: got %d, want NoTxid", mgr.Current())
	}

	got, err := entities.Get(ctx, vtypes.NoTxid, eid)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if got.Name != "scoped" {
		t.Fatalf("got %q, want %q", got.Name, "scoped")
	}
}

func Test_WithTrans_Aborts_When_Fn_Returns_Error(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	mgr, vol := newManager(t)
	entities := cow.NewManager[widget](vol, mgr, vtypes.KindFileNode, widgetMagic)

	boom := errors.New("boom")

	var eid vtypes.Eid

	err := mgr.WithTrans(ctx, func(ctx context.Context, txid vtypes.Txid) error {
		var err error
		eid, err = entities.IntoCow(ctx, txid, widget{Name: "rolled-back"})
		if err != nil {
			return err
		}

		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("with_trans: got %v, want %v", err, boom)
	}

	if _, err := entities.Get(ctx, vtypes.NoTxid, eid); !errors.Is(err, verrs.ErrNoEntity) {
		t.Fatalf("get after aborted with_trans: got %v, want %v", err, verrs.ErrNoEntity)
	}
}
