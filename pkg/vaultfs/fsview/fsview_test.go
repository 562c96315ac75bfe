package fsview_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nkhsl/vaultfs/pkg/vaultfs/fsview"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/storage"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/storage/membackend"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/txmgr"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/vcrypto"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/verrs"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/vtypes"
)

func newView(t *testing.T, readOnly bool) (*fsview.View, vtypes.Eid) {
	t.Helper()

	ctx := context.Background()

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
		t.Fatalf("new membackend: %v", err)
	}

	if err := vol.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	var store storage.Storage = vol

	mgr, err := txmgr.New(store)
	if err != nil {
		t.Fatalf("new txmgr: %v", err)
	}

	if err := mgr.Open(ctx, vtypes.Space{}); err != nil {
		t.Fatalf("open: %v", err)
	}

	var rootEid vtypes.Eid

	err = mgr.WithTrans(ctx, func(ctx context.Context, txid vtypes.Txid) error {
		eid, err := fsview.CreateRoot(ctx, store, mgr, txid)
		if err != nil {
			return err
		}

		rootEid = eid

		return nil
	})
	if err != nil {
		t.Fatalf("create_root: %v", err)
	}

	return fsview.New(store, mgr, rootEid, readOnly), rootEid
}

func Test_Stat_Root_Reports_Directory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	view, rootEid := newView(t, false)

	info, err := view.Stat(ctx, "/")
	if err != nil {
		t.Fatalf("stat /: %v", err)
	}

	if !info.IsDir {
		t.Fatalf("stat /: got IsDir false, want true")
	}

	if info.Eid != rootEid {
		t.Fatalf("stat /: got eid %s, want %s", info.Eid, rootEid)
	}
}

func Test_CreateDir_Then_Stat_Finds_It(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	view, _ := newView(t, false)

	if err := view.CreateDir(ctx, "/docs"); err != nil {
		t.Fatalf("create_dir /docs: %v", err)
	}

	info, err := view.Stat(ctx, "/docs")
	if err != nil {
		t.Fatalf("stat /docs: %v", err)
	}

	want := fsview.Info{Name: "docs", Eid: info.Eid, IsDir: true}
	if diff := cmp.Diff(want, info); diff != "" {
		t.Fatalf("stat /docs: mismatch (-want +got):\n%s", diff)
	}
}

func Test_CreateDir_Nested_Requires_Parent_To_Exist(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	view, _ := newView(t, false)

	if err := view.CreateDir(ctx, "/a/b"); !errors.Is(err, verrs.ErrNotFound) {
		t.Fatalf("create_dir /a/b without parent: got %v, want %v", err, verrs.ErrNotFound)
	}

	if err := view.CreateDir(ctx, "/a"); err != nil {
		t.Fatalf("create_dir /a: %v", err)
	}

	if err := view.CreateDir(ctx, "/a/b"); err != nil {
		t.Fatalf("create_dir /a/b: %v", err)
	}

	info, err := view.Stat(ctx, "/a/b")
	if err != nil {
		t.Fatalf("stat /a/b: %v", err)
	}

	if info.Name != "b" {
		t.Fatalf("stat /a/b: got name %q, want %q", info.Name, "b")
	}
}

func Test_CreateDir_Rejects_Duplicate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	view, _ := newView(t, false)

	if err := view.CreateDir(ctx, "/dup"); err != nil {
		t.Fatalf("create_dir /dup: %v", err)
	}

	if err := view.CreateDir(ctx, "/dup"); !errors.Is(err, verrs.ErrAlreadyExists) {
		t.Fatalf("create_dir /dup again: got %v, want %v", err, verrs.ErrAlreadyExists)
	}
}

func Test_CreateDir_On_ReadOnly_View_Rejected(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	view, _ := newView(t, true)

	if err := view.CreateDir(ctx, "/nope"); !errors.Is(err, verrs.ErrReadOnly) {
		t.Fatalf("create_dir on read-only view: got %v, want %v", err, verrs.ErrReadOnly)
	}
}

func Test_Stat_Missing_Path_Reports_NotFound(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	view, _ := newView(t, false)

	if _, err := view.Stat(ctx, "/missing"); !errors.Is(err, verrs.ErrNotFound) {
		t.Fatalf("stat /missing: got %v, want %v", err, verrs.ErrNotFound)
	}
}
