package vaultfs_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/nkhsl/vaultfs/pkg/vaultfs"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/verrs"
)

func memURI(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("mem://%s", t.Name())
}

func Test_Create_Then_Reopen_With_Same_Password(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	uri := fmt.Sprintf("file://%s", t.TempDir())

	repo, err := vaultfs.New().Create(true).Open(ctx, uri, "correct horse")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := repo.CreateDir(ctx, "/photos"); err != nil {
		t.Fatalf("create_dir: %v", err)
	}

	info := repo.Info()
	if info.VersionLimit != 1 {
		t.Fatalf("info version_limit: got %d, want 1", info.VersionLimit)
	}

	if err := repo.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := vaultfs.New().Open(ctx, uri, "correct horse")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close(ctx)

	stat, err := reopened.Stat(ctx, "/photos")
	if err != nil {
		t.Fatalf("stat /photos after reopen: %v", err)
	}

	if !stat.IsDir {
		t.Fatalf("stat /photos: got IsDir false, want true")
	}
}

func Test_Open_Nonexistent_Without_Create_Fails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	uri := fmt.Sprintf("file://%s", filepath.Join(t.TempDir(), "does-not-exist"))

	if _, err := vaultfs.New().Open(ctx, uri, "pwd"); !errors.Is(err, verrs.ErrNotFound) {
		t.Fatalf("open without create: got %v, want %v", err, verrs.ErrNotFound)
	}
}

func Test_CreateNew_On_Existing_Repo_Fails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	uri := memURI(t)

	repo, err := vaultfs.New().Create(true).Open(ctx, uri, "pwd")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer repo.Close(ctx)

	if _, err := vaultfs.New().CreateNew(true).Open(ctx, uri, "pwd"); !errors.Is(err, verrs.ErrAlreadyExists) {
		t.Fatalf("create_new on existing: got %v, want %v", err, verrs.ErrAlreadyExists)
	}
}

func Test_VersionLimit_Zero_Rejected(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	uri := memURI(t)

	if _, err := vaultfs.New().Create(true).VersionLimit(0).Open(ctx, uri, "pwd"); !errors.Is(err, verrs.ErrInvalidArgument) {
		t.Fatalf("version_limit(0): got %v, want %v", err, verrs.ErrInvalidArgument)
	}
}

func Test_ReadOnly_Rejects_CreateDir(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	uri := fmt.Sprintf("file://%s", t.TempDir())

	repo, err := vaultfs.New().Create(true).Open(ctx, uri, "pwd")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := repo.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	roRepo, err := vaultfs.New().ReadOnly(true).Open(ctx, uri, "pwd")
	if err != nil {
		t.Fatalf("reopen read-only: %v", err)
	}
	defer roRepo.Close(ctx)

	if err := roRepo.CreateDir(ctx, "/nope"); !errors.Is(err, verrs.ErrReadOnly) {
		t.Fatalf("create_dir on read-only repo: got %v, want %v", err, verrs.ErrReadOnly)
	}
}

func Test_Open_Wrong_Password_Fails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	uri := fmt.Sprintf("file://%s", t.TempDir())

	repo, err := vaultfs.New().Create(true).Open(ctx, uri, "right password")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := repo.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := vaultfs.New().Open(ctx, uri, "wrong password"); err == nil {
		t.Fatalf("open with wrong password: got nil error, want a decryption failure")
	}
}

func Test_ResetPassword_Then_Old_Password_Fails_New_Succeeds(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	uri := fmt.Sprintf("file://%s", t.TempDir())

	repo, err := vaultfs.New().Create(true).Open(ctx, uri, "old password")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := repo.CreateDir(ctx, "/keep"); err != nil {
		t.Fatalf("create_dir: %v", err)
	}

	opsLimit := repo.Info().OpsLimit
	memLimit := repo.Info().MemLimit

	if err := repo.ResetPassword(ctx, "old password", "new password", opsLimit, memLimit); err != nil {
		t.Fatalf("reset_password: %v", err)
	}

	if err := repo.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := vaultfs.New().Open(ctx, uri, "old password"); err == nil {
		t.Fatalf("open with old password after reset: got nil error, want failure")
	}

	reopened, err := vaultfs.New().Open(ctx, uri, "new password")
	if err != nil {
		t.Fatalf("open with new password: %v", err)
	}
	defer reopened.Close(ctx)

	if _, err := reopened.Stat(ctx, "/keep"); err != nil {
		t.Fatalf("stat /keep after reset: %v", err)
	}
}

func Test_Sqlite_Scheme_Roundtrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	uri := fmt.Sprintf("sqlite://%s", filepath.Join(t.TempDir(), "vault.db"))

	repo, err := vaultfs.New().Create(true).Open(ctx, uri, "pwd")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := repo.CreateDir(ctx, "/data"); err != nil {
		t.Fatalf("create_dir: %v", err)
	}

	if err := repo.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := vaultfs.New().Open(ctx, uri, "pwd")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close(ctx)

	if _, err := reopened.Stat(ctx, "/data"); err != nil {
		t.Fatalf("stat /data after reopen: %v", err)
	}
}

func Test_Redis_Scheme_Reports_Unavailable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	if _, err := vaultfs.New().Create(true).Open(ctx, "redis://localhost/0", "pwd"); !errors.Is(err, verrs.ErrBackendUnavailable) {
		t.Fatalf("redis:// open: got %v, want %v", err, verrs.ErrBackendUnavailable)
	}
}
