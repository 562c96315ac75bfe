package vaultcli_test

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nkhsl/vaultfs/internal/vaultcli"
)

func run(t *testing.T, args ...string) (stdout, stderr string, code int) {
	t.Helper()

	var out, errOut bytes.Buffer
	io := vaultcli.NewIO(&out, &errOut)
	code = vaultcli.Run(context.Background(), io, args)

	return out.String(), errOut.String(), code
}

func repoURI(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("file://%s", filepath.Join(t.TempDir(), "vault"))
}

func Test_Run_With_No_Args_Prints_Usage(t *testing.T) {
	t.Parallel()

	stdout, _, code := run(t)
	if code != 0 {
		t.Fatalf("code: got %d, want 0", code)
	}

	if !strings.Contains(stdout, "vaultctl manages") {
		t.Fatalf("stdout: missing usage banner, got %q", stdout)
	}
}

func Test_Run_With_Unknown_Command_Reports_Error(t *testing.T) {
	t.Parallel()

	_, stderr, code := run(t, "bogus")
	if code != 2 {
		t.Fatalf("code: got %d, want 2", code)
	}

	if !strings.Contains(stderr, "unknown command") {
		t.Fatalf("stderr: got %q, want mention of unknown command", stderr)
	}
}

func Test_Info_Requires_Repo_To_Exist(t *testing.T) {
	t.Parallel()

	uri := repoURI(t)

	_, _, code := run(t, "info", uri, "--password", "hunter2")
	if code == 0 {
		t.Fatalf("code: got 0, want nonzero for missing repo")
	}
}

func Test_Mkdir_Then_Stat_Roundtrip(t *testing.T) {
	t.Parallel()

	uri := repoURI(t)

	_, stderr, code := run(t, "mkdir", uri, "/photos", "--password", "hunter2", "--create")
	if code != 0 {
		t.Fatalf("mkdir code: got %d, stderr=%q", code, stderr)
	}

	stdout, stderr, code := run(t, "stat", uri, "/photos", "--password", "hunter2")
	if code != 0 {
		t.Fatalf("stat code: got %d, stderr=%q", code, stderr)
	}

	if !strings.Contains(stdout, "dir") || !strings.Contains(stdout, "  photos") {
		t.Fatalf("stat stdout: got %q, want dir entry named photos", stdout)
	}
}

func Test_Info_Reports_Repo_Metadata(t *testing.T) {
	t.Parallel()

	uri := repoURI(t)

	_, stderr, code := run(t, "mkdir", uri, "/x", "--password", "hunter2", "--create", "--version-limit", "3")
	if code != 0 {
		t.Fatalf("mkdir code: got %d, stderr=%q", code, stderr)
	}

	stdout, stderr, code := run(t, "info", uri, "--password", "hunter2")
	if code != 0 {
		t.Fatalf("info code: got %d, stderr=%q", code, stderr)
	}

	if !strings.Contains(stdout, "version-limit: 3") {
		t.Fatalf("info stdout: got %q, want version-limit: 3", stdout)
	}
}

func Test_Passwd_Changes_Password(t *testing.T) {
	t.Parallel()

	uri := repoURI(t)

	_, stderr, code := run(t, "mkdir", uri, "/x", "--password", "old-pw", "--create")
	if code != 0 {
		t.Fatalf("mkdir code: got %d, stderr=%q", code, stderr)
	}

	_, stderr, code = run(t, "passwd", uri, "--password", "old-pw", "--new-password", "new-pw")
	if code != 0 {
		t.Fatalf("passwd code: got %d, stderr=%q", code, stderr)
	}

	if _, _, code := run(t, "info", uri, "--password", "old-pw"); code == 0 {
		t.Fatalf("info with old password: got code 0, want failure after passwd")
	}

	if _, stderr, code := run(t, "info", uri, "--password", "new-pw"); code != 0 {
		t.Fatalf("info with new password: got code %d, stderr=%q", code, stderr)
	}
}

func Test_Mkdir_Rejects_ReadOnly_Open(t *testing.T) {
	t.Parallel()

	uri := repoURI(t)

	_, stderr, code := run(t, "mkdir", uri, "/x", "--password", "hunter2", "--create")
	if code != 0 {
		t.Fatalf("mkdir code: got %d, stderr=%q", code, stderr)
	}

	_, _, code = run(t, "mkdir", uri, "/y", "--password", "hunter2", "--read-only")
	if code == 0 {
		t.Fatalf("mkdir on read-only open: got code 0, want failure")
	}
}

func Test_Passwd_Requires_New_Password_Flag(t *testing.T) {
	t.Parallel()

	uri := repoURI(t)

	_, _, code := run(t, "mkdir", uri, "/x", "--password", "hunter2", "--create")
	if code != 0 {
		t.Fatalf("mkdir code: got %d", code)
	}

	_, stderr, code := run(t, "passwd", uri, "--password", "hunter2")
	if code == 0 {
		t.Fatalf("passwd without --new-password: got code 0, want failure")
	}

	if !strings.Contains(stderr, "new-password") {
		t.Fatalf("stderr: got %q, want mention of --new-password", stderr)
	}
}

func Test_Command_Help_Flag_Prints_Usage(t *testing.T) {
	t.Parallel()

	stdout, _, code := run(t, "mkdir", "-h")
	if code != 0 {
		t.Fatalf("code: got %d, want 0", code)
	}

	if !strings.Contains(stdout, "Usage: vaultctl mkdir") {
		t.Fatalf("stdout: got %q, want mkdir usage", stdout)
	}
}
