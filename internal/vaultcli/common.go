package vaultcli

import (
	"context"
	"fmt"

	flag "github.com/spf13/pflag"

	"github.com/nkhsl/vaultfs/pkg/vaultfs"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/vcrypto"
)

// repoFlags are the RepoOpener options every subcommand that touches a
// repository shares, mirroring tests/repo.rs's builder surface.
type repoFlags struct {
	password     *string
	create       *bool
	createNew    *bool
	readOnly     *bool
	cipher       *string
	opsLimit     *string
	memLimit     *string
	versionLimit *uint32
}

func addRepoFlags(fs *flag.FlagSet) *repoFlags {
	return &repoFlags{
		password:     fs.StringP("password", "p", "", "Repository password"),
		create:       fs.Bool("create", false, "Create the repository if it does not exist"),
		createNew:    fs.Bool("create-new", false, "Create the repository, failing if it already exists"),
		readOnly:     fs.Bool("read-only", false, "Open the repository read-only"),
		cipher:       fs.String("cipher", "xchacha20poly1305", "Cipher: xchacha20poly1305|aes256gcm"),
		opsLimit:     fs.String("ops-limit", "interactive", "KDF ops cost: interactive|moderate|sensitive"),
		memLimit:     fs.String("mem-limit", "interactive", "KDF mem cost: interactive|moderate|sensitive"),
		versionLimit: fs.Uint32("version-limit", 1, "Number of versions retained per entry"),
	}
}

func parseCipher(s string) (vcrypto.Cipher, error) {
	switch s {
	case "xchacha20poly1305":
		return vcrypto.CipherXChaCha20Poly1305, nil
	case "aes256gcm":
		return vcrypto.CipherAes256Gcm, nil
	default:
		return 0, fmt.Errorf("unrecognized cipher %q", s)
	}
}

func parseCostProfile(s string) (vcrypto.CostProfile, error) {
	switch s {
	case "interactive":
		return vcrypto.CostInteractive, nil
	case "moderate":
		return vcrypto.CostModerate, nil
	case "sensitive":
		return vcrypto.CostSensitive, nil
	default:
		return 0, fmt.Errorf("unrecognized cost profile %q", s)
	}
}

func (f *repoFlags) open(ctx context.Context, uri string) (*vaultfs.Repo, error) {
	cipher, err := parseCipher(*f.cipher)
	if err != nil {
		return nil, err
	}

	opsLimit, err := parseCostProfile(*f.opsLimit)
	if err != nil {
		return nil, err
	}

	memLimit, err := parseCostProfile(*f.memLimit)
	if err != nil {
		return nil, err
	}

	opener := vaultfs.New().
		Create(*f.create).
		CreateNew(*f.createNew).
		ReadOnly(*f.readOnly).
		Cipher(cipher).
		OpsLimit(opsLimit).
		MemLimit(memLimit).
		VersionLimit(*f.versionLimit)

	return opener.Open(ctx, uri, *f.password)
}
