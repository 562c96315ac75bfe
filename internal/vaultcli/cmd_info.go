package vaultcli

import (
	"context"
	"errors"

	flag "github.com/spf13/pflag"
)

func cmdInfo() *Command {
	fs := flag.NewFlagSet("info", flag.ContinueOnError)
	rf := addRepoFlags(fs)

	return &Command{
		Flags: fs,
		Usage: "info <uri>",
		Short: "Print a repository's persisted configuration",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return errors.New("usage: vaultctl info <uri> [flags]")
			}

			repo, err := rf.open(ctx, args[0])
			if err != nil {
				return err
			}
			defer repo.Close(ctx)

			info := repo.Info()

			o.Printf("repo-id:       %s\n", info.RepoID)
			o.Printf("cipher:        %d\n", info.Cipher)
			o.Printf("ops-limit:     %d\n", info.OpsLimit)
			o.Printf("mem-limit:     %d\n", info.MemLimit)
			o.Printf("version-limit: %d\n", info.VersionLimit)
			o.Printf("read-only:     %v\n", info.IsReadOnly)

			return nil
		},
	}
}
