package vaultcli

import (
	"context"
	"errors"

	flag "github.com/spf13/pflag"
)

func cmdMkdir() *Command {
	fs := flag.NewFlagSet("mkdir", flag.ContinueOnError)
	rf := addRepoFlags(fs)

	return &Command{
		Flags: fs,
		Usage: "mkdir <uri> <path>",
		Short: "Create an empty directory inside a repository",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 2 {
				return errors.New("usage: vaultctl mkdir <uri> <path> [flags]")
			}

			repo, err := rf.open(ctx, args[0])
			if err != nil {
				return err
			}
			defer repo.Close(ctx)

			if err := repo.CreateDir(ctx, args[1]); err != nil {
				return err
			}

			o.Println("created:", args[1])

			return nil
		},
	}
}
