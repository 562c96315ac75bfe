package vaultcli

import (
	"context"
	"errors"

	flag "github.com/spf13/pflag"
)

func cmdStat() *Command {
	fs := flag.NewFlagSet("stat", flag.ContinueOnError)
	rf := addRepoFlags(fs)

	return &Command{
		Flags: fs,
		Usage: "stat <uri> <path>",
		Short: "Resolve a path and print what it is",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 2 {
				return errors.New("usage: vaultctl stat <uri> <path> [flags]")
			}

			repo, err := rf.open(ctx, args[0])
			if err != nil {
				return err
			}
			defer repo.Close(ctx)

			info, err := repo.Stat(ctx, args[1])
			if err != nil {
				return err
			}

			kind := "file"
			if info.IsDir {
				kind = "dir"
			}

			o.Printf("%s  %s  %s\n", kind, info.Eid, info.Name)

			return nil
		},
	}
}
