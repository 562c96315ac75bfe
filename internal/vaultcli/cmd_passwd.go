package vaultcli

import (
	"context"
	"errors"

	flag "github.com/spf13/pflag"
)

func cmdPasswd() *Command {
	fs := flag.NewFlagSet("passwd", flag.ContinueOnError)
	rf := addRepoFlags(fs)
	newPassword := fs.String("new-password", "", "New password")

	return &Command{
		Flags: fs,
		Usage: "passwd <uri>",
		Short: "Re-wrap a repository's master key under a new password",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return errors.New("usage: vaultctl passwd <uri> --password <old> --new-password <new>")
			}

			if *newPassword == "" {
				return errors.New("--new-password is required")
			}

			repo, err := rf.open(ctx, args[0])
			if err != nil {
				return err
			}
			defer repo.Close(ctx)

			opsLimit, err := parseCostProfile(*rf.opsLimit)
			if err != nil {
				return err
			}

			memLimit, err := parseCostProfile(*rf.memLimit)
			if err != nil {
				return err
			}

			if err := repo.ResetPassword(ctx, *rf.password, *newPassword, opsLimit, memLimit); err != nil {
				return err
			}

			o.Println("password updated")

			return nil
		},
	}
}
