package vaultcli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/nkhsl/vaultfs/pkg/vaultfs"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/fsview"
)

// shellRepo is the subset of *vaultfs.Repo the shell loop drives.
type shellRepo interface {
	CreateDir(ctx context.Context, path string) error
	Stat(ctx context.Context, path string) (fsview.Info, error)
	Info() vaultfs.Info
}

// cmdShell opens one repository and drops into an interactive REPL over it,
// grounded on tk's own single-process command loop but using
// github.com/peterh/liner for line editing and history instead of a
// one-shot flag.Parse per invocation.
func cmdShell() *Command {
	fs := flag.NewFlagSet("shell", flag.ContinueOnError)
	rf := addRepoFlags(fs)

	return &Command{
		Flags: fs,
		Usage: "shell <uri>",
		Short: "Open a repository and start an interactive command shell",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return errors.New("usage: vaultctl shell <uri> [flags]")
			}

			repo, err := rf.open(ctx, args[0])
			if err != nil {
				return err
			}
			defer repo.Close(ctx)

			sessionID := uuid.New()
			o.Printf("session %s  repo %s\n", sessionID, repo.Info().RepoID)

			line := liner.NewLiner()
			defer line.Close()
			line.SetCtrlCAborts(true)

			for {
				input, err := line.Prompt("vaultfs> ")
				if err != nil {
					if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
						return nil
					}

					return err
				}

				input = strings.TrimSpace(input)
				if input == "" {
					continue
				}

				line.AppendHistory(input)

				if input == "exit" || input == "quit" {
					return nil
				}

				if err := execShellLine(ctx, o, repo, input); err != nil {
					o.ErrPrintln("error:", err)
				}
			}
		},
	}
}

func execShellLine(ctx context.Context, o *IO, repo shellRepo, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	switch fields[0] {
	case "mkdir":
		if len(fields) != 2 {
			return errors.New("usage: mkdir <path>")
		}

		if err := repo.CreateDir(ctx, fields[1]); err != nil {
			return err
		}

		o.Println("created:", fields[1])

		return nil

	case "stat":
		if len(fields) != 2 {
			return errors.New("usage: stat <path>")
		}

		info, err := repo.Stat(ctx, fields[1])
		if err != nil {
			return err
		}

		kind := "file"
		if info.IsDir {
			kind = "dir"
		}

		o.Printf("%s  %s  %s\n", kind, info.Eid, info.Name)

		return nil

	case "info":
		info := repo.Info()
		o.Printf("repo-id: %s  version-limit: %d  read-only: %v\n", info.RepoID, info.VersionLimit, info.IsReadOnly)

		return nil

	default:
		return fmt.Errorf("unknown shell command: %s", fields[0])
	}
}
