// Package vaultcli is the vaultctl command dispatcher, grounded on
// tk's internal/cli.Command/Run structure (flag.FlagSet-per-command,
// a Command registry, one global help listing) generalized from ticket
// subcommands to repository subcommands.
package vaultcli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	flag "github.com/spf13/pflag"
)

// Command defines one vaultctl subcommand with unified help generation.
type Command struct {
	Flags *flag.FlagSet
	Usage string
	Short string
	Exec  func(ctx context.Context, o *IO, args []string) error
}

// Name returns the command name (first word of Usage).
func (c *Command) Name() string {
	name, _, _ := strings.Cut(c.Usage, " ")
	return name
}

func (c *Command) helpLine() string {
	return fmt.Sprintf("  %-28s %s", c.Usage, c.Short)
}

func (c *Command) printHelp(o *IO) {
	o.Println("Usage: vaultctl", c.Usage)
	o.Println()
	o.Println(c.Short)

	if c.Flags != nil && c.Flags.HasFlags() {
		o.Println()
		o.Println("Flags:")

		var buf strings.Builder
		c.Flags.SetOutput(&buf)
		c.Flags.PrintDefaults()
		o.Printf("%s", buf.String())
	}
}

// run parses flags and executes the command, returning an exit code.
func (c *Command) run(ctx context.Context, o *IO, args []string) int {
	c.Flags.SetOutput(&strings.Builder{})

	if err := c.Flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			c.printHelp(o)
			return 0
		}

		o.ErrPrintln("error:", err)

		return 2
	}

	if err := c.Exec(ctx, o, c.Flags.Args()); err != nil {
		o.ErrPrintln("error:", err)
		return 1
	}

	return 0
}

func printUsage(o *IO, commands []*Command) {
	o.Println("vaultctl manages an encrypted, versioned object store.")
	o.Println()
	o.Println("Usage: vaultctl <command> [flags]")
	o.Println()
	o.Println("Commands:")

	for _, cmd := range commands {
		o.Println(cmd.helpLine())
	}
}

// Run is the vaultctl entry point. Returns an exit code.
func Run(ctx context.Context, o *IO, args []string) int {
	commands := allCommands()

	commandMap := make(map[string]*Command, len(commands))
	for _, cmd := range commands {
		commandMap[cmd.Name()] = cmd
	}

	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" {
		printUsage(o, commands)
		return 0
	}

	cmd, ok := commandMap[args[0]]
	if !ok {
		o.ErrPrintln("error: unknown command:", args[0])
		printUsage(o, commands)

		return 2
	}

	return cmd.run(ctx, o, args[1:])
}
