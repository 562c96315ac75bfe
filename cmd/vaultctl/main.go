// Command vaultctl is a minimal CLI over an encrypted, versioned object
// store repository.
package main

import (
	"context"
	"os"

	"github.com/nkhsl/vaultfs/internal/vaultcli"
)

func main() {
	o := vaultcli.NewIO(os.Stdout, os.Stderr)
	os.Exit(vaultcli.Run(context.Background(), o, os.Args[1:]))
}
