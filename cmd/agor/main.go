// Package main is the agor CLI. Its primary job is hosting the admin
// gateway subcommands that the daemon invokes through passwordless sudo.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/13ty/agor-sub000/internal/admin"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "agor",
		Short:         "Agor control plane CLI",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(admin.NewCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
