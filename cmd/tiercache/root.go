package main

import (
	"io"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type app struct {
	stdout io.Writer
	stderr io.Writer
}

func newRootCommand(out, errOut io.Writer) *cobra.Command {
	a := &app{stdout: out, stderr: errOut}
	cmd := &cobra.Command{
		Use:   "tiercache",
		Short: "Multi-tier cache server",
		Long: `tiercache serves a layered cache (memory, session, local file, Redis)
behind an admin API and an optional caching reverse proxy.

Configuration is read from TIERCACHE_* environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.AddCommand(newServeCmd(a), newKeyCmd(a), newTokenCmd(a))
	return cmd
}
