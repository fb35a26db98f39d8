// Command chainport connects through a transport chain described in YAML
// and inspects the protocol logs it writes.
//
// Usage:
//
//	chainport connect --config chain.yaml --scheme ws --host echo.example --port 80
//	chainport events --layer websocket session.clog
//	chainport version
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chainport/chainport-go/pkg/version"
)

// Build information set at build time.
var (
	buildVersion = "dev"
	commit       = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "chainport",
		Short: "Connect through composable transport chains",
		Long: `chainport builds a chain of transports (TCP, TLS, SOCKS4, WebSocket)
from a YAML description and connects through its outermost layer.

Protocol events of every layer can be written to a CBOR log file and
inspected later with the events command.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		connectCmd(),
		eventsCmd(),
		versionCmd(),
	)
	return rootCmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chainport %s (%s) %s\n", buildVersion, commit, version.UserAgent())
		},
	}
}
