package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is the build version, overridden at link time.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "latchkey",
	Short: "Latchkey is a passkey authentication service",
	Long: `A passkey-first authentication service: WebAuthn registration and
login ceremonies, single-use recovery codes, and bearer-token sessions.
Complete documentation is available at https://github.com/jmcleod/latchkey`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
