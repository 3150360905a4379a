package main

import (
	"os"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "portfolio-session-server",
	Short: "Keeps brokerage browser sessions alive behind an HTTP API",
	Long: `Logs into the brokerage web app with headless browsers, keeps one
authenticated session per login warm and serves portfolio snapshots over HTTP.
Settings are read from the environment or the YAML file named by CONFIG_FILE.`,
	SilenceUsage: true,
	RunE:         runServe,
}

func main() {
	err := rootCmd.Execute()
	memguard.Purge()
	if err != nil {
		os.Exit(1)
	}
}
