package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "relay",
	Short:        "Room-based realtime relay for marketplace chat and notifications",
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, pushCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Errorf("relay: command failed")
		os.Exit(1)
	}
}
