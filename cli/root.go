// Package cli implements the bitchat command-line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var verbose bool

// NewRootCmd builds the bitchat command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "bitchat",
		Short:         "Offline-first peer messaging and transaction relay node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newRunCmd())
	root.AddCommand(newIdentityCmd())
	root.AddCommand(newQueueCmd())
	return root
}

// Execute runs the CLI. A .env file in the working directory, if
// present, seeds the environment before config resolution.
func Execute() {
	_ = godotenv.Load()

	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	return cfg.Build()
}
