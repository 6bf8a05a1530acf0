package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "botyard",
		Short: "Botyard: per-bot chat workers",
		Long:  "Botyard runs one chat bot per process: it connects the bot to the chat network, answers with the AI assistant and hands dialogs over to human operators.",
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newWorkerCmd())
	cmd.AddCommand(newStandaloneCmd())
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newSanitizeCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "botyard %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
