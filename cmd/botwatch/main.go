package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "botwatch",
	Short: "Score the authors of streamed posts for bot likelihood and store the results",
	Long: `botwatch follows the real-time post stream for a set of keywords, asks the
Botometer API how likely each post's author is to be a bot, and appends the
post and its score to a local SQLite database.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.AddCommand(watchCmd, statusCmd, configCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("error: %v", err)
		os.Exit(1)
	}
}
