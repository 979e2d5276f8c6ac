// Package commands implements fieldbusd's CLI command tree.
package commands

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "fieldbusd",
	Short: "Agricultural CAN/J1939 field-bus ingestion pipeline",
	Long: `fieldbusd ingests CAN bus traffic from one or more J1939 interfaces,
decodes PGN/SPN messages, buffers them, and persists both raw and decoded
records to PostgreSQL (preferred) or SQLite (fallback).

Use "fieldbusd [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command, for testing.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(diagnoseCmd)
}

// PrintErr prints an error to stderr without exiting.
func PrintErr(format string, args ...any) {
	rootCmd.PrintErrf(format+"\n", args...)
}

// Exit prints an error to stderr and exits with status 1.
func Exit(format string, args ...any) {
	PrintErr(format, args...)
	os.Exit(1)
}
