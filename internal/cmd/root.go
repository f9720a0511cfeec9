package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ctrtool",
	Short: "Decrypt, verify and extract various file formats used by the Nintendo 3DS, also known as CTR",
	Long: `Decrypt, verify and extract various file formats used by the Nintendo 3DS, also known as CTR.

Every command prints a JSON report per file on stdout, and diagnostics on stderr. Files are
processed on a best effort basis: the exit code reflects the worst error encountered.`,
	SilenceUsage: true,
}

// Execute the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsage)
	}
	os.Exit(exitCode)
}
