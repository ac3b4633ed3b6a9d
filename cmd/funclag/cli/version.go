package cli

import (
	"fmt"
	"io"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Build-time variables injected via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Version returns the build version string.
func Version() string {
	return version
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of funclag",
	Run: func(cmd *cobra.Command, args []string) {
		printVersion(cmd.OutOrStdout())
	},
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "funclag %s\n", version)
	if commit != "none" {
		fmt.Fprintf(w, "  commit: %s\n", commit)
	}
	if date != "unknown" {
		fmt.Fprintf(w, "  built:  %s\n", date)
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		fmt.Fprintf(w, "  go:     %s\n", info.GoVersion)
	}
}
