package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/majorcontext/funclag/internal/config"
	"github.com/majorcontext/funclag/internal/tracefs"
	"github.com/majorcontext/funclag/internal/ui"
)

var funcsCmd = &cobra.Command{
	Use:   "funcs [PATTERN]",
	Short: "List kernel functions available for tracing",
	Long: `List the kernel symbols the tracer can attach to, one per line.

PATTERN narrows the listing with the same glob syntax the root command
accepts, so a pattern that prints nothing here will not trace anything
either.`,
	Example: `  # All traceable functions
  funclag funcs

  # Everything in the ext4 filesystem
  funclag funcs 'ext4_*'`,
	Args: cobra.MaximumNArgs(1),
	RunE: runFuncs,
}

func init() {
	rootCmd.AddCommand(funcsCmd)
}

func runFuncs(cmd *cobra.Command, args []string) error {
	pattern := ""
	if len(args) > 0 {
		pattern = args[0]
	}

	cfg, _ := config.LoadGlobal()
	fs, err := tracefs.Detect(cfg.Tracing.Dir)
	if err != nil {
		return err
	}

	funcs, err := fs.Functions(pattern)
	if err != nil {
		return err
	}
	printFunctions(cmd.OutOrStdout(), pattern, funcs)
	return nil
}

// printFunctions writes the listing one symbol per line, or a warning when
// nothing matched.
func printFunctions(w io.Writer, pattern string, names []string) {
	if len(names) == 0 {
		if pattern == "" {
			ui.Warn("no traceable functions found")
		} else {
			ui.Warnf("no traceable functions match %q", pattern)
		}
		return
	}
	for _, fn := range names {
		fmt.Fprintln(w, fn)
	}
}
