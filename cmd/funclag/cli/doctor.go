package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/majorcontext/funclag/internal/config"
	"github.com/majorcontext/funclag/internal/doctor"
	"github.com/majorcontext/funclag/internal/lockfile"
	"github.com/majorcontext/funclag/internal/tracefs"
	"github.com/majorcontext/funclag/internal/ui"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose the tracing environment",
	Long: `Checks whether this machine can run a tracing session:

- tracing filesystem mount and access
- function_graph availability and the current tracer mode
- session lock state
- effective privileges`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, ui.Bold("funclag doctor"))
	fmt.Fprintln(out)

	cfg, _ := config.LoadGlobal()
	doctor.Run(out,
		&tracingSection{dir: cfg.Tracing.Dir},
		&lockSection{path: cfg.Tracing.LockFile},
		&privilegeSection{},
	)
	return nil
}

// tracingSection reports the tracing filesystem mount and tracer support.
type tracingSection struct {
	dir string
}

func (s *tracingSection) Name() string { return "Tracing Filesystem" }

func (s *tracingSection) Print(w io.Writer) error {
	fs, err := tracefs.Detect(s.dir)
	if err != nil {
		fmt.Fprintf(w, "%s %v\n", ui.FailTag(), err)
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Root:\t%s\n", fs.Root())

	mode, err := fs.ReadSetting(tracefs.CurrentTracer)
	switch {
	case err != nil:
		fmt.Fprintf(tw, "Current tracer:\t%s %v\n", ui.FailTag(), err)
	case mode == tracefs.ModeNop:
		fmt.Fprintf(tw, "Current tracer:\t%s %s (idle)\n", ui.OKTag(), mode)
	default:
		fmt.Fprintf(tw, "Current tracer:\t%s %s (in use)\n", ui.WarnTag(), mode)
	}

	tracers, err := fs.ReadSetting(tracefs.AvailableTracers)
	switch {
	case err != nil:
		fmt.Fprintf(tw, "function_graph:\t%s %v\n", ui.FailTag(), err)
	case hasWord(tracers, tracefs.ModeGraph):
		fmt.Fprintf(tw, "function_graph:\t%s available\n", ui.OKTag())
	default:
		fmt.Fprintf(tw, "function_graph:\t%s not supported by this kernel\n", ui.FailTag())
	}
	return tw.Flush()
}

func hasWord(list, word string) bool {
	for _, f := range strings.Fields(list) {
		if f == word {
			return true
		}
	}
	return false
}

// lockSection reports whether another session holds the tracer.
type lockSection struct {
	path string
}

func (s *lockSection) Name() string { return "Session Lock" }

func (s *lockSection) Print(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Path:\t%s\n", s.path)
	if owner := lockfile.Owner(s.path); owner > 0 {
		fmt.Fprintf(tw, "State:\t%s held by PID %d\n", ui.WarnTag(), owner)
	} else {
		fmt.Fprintf(tw, "State:\t%s free\n", ui.OKTag())
	}
	return tw.Flush()
}

// privilegeSection reports whether the process can write control files.
type privilegeSection struct{}

func (s *privilegeSection) Name() string { return "Privileges" }

func (s *privilegeSection) Print(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if euid := os.Geteuid(); euid == 0 {
		fmt.Fprintf(tw, "Effective UID:\t%s 0 (root)\n", ui.OKTag())
	} else {
		fmt.Fprintf(tw, "Effective UID:\t%s %d (tracing needs root)\n", ui.WarnTag(), euid)
	}
	return tw.Flush()
}
