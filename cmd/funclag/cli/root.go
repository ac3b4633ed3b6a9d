// Package cli implements the funclag command-line interface using Cobra.
// The root command runs a tracing session; funcs, doctor, and version are
// helpers around it.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/majorcontext/funclag/internal/config"
	"github.com/majorcontext/funclag/internal/log"
	"github.com/majorcontext/funclag/internal/session"
	"github.com/majorcontext/funclag/internal/trace"
	"github.com/majorcontext/funclag/internal/tracefs"
	"github.com/majorcontext/funclag/internal/ui"
)

var (
	verbose  bool
	jsonOut  bool
	debugLog string
)

var (
	allInfo      bool
	cpuOnly      bool
	durationSecs int
	showHeaders  bool
	pidFilter    int
	procAnnotate bool
	timestamps   bool
)

var rootCmd = &cobra.Command{
	Use:   "funclag [flags] FUNCPATTERN LATENCY_US",
	Short: "Trace kernel functions slower than a latency threshold",
	Long: `funclag traces kernel function calls whose duration exceeds a latency
threshold, using the function_graph tracer. Records stream to stdout;
everything else goes to stderr.

FUNCPATTERN is a kernel symbol name or glob (see "funclag funcs").
LATENCY_US is the minimum duration to report, in microseconds.

The tracer is system-wide kernel state, so funclag takes an exclusive
lock shared with the other ftrace front-ends and restores every setting
it touched on exit, including after Ctrl-C. Root is required.`,
	Example: `  # Trace vfs_read calls slower than 10 ms, live until Ctrl-C
  funclag vfs_read 10000

  # Trace ext4 sync calls slower than 1 ms for 5 seconds, with headers
  funclag -d 5 -H ext4_sync_file 1000

  # Trace reads by PID 181 only, annotated with process names
  funclag -p 181 -P vfs_read 10000

  # Everything on: headers, process names, absolute timestamps
  funclag -a vfs_read 10000`,
	Args:          cobra.ExactArgs(2),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := log.Init(log.Options{
			Verbose:    verbose,
			JSONFormat: jsonOut,
			DebugFile:  debugLog,
		}); err != nil {
			// A broken debug log is not worth refusing to trace over.
			cmd.PrintErrf("Warning: failed to initialize debug logging: %v\n", err)
		}
		return nil
	},
	RunE: runTrace,
}

// Execute runs the root command. Fatal errors print to stderr, with a
// privilege hint when the tracing filesystem itself was unreachable.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		ui.Errorf("%v", err)
		var accessErr *tracefs.AccessError
		if errors.As(err, &accessErr) && os.Geteuid() != 0 {
			ui.Hint("the tracing filesystem needs root; re-run with sudo")
		}
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "log in JSON format")
	rootCmd.PersistentFlags().StringVar(&debugLog, "debug-log", "", "write a full debug log to this file")

	rootCmd.Flags().BoolVarP(&allInfo, "all", "a", false, "shorthand for --headers --proc --timestamps")
	rootCmd.Flags().BoolVarP(&cpuOnly, "cpu-only", "C", false, "measure on-CPU time only, excluding sleep")
	rootCmd.Flags().IntVarP(&durationSecs, "duration", "d", 0, "capture for this many seconds, then dump (default: stream live)")
	rootCmd.Flags().BoolVarP(&showHeaders, "headers", "H", false, "include column headers in the output")
	rootCmd.Flags().IntVarP(&pidFilter, "pid", "p", 0, "trace this process ID only")
	rootCmd.Flags().BoolVarP(&procAnnotate, "proc", "P", false, "annotate records with process name and PID")
	rootCmd.Flags().BoolVarP(&timestamps, "timestamps", "t", false, "include absolute timestamps")
}

// parseRequest turns the positional arguments and flags into a session
// request. The -a shorthand wins over the individual flags it implies.
func parseRequest(args []string) (session.Request, error) {
	threshold, err := strconv.Atoi(args[1])
	if err != nil {
		return session.Request{}, fmt.Errorf("latency threshold %q is not an integer number of microseconds", args[1])
	}
	req := session.Request{
		Pattern:     args[0],
		ThresholdUS: threshold,
		Pid:         pidFilter,
		Duration:    time.Duration(durationSecs) * time.Second,
		CPUOnly:     cpuOnly,
		Headers:     showHeaders,
		Proc:        procAnnotate,
		Timestamps:  timestamps,
	}
	if allInfo {
		req.Headers = true
		req.Proc = true
		req.Timestamps = true
	}
	return req, req.Validate()
}

func runTrace(cmd *cobra.Command, args []string) error {
	req, err := parseRequest(args)
	if err != nil {
		return err
	}

	cfg, _ := config.LoadGlobal()
	fs, err := tracefs.Detect(cfg.Tracing.Dir)
	if err != nil {
		return err
	}
	log.Debug("tracing filesystem", "root", fs.Root())

	sess := session.New(fs, req)

	// Signal handling spans the whole session: installed before the first
	// control-file write, removed only after the teardown defer below has
	// run. Ctrl-C during configuration or teardown must funnel into the
	// same cleanup path as Ctrl-C during capture.
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	// The one cleanup routine for every exit path: normal end, a failed
	// configuration step, Ctrl-C. Teardown failures are warnings; the
	// exit code reflects the configure/capture result alone.
	defer func() {
		if sess.State() == session.StateIdle {
			return
		}
		ui.Info("Ending tracing...")
		for _, w := range sess.Teardown() {
			ui.Warn(w.Error())
		}
	}()

	if err := sess.Configure(cfg.Tracing.LockFile); err != nil {
		return err
	}

	if req.Duration > 0 {
		ui.Infof("Tracing %q slower than %d us for %d seconds...", req.Pattern, req.ThresholdUS, durationSecs)
	} else {
		ui.Infof("Tracing %q slower than %d us... Ctrl-C to end.", req.Pattern, req.ThresholdUS)
	}

	ctrl := &trace.Controller{
		Files:   fs,
		Out:     cmd.OutOrStdout(),
		Headers: req.Headers,
	}
	if req.Proc {
		ctrl.Keep = trace.KeepLine
	}
	return ctrl.Run(ctx, req.Duration)
}

// signalContext returns a context canceled by the first SIGINT, SIGTERM,
// or SIGPIPE. Notifying SIGPIPE also disarms the runtime's fatal
// broken-pipe handling for stdout, so a closed pipeline surfaces as an
// EPIPE write error instead of killing the process. stop removes the
// handlers.
func signalContext(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGPIPE)
	go func() {
		select {
		case sig := <-sigCh:
			log.Debug("signal received", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}
