// Package trace captures function_graph records and relays them to an
// output writer.
//
// Two mutually exclusive modes, picked by the capture duration:
//
// Bounded: sleep for the duration while the kernel accumulates records,
// then read the trace buffer once and dump it. The buffer read is also the
// only place column headers exist, so header stripping happens here.
//
// Live: optionally dump a buffer snapshot for its headers, then stream
// trace_pipe until the stream ends or the context is canceled. trace_pipe
// reads block indefinitely; the stream is opened non-blocking so closing
// it from another goroutine unblocks a pending read.
//
// Records pass through untouched apart from line-level filtering. Nothing
// here parses durations, timestamps, or function names.
package trace

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/majorcontext/funclag/internal/log"
	"github.com/majorcontext/funclag/internal/tracefs"
)

// Files is the read surface of the tracer. *tracefs.FS satisfies it.
type Files interface {
	ReadAll(name string) ([]byte, error)
	OpenStream(name string) (io.ReadCloser, error)
}

const (
	// lineQueueDepth bounds the hand-off between the stream reader and
	// the output writer, so a stalled consumer applies backpressure
	// instead of growing memory.
	lineQueueDepth = 128

	// maxLineBytes caps a single trace record line.
	maxLineBytes = 1024 * 1024
)

// Controller reads captured records and writes them to Out.
type Controller struct {
	Files   Files
	Out     io.Writer
	Headers bool // keep the '#' column-header lines

	// Keep, when non-nil, drops every line it returns false for. Set in
	// process-annotation mode, where the records already name the process
	// and the stream's separator and switch lines are noise.
	Keep func(line string) bool

	// Sleep replaces the bounded-mode wait in tests. Nil means a real
	// context-aware sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Run captures records until done. A positive duration selects bounded
// mode; zero streams live until ctx is canceled or the stream ends. The
// output consumer going away (EPIPE) also ends the run, cleanly.
func (c *Controller) Run(ctx context.Context, duration time.Duration) error {
	var err error
	if duration > 0 {
		err = c.bounded(ctx, duration)
	} else {
		err = c.live(ctx)
	}
	if errors.Is(err, syscall.EPIPE) {
		log.Debug("output pipe closed")
		return nil
	}
	return err
}

// bounded waits out the capture window, then reads the buffer exactly
// once. An interrupt cuts the wait short but whatever the tracer buffered
// by then is still reported.
func (c *Controller) bounded(ctx context.Context, duration time.Duration) error {
	log.Debug("bounded capture", "duration", duration)
	sleep := c.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	_ = sleep(ctx, duration)

	data, err := c.Files.ReadAll(tracefs.Trace)
	if err != nil {
		return fmt.Errorf("reading trace buffer: %w", err)
	}
	return c.dump(data, !c.Headers, nil)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// live streams trace_pipe to Out, preceded by a buffer snapshot when
// headers were requested since the pipe never carries them.
func (c *Controller) live(ctx context.Context) error {
	if c.Headers {
		data, err := c.Files.ReadAll(tracefs.Trace)
		if err != nil {
			return fmt.Errorf("reading trace buffer: %w", err)
		}
		if err := c.dump(data, false, c.Keep); err != nil {
			return err
		}
	}

	pipe, err := c.Files.OpenStream(tracefs.TracePipe)
	if err != nil {
		return fmt.Errorf("opening trace stream: %w", err)
	}
	log.Debug("streaming", "file", tracefs.TracePipe)

	g, gctx := errgroup.WithContext(ctx)
	lines := make(chan string, lineQueueDepth)
	readDone := make(chan struct{})

	// Closing the pipe is the only way to unblock a pending read, so a
	// dedicated goroutine owns the close and fires on cancellation or on
	// the reader finishing naturally.
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-readDone:
		}
		return pipe.Close()
	})

	g.Go(func() error {
		defer close(readDone)
		defer close(lines)
		sc := bufio.NewScanner(pipe)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-gctx.Done():
				return nil
			}
		}
		if err := sc.Err(); err != nil && gctx.Err() == nil {
			return fmt.Errorf("reading trace stream: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		for line := range lines {
			if c.Keep != nil && !c.Keep(line) {
				continue
			}
			if _, err := fmt.Fprintln(c.Out, line); err != nil {
				return err
			}
		}
		return nil
	})

	err = g.Wait()
	if ctx.Err() != nil {
		// Canceled mid-stream: a graceful stop, not a failure.
		return nil
	}
	return err
}

// dump writes buffered records line by line, dropping '#' header lines
// when stripHeaders is set and anything keep rejects.
func (c *Controller) dump(data []byte, stripHeaders bool, keep func(string) bool) error {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := sc.Text()
		if stripHeaders && strings.HasPrefix(line, "#") {
			continue
		}
		if keep != nil && !keep(line) {
			continue
		}
		if _, err := fmt.Fprintln(c.Out, line); err != nil {
			return err
		}
	}
	return sc.Err()
}
