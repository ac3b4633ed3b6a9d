// Package doctor renders the sectioned diagnostic report behind the
// doctor command.
package doctor

import (
	"fmt"
	"io"

	"github.com/majorcontext/funclag/internal/ui"
)

// Section is one block of the diagnostic report.
type Section interface {
	// Name returns the section heading (e.g. "Tracing Filesystem").
	Name() string

	// Print writes the section body to w.
	Print(w io.Writer) error
}

// Run prints each section under its heading. A failing section is
// reported in place and never stops the rest of the report.
func Run(w io.Writer, sections ...Section) {
	for _, s := range sections {
		ui.Section(s.Name())
		if err := s.Print(w); err != nil {
			fmt.Fprintf(w, "%s %v\n", ui.FailTag(), err)
		}
		fmt.Fprintln(w)
	}
}
