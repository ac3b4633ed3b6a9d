package tracefs

import (
	"bufio"
	"bytes"
	"fmt"
	"path"
	"strings"
)

// Functions reads available_filter_functions and returns the entries
// matching pattern. An empty pattern returns everything.
func (f *FS) Functions(pattern string) ([]string, error) {
	data, err := f.ReadAll(AvailableFunctions)
	if err != nil {
		return nil, err
	}
	return MatchFunctions(data, pattern)
}

// MatchFunctions filters an available_filter_functions listing. The
// pattern uses the same shell-style globs set_ftrace_filter accepts
// (vfs_read, ext4_*, *sync*). Entries may carry a trailing module tag
// ("nf_log_ip [nf_log_syslog]"); matching is against the symbol name and
// the returned line keeps the tag.
func MatchFunctions(data []byte, pattern string) ([]string, error) {
	if pattern != "" {
		// Surface a bad pattern before scanning thousands of lines.
		if _, err := path.Match(pattern, "probe"); err != nil {
			return nil, fmt.Errorf("invalid function pattern %q", pattern)
		}
	}

	var names []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if pattern != "" {
			symbol, _, _ := strings.Cut(line, " ")
			if ok, _ := path.Match(pattern, symbol); !ok {
				continue
			}
		}
		names = append(names, line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return names, nil
}
