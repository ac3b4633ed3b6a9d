package trace

import "strings"

// KeepLine reports whether a record line is worth printing once process
// annotations are on. The function_graph stream intersperses records with
// decoration that the annotations make redundant: separator rules, blank
// spacing lines, and process-switch lines whose third field is "=>"
// (e.g. " 0)  supervi-1699  =>  supervi-1693 ").
func KeepLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	if strings.Trim(trimmed, "-") == "" {
		return false
	}
	fields := strings.Fields(trimmed)
	if len(fields) >= 3 && fields[2] == "=>" {
		return false
	}
	return true
}
