package command

import "strings"

// LineFilter keeps lines starting with any of its prefixes. A nil filter
// keeps everything.
type LineFilter []string

// SysbenchFilter drops sysbench's banner and summary noise and keeps the
// periodic report lines plus errors.
var SysbenchFilter = LineFilter{"[", "ALERT", "FATAL"}

func (f LineFilter) Allow(line string) bool {
	if f == nil {
		return true
	}
	for _, prefix := range f {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}
