package remote

import (
	"strings"

	"github.com/alessio/shellescape"
)

// Quote returns s quoted for a POSIX shell.
func Quote(s string) string {
	return shellescape.Quote(s)
}

// Command renders an argv as a single shell command line with every
// argument quoted. Remote command text is never built by concatenating
// unquoted values.
func Command(name string, args ...string) string {
	return shellescape.QuoteCommand(append([]string{name}, args...))
}

// And joins already-rendered command lines with &&.
func And(cmds ...string) string {
	return strings.Join(cmds, " && ")
}

// Seq joins already-rendered command lines with ; so each runs regardless
// of the previous exit status.
func Seq(cmds ...string) string {
	return strings.Join(cmds, " ; ")
}
