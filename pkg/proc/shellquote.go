package proc

import (
	"strings"
)

// Quote escapes a single argument for a POSIX shell. Safe arguments pass
// through unchanged; everything else is single-quoted with embedded quotes
// escaped.
func Quote(arg string) string {
	if arg == "" {
		return "''"
	}
	if isShellSafe(arg) {
		return arg
	}
	// Close the quote, emit an escaped quote, reopen: ' -> '\''
	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}

// QuoteCommand joins a command and its arguments into a shell-safe command
// line, each argument individually escaped.
func QuoteCommand(args []string) string {
	quoted := make([]string, len(args))
	for i, arg := range args {
		quoted[i] = Quote(arg)
	}
	return strings.Join(quoted, " ")
}

func isShellSafe(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case strings.ContainsRune("-_./=:@%+,", r):
		default:
			return false
		}
	}
	return true
}
