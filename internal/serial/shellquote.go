package serial

import (
	"regexp"
	"strings"
)

var validEnvName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// safeUnquotedChar matches the POSIX-shell-safe character class that never
// needs single-quote escaping.
var safeUnquotedChar = regexp.MustCompile(`^[A-Za-z0-9_@%+=:,./-]+$`)

// quoteSingle wraps s in single quotes, escaping embedded single quotes the
// POSIX way: close the quote, emit an escaped quote, reopen the quote.
func quoteSingle(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// quoteArg returns s unchanged if every character is in the safe set,
// otherwise single-quote escapes it (spec.md §4.6).
func quoteArg(s string) string {
	if s != "" && safeUnquotedChar.MatchString(s) {
		return s
	}
	return quoteSingle(s)
}

// buildCommandLine joins argv into a single POSIX shell line.
func buildCommandLine(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		parts[i] = quoteArg(a)
	}
	return strings.Join(parts, " ")
}
