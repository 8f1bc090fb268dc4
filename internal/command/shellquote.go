package command

import "strings"

// Quote wraps s in single quotes for safe substitution into a shell line.
// Inner single quotes are replaced with the '\'' sequence: close the quoted
// region, emit an escaped quote, reopen it. The result evaluates to the
// literal s with no interpolation of $, spaces, && or anything else.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// QuoteAll quotes every element of argv and joins them with spaces.
func QuoteAll(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = Quote(a)
	}
	return strings.Join(quoted, " ")
}
