package command

import (
	"context"
	"os/exec"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// echoThroughShell evaluates the quoted string with a real shell and
// returns what the shell saw as the argument.
func echoThroughShell(t *testing.T, quoted string) string {
	t.Helper()
	out, err := exec.CommandContext(context.Background(), "sh", "-c", "printf %s "+quoted).Output()
	require.NoError(t, err)
	return string(out)
}

func TestQuote(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}

	cases := []string{
		"",
		"plain",
		"with space",
		"it's quoted",
		"$HOME",
		"`id`",
		"a && rm -rf /",
		`double "quotes"`,
		"semicolon; echo pwned",
		"'''",
	}
	for _, in := range cases {
		require.Equal(t, in, echoThroughShell(t, Quote(in)), "input %q", in)
	}
}

func TestQuoteProperty(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}

	rapid.Check(t, func(t *rapid.T) {
		// Printable ASCII covers every shell metacharacter.
		in := rapid.StringMatching(`[ -~]{0,40}`).Draw(t, "in")
		out, err := exec.Command("sh", "-c", "printf %s "+Quote(in)).Output()
		if err != nil {
			t.Fatalf("shell failed for %q: %v", in, err)
		}
		if string(out) != in {
			t.Fatalf("round trip mismatch: %q -> %q", in, string(out))
		}
	})
}

func TestQuoteAll(t *testing.T) {
	require.Equal(t, `'a' 'b c' 'd'\''e'`, QuoteAll([]string{"a", "b c", "d'e"}))
}
