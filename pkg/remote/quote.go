package remote

import shellquote "github.com/kballard/go-shellquote"

// Command joins args into a single shell-safe command line
func Command(args ...string) string {
	return shellquote.Join(args...)
}

func shellQuote(s string) string {
	return shellquote.Join(s)
}
