package exec

import "strings"

// shellQuote returns s as a single POSIX shell word. Words made only of
// safe characters are returned as they are.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, func(c rune) bool { return !isSafeShellChar(c) }) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// quoteDir quotes a directory for cd, keeping a leading ~/ outside the
// quotes so the remote shell still expands it.
func quoteDir(dir string) string {
	if rest, ok := strings.CutPrefix(dir, "~/"); ok {
		return "~/" + shellQuote(rest)
	}
	return shellQuote(dir)
}

func isSafeShellChar(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return strings.ContainsRune("-_./:@+=,%", c)
}
