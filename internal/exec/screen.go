package exec

import (
	"regexp"
	"strings"
)

// denyRule flags one class of destructive command.
// A command matches when it contains any literal or matches the pattern.
type denyRule struct {
	Name     string
	Literals []string
	Pattern  *regexp.Regexp
}

var denylist = []denyRule{
	{
		Name:     "recursive-force-delete",
		Literals: []string{"rm -rf", "rm -fr"},
		Pattern:  regexp.MustCompile(`\brm\s+(-[a-zA-Z]*[rR][a-zA-Z]*f|-[a-zA-Z]*f[a-zA-Z]*[rR])`),
	},
	{
		Name:     "pipe-to-shell",
		Literals: []string{"curl | sh", "curl | bash", "wget | sh", "wget | bash"},
		Pattern:  regexp.MustCompile(`\b(curl|wget)\b[^|]*\|\s*(sudo\s+)?(ba|z)?sh\b`),
	},
	{
		Name:     "filesystem-format",
		Literals: []string{"mkfs"},
	},
	{
		Name:     "raw-disk-write",
		Literals: []string{"dd if="},
		Pattern:  regexp.MustCompile(`\bdd\s+(.*\s)?of=/dev/`),
	},
}

// Finding ties a flagged command to the rule it matched
type Finding struct {
	Index   int    `json:"index"`
	Command string `json:"command"`
	Rule    string `json:"rule"`
}

// ScreenResult is the advisory output of Screen
type ScreenResult struct {
	Commands []string  `json:"commands"`
	Warnings []string  `json:"warnings"`
	Findings []Finding `json:"findings,omitempty"`
}

// Screen checks commands against the denylist. It never blocks anything:
// flagged commands are reported in input order, each once.
func Screen(commands []string) ScreenResult {
	result := ScreenResult{
		Commands: commands,
		Warnings: []string{},
	}
	for i, cmd := range commands {
		if rule, ok := matchRule(cmd); ok {
			result.Warnings = append(result.Warnings, cmd)
			result.Findings = append(result.Findings, Finding{Index: i, Command: cmd, Rule: rule})
		}
	}
	return result
}

func matchRule(cmd string) (string, bool) {
	for _, rule := range denylist {
		for _, lit := range rule.Literals {
			if strings.Contains(cmd, lit) {
				return rule.Name, true
			}
		}
		if rule.Pattern != nil && rule.Pattern.MatchString(cmd) {
			return rule.Name, true
		}
	}
	return "", false
}
