// Package classify assigns a risk class to an arbitrary command line.
//
// Classification is a pure string function, deliberately pessimistic: the
// dangerous patterns are checked first, the safe set only admits narrowly
// anchored read-only invocations, and everything unrecognised is suspicious.
package classify

import (
	"regexp"
	"strings"
)

// Class is the classifier verdict.
type Class string

const (
	Safe       Class = "safe"
	Suspicious Class = "suspicious"
	Dangerous  Class = "dangerous"
)

// dangerousPatterns match exfiltration, credential reads, destructive
// operations, and shell-escape idioms. Any hit wins regardless of what else
// the command contains.
var dangerousPatterns = []*regexp.Regexp{
	// reverse shells and raw sockets
	regexp.MustCompile(`(?i)\b(nc|ncat|netcat)\b.*\s-[a-z]*[el]`),
	regexp.MustCompile(`/dev/tcp/`),
	regexp.MustCompile(`(?i)\bsocat\b.*\bexec\b`),
	// network tools shipping data out
	regexp.MustCompile(`(?i)\bcurl\b.*\s(-d|--data|--data-binary|--data-raw|--upload-file|-T|-F|--form)\b`),
	regexp.MustCompile(`(?i)\bwget\b.*\s(--post-data|--post-file)\b`),
	// environment and credential reads
	regexp.MustCompile(`(?i)\bprintenv\b`),
	regexp.MustCompile(`(?i)^\s*env\s*$`),
	// uppercase-only on purpose: $HOME-style variables, not $1 or $lowercase
	regexp.MustCompile(`\becho\b.*\$[A-Z_][A-Z0-9_]*`),
	regexp.MustCompile(`(?i)\b(cat|less|more|head|tail|grep|cp|scp)\b.*\.env\b`),
	regexp.MustCompile(`(?i)\.(aws|ssh|gnupg|netrc)\b.*\b(credentials|id_rsa|id_ed25519|secring)`),
	regexp.MustCompile(`(?i)\b(cat|cp|scp)\b.*(id_rsa|id_ed25519|\.pem\b|\.netrc\b)`),
	// destructive filesystem operations
	regexp.MustCompile(`(?i)\brm\b\s+(-[a-z]*r[a-z]*f|-[a-z]*f[a-z]*r)\b.*\s(/|/\*|~|\$HOME)\s*$`),
	regexp.MustCompile(`(?i)\brm\b\s+-rf?\s+/(\s|$)`),
	regexp.MustCompile(`(?i)\bchmod\b\s+(-[a-z]+\s+)?0?777\b`),
	regexp.MustCompile(`(?i)\bmkfs\b|\bdd\b.*\bof=/dev/`),
	// shell spawning and substitution
	regexp.MustCompile(`(?i)\b(sh|bash|zsh|dash|ksh)\b\s+-c\b`),
	regexp.MustCompile(`(?i)\beval\b`),
	regexp.MustCompile("`"),
	regexp.MustCompile(`\$\(`),
	// decode-and-run
	regexp.MustCompile(`(?i)\bbase64\b.*\|\s*(sh|bash|zsh)\b`),
	regexp.MustCompile(`(?i)\b(curl|wget)\b.*\|\s*(sh|bash|zsh)\b`),
	regexp.MustCompile(`(?i)\bpython[0-9.]*\b.*\s-c\b.*\b(socket|subprocess|os\.system)\b`),
}

// safePatterns admit a short list of read-only commands, anchored so that
// flags or extra arguments cannot smuggle anything past them.
var safePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^ls(\s+-[alhrtR1]+)*(\s+[\w./~-]+)?$`),
	regexp.MustCompile(`^cat\s+[\w./~-]+$`),
	regexp.MustCompile(`^head(\s+-n\s*\d+)?\s+[\w./~-]+$`),
	regexp.MustCompile(`^tail(\s+-n\s*\d+)?\s+[\w./~-]+$`),
	regexp.MustCompile(`^grep(\s+-[inrvw]+)*\s+'[^'$` + "`" + `]*'\s+[\w./~-]+$`),
	regexp.MustCompile(`^grep(\s+-[inrvw]+)*\s+[\w-]+\s+[\w./~-]+$`),
	regexp.MustCompile(`^find\s+[\w./~-]+(\s+-name\s+'[^'$` + "`" + `]*')?$`),
	regexp.MustCompile(`^wc(\s+-[lwc]+)?\s+[\w./~-]+$`),
	regexp.MustCompile(`^git\s+(status|log|diff|branch)(\s+-[\w=-]+)*(\s+[\w./~-]+)?$`),
	regexp.MustCompile(`^pwd$`),
	regexp.MustCompile(`^echo\s+"[^"$` + "`" + `\\]*"$`),
	regexp.MustCompile(`^echo\s+'[^']*'$`),
}

// Classify returns the risk class for one command line. Empty or
// whitespace-only input is suspicious, not safe.
func Classify(command string) Class {
	command = strings.TrimSpace(command)
	if command == "" {
		return Suspicious
	}
	for _, p := range dangerousPatterns {
		if p.MatchString(command) {
			return Dangerous
		}
	}
	for _, p := range safePatterns {
		if p.MatchString(command) {
			return Safe
		}
	}
	return Suspicious
}
