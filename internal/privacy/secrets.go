// Package privacy scrubs credentials out of text that substrate persists or
// returns, such as agent failure messages recorded on work tickets.
package privacy

import (
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

var secretPatterns = []*regexp.Regexp{
	// key=value style assignments
	regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*['"]?[a-zA-Z0-9_-]{20,}['"]?`),
	regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*['"][^'"]{8,}['"]`),
	regexp.MustCompile(`(?i)(secret[_-]?key|secret[_-]?token|auth[_-]?token|cron[_-]?secret)\s*[:=]\s*['"]?[a-zA-Z0-9_-]{20,}['"]?`),

	// provider keys
	regexp.MustCompile(`sk-[a-zA-Z0-9-]{20,}`),
	regexp.MustCompile(`gh[pous]_[a-zA-Z0-9]{36,}`),
	regexp.MustCompile(`github_pat_[a-zA-Z0-9_]{22,}`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),

	regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`),
	regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`),

	// agents echoing our Authorization header back in an error body
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9._~+/-]{16,}=*`),
}

// ContainsSecrets reports whether text matches any credential pattern.
func ContainsSecrets(text string) bool {
	if text == "" {
		return false
	}
	for _, pattern := range secretPatterns {
		if pattern.MatchString(text) {
			return true
		}
	}
	return false
}

// RedactSecrets replaces credential values with [REDACTED]. For assignments
// the key name is kept; standalone tokens keep a four character prefix.
func RedactSecrets(text string) string {
	if text == "" {
		return text
	}
	result := text
	for _, pattern := range secretPatterns {
		result = pattern.ReplaceAllStringFunc(result, redactMatch)
	}
	return result
}

func redactMatch(match string) string {
	if strings.HasPrefix(strings.ToLower(match), "bearer ") {
		return match[:7] + redacted
	}
	if idx := strings.IndexAny(match, "=:"); idx != -1 {
		return match[:idx+1] + redacted
	}
	if len(match) > 8 {
		return match[:4] + "..." + redacted
	}
	return redacted
}

// RedactError renders err with credentials removed. A nil error is "".
// Invalid UTF-8 is replaced so the result always fits a text column.
func RedactError(err error) string {
	if err == nil {
		return ""
	}
	return RedactSecrets(strings.ToValidUTF8(err.Error(), "\uFFFD"))
}
