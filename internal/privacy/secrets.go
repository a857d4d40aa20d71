// Package privacy scrubs credentials out of observation text before it is stored.
package privacy

import (
	"regexp"
	"strings"

	"github.com/thebtf/mnemo/pkg/models"
)

// Marker replaces a redacted value.
const Marker = "[REDACTED]"

// secretPatterns match common credential formats with few false positives.
var secretPatterns = []*regexp.Regexp{
	// key = value assignments
	regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*['"]?[a-zA-Z0-9_-]{20,}['"]?`),
	regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*['"][^'"]{8,}['"]`),
	regexp.MustCompile(`(?i)(secret[_-]?key|secret[_-]?token|auth[_-]?token)\s*[:=]\s*['"]?[a-zA-Z0-9_-]{20,}['"]?`),
	regexp.MustCompile(`(?i)aws[_-]?secret[_-]?access[_-]?key\s*[:=]\s*['"]?[a-zA-Z0-9/+=]{40}['"]?`),

	// Provider tokens
	regexp.MustCompile(`sk-ant-[a-zA-Z0-9-]{20,}`),
	regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`),
	regexp.MustCompile(`gh[pous]_[a-zA-Z0-9]{36,}`),
	regexp.MustCompile(`github_pat_[a-zA-Z0-9_]{22,}`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),

	regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`),
	regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`),
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_-]{20,}`),
}

// ContainsSecrets reports whether text looks like it holds a credential.
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

// Redact replaces detected credentials in text and returns the number of
// replacements. Assignments keep their key name.
func Redact(text string) (string, int) {
	if text == "" {
		return text, 0
	}

	n := 0
	for _, pattern := range secretPatterns {
		text = pattern.ReplaceAllStringFunc(text, func(match string) string {
			n++
			if idx := strings.IndexAny(match, "=:"); idx != -1 {
				return match[:idx+1] + Marker
			}
			if len(match) > 8 {
				return match[:4] + "..." + Marker
			}
			return Marker
		})
	}
	return text, n
}

// RedactParams scrubs the narrative of params in place and returns the number
// of replacements. Facts carry bullet references and round-trip verbatim.
func RedactParams(params *models.CreateParams) int {
	var n int
	params.Narrative, n = Redact(params.Narrative)
	return n
}
