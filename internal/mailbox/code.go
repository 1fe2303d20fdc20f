// Package mailbox retrieves login verification codes from an IMAP
// account.
package mailbox

import (
	"regexp"
	"strings"
)

// Extraction patterns in priority order. Phrase anchors from the known
// mail templates come first; generic HTML structure patterns are the
// fallback.
var codePatterns = []*regexp.Regexp{
	regexp.MustCompile(`验证码为：\s*([A-Za-z0-9]{6})`),
	regexp.MustCompile(`(?i)verification code is:\s*([A-Za-z0-9]{6})`),
	regexp.MustCompile(`(?i)class="x_verification-code">([A-Z0-9]{6})</span>`),
	regexp.MustCompile(`(?i)verification-code[^>]*>([A-Z0-9]{6})<`),
	regexp.MustCompile(`(?i)code[^>]*>([A-Z0-9]{6})<`),
	regexp.MustCompile(`(?i)>([A-Z0-9]{6})</span>`),
	regexp.MustCompile(`(?i)\b([A-Z0-9]{6})\b`),
}

// ExtractCode pulls a 6-character verification code out of a mail
// body. Codes are alphanumeric with at least one letter; an all-digit
// candidate is never a code, so it is skipped and the search continues.
// Returns "" when nothing qualifies.
func ExtractCode(body string) string {
	for _, pattern := range codePatterns {
		for _, match := range pattern.FindAllStringSubmatch(body, -1) {
			candidate := strings.ToUpper(match[1])
			if hasLetter(candidate) {
				return candidate
			}
		}
	}
	return ""
}

func hasLetter(s string) bool {
	for _, r := range s {
		if r >= 'A' && r <= 'Z' {
			return true
		}
	}
	return false
}
