package utils

import (
	"strings"
)

const hierarchyDelimiter = "/"

// FilterMailboxes applies LIST reference and pattern matching to the
// folder names of a user. INBOX matches case-insensitively and is added
// when the pattern covers it even if the caller's list omits it.
func FilterMailboxes(mailboxes []string, reference, pattern string) []string {
	var matches []string

	canonical := BuildCanonicalPattern(reference, pattern, hierarchyDelimiter)

	for _, mailbox := range mailboxes {
		if MatchWildcard(mailbox, canonical, hierarchyDelimiter) {
			matches = append(matches, mailbox)
		}
	}

	if MatchWildcard("INBOX", strings.ToUpper(canonical), hierarchyDelimiter) {
		found := false
		for _, match := range matches {
			if strings.EqualFold(match, "INBOX") {
				found = true
				break
			}
		}
		if !found {
			matches = append(matches, "INBOX")
		}
	}

	return matches
}

// BuildCanonicalPattern combines the LIST reference and pattern into one
// matching expression.
func BuildCanonicalPattern(reference, pattern, delimiter string) string {
	if strings.HasPrefix(pattern, delimiter) {
		return pattern
	}
	if reference == "" {
		return pattern
	}
	if !strings.HasSuffix(reference, delimiter) {
		return reference + delimiter + pattern
	}
	return reference + pattern
}

// MatchWildcard implements IMAP LIST wildcard matching: * matches any
// characters, % matches any characters except the hierarchy delimiter.
func MatchWildcard(text, pattern, delimiter string) bool {
	if strings.EqualFold(text, "INBOX") {
		text = "INBOX"
	}
	if strings.EqualFold(pattern, "INBOX") {
		pattern = "INBOX"
	}
	return matchWildcard(text, pattern, delimiter, 0, 0)
}

func matchWildcard(text, pattern, delimiter string, textPos, patternPos int) bool {
	for patternPos < len(pattern) {
		switch pattern[patternPos] {
		case '*':
			patternPos++
			if patternPos >= len(pattern) {
				return true
			}
			if matchWildcard(text, pattern, delimiter, textPos, patternPos) {
				return true
			}
			for textPos < len(text) {
				textPos++
				if matchWildcard(text, pattern, delimiter, textPos, patternPos) {
					return true
				}
			}
			return false

		case '%':
			patternPos++
			if patternPos >= len(pattern) {
				return !strings.Contains(text[textPos:], delimiter)
			}
			if matchWildcard(text, pattern, delimiter, textPos, patternPos) {
				return true
			}
			for textPos < len(text) && !strings.HasPrefix(text[textPos:], delimiter) {
				textPos++
				if matchWildcard(text, pattern, delimiter, textPos, patternPos) {
					return true
				}
			}
			return false

		default:
			if textPos >= len(text) || text[textPos] != pattern[patternPos] {
				return false
			}
			textPos++
			patternPos++
		}
	}
	return textPos >= len(text)
}
