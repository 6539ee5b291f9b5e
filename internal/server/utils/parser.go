package utils

import (
	"strconv"
	"strings"
)

// Tokenize splits a command line on whitespace, honoring double-quoted
// strings with backslash escapes. Quotes are stripped; an empty quoted
// string yields an empty token.
func Tokenize(line string) []string {
	var tokens []string
	var cur strings.Builder
	inQuotes := false
	escaped := false
	pending := false

	flush := func() {
		if pending || cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
			pending = false
		}
	}

	for _, r := range line {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case inQuotes && r == '\\':
			escaped = true
		case r == '"':
			inQuotes = !inQuotes
			pending = true
		case (r == ' ' || r == '\t') && !inQuotes:
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return tokens
}

// ParseQuotedString strips one level of surrounding double quotes.
func ParseQuotedString(arg string) string {
	if len(arg) >= 2 && arg[0] == '"' && arg[len(arg)-1] == '"' {
		return arg[1 : len(arg)-1]
	}
	return arg
}

// ValidSequenceSet reports whether a sequence set is syntactically well
// formed: comma-separated numbers or ranges, with * allowed as either
// range bound or on its own. Whether the set addresses any live message
// is a separate question answered by ParseSequenceSet.
func ValidSequenceSet(sequenceSet string) bool {
	if sequenceSet == "" {
		return false
	}
	for _, part := range strings.Split(sequenceSet, ",") {
		bounds := strings.Split(strings.TrimSpace(part), ":")
		if len(bounds) > 2 {
			return false
		}
		for _, bound := range bounds {
			if bound == "*" {
				continue
			}
			n, err := strconv.Atoi(bound)
			if err != nil || n < 1 {
				return false
			}
		}
	}
	return true
}

// ParseSequenceSet expands a message sequence set against the current
// message count. Handles single numbers (3), ranges (2:4), star (*) and
// comma unions; ranges with swapped bounds are normalized and out-of-range
// numbers are dropped.
func ParseSequenceSet(sequenceSet string, totalMessages int) []int {
	var sequences []int
	if totalMessages == 0 {
		return sequences
	}

	sequenceSet = strings.ReplaceAll(sequenceSet, "*", strconv.Itoa(totalMessages))

	for _, part := range strings.Split(sequenceSet, ",") {
		part = strings.TrimSpace(part)

		if strings.Contains(part, ":") {
			rangeParts := strings.Split(part, ":")
			if len(rangeParts) != 2 {
				continue
			}
			start, err1 := strconv.Atoi(rangeParts[0])
			end, err2 := strconv.Atoi(rangeParts[1])
			if err1 != nil || err2 != nil || start < 1 || end < 1 {
				continue
			}
			if start > end {
				start, end = end, start
			}
			for i := start; i <= end && i <= totalMessages; i++ {
				sequences = append(sequences, i)
			}
		} else {
			num, err := strconv.Atoi(part)
			if err == nil && num > 0 && num <= totalMessages {
				sequences = append(sequences, num)
			}
		}
	}
	return sequences
}

// ParseUIDSet resolves a UID set against the UIDs currently live in the
// folder, given ascending. Star means the highest live UID; ranges keep
// only UIDs that actually exist.
func ParseUIDSet(sequenceSet string, existing []uint32) []uint32 {
	var uids []uint32
	if len(existing) == 0 {
		return uids
	}
	maxUID := existing[len(existing)-1]

	present := make(map[uint32]bool, len(existing))
	for _, u := range existing {
		present[u] = true
	}

	for _, part := range strings.Split(sequenceSet, ",") {
		part = strings.TrimSpace(part)

		if part == "*" {
			uids = append(uids, maxUID)
			continue
		}

		if strings.Contains(part, ":") {
			rangeParts := strings.Split(part, ":")
			if len(rangeParts) != 2 {
				continue
			}
			start, ok1 := parseUIDBound(rangeParts[0], maxUID)
			end, ok2 := parseUIDBound(rangeParts[1], maxUID)
			if !ok1 || !ok2 {
				continue
			}
			if start > end {
				start, end = end, start
			}
			for _, u := range existing {
				if u >= start && u <= end {
					uids = append(uids, u)
				}
			}
		} else {
			n, err := strconv.ParseUint(part, 10, 32)
			if err != nil {
				continue
			}
			if present[uint32(n)] {
				uids = append(uids, uint32(n))
			}
		}
	}
	return uids
}

func parseUIDBound(s string, maxUID uint32) (uint32, bool) {
	if s == "*" {
		return maxUID, true
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil || n == 0 {
		return 0, false
	}
	return uint32(n), true
}

// Contains checks if a slice contains a string.
func Contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
