// Package transcript normalizes and merges recognition match lists.
package transcript

import "strings"

// MergeUnstable folds a trailing tentative fragment into the first match.
// The fragment is dropped when it is already a duplicate or suffix of the
// stable text, so repeated engine snapshots do not grow the transcript.
func MergeUnstable(matches []string, unstable string) []string {
	if len(matches) == 0 {
		return matches
	}

	trimmedUnstable := strings.TrimSpace(unstable)
	if trimmedUnstable == "" {
		return matches
	}

	trimmedFirst := strings.TrimSpace(matches[0])
	if trimmedFirst == trimmedUnstable || strings.HasSuffix(trimmedFirst, " "+trimmedUnstable) {
		return matches
	}

	merged := append([]string(nil), matches...)
	if trimmedFirst == "" {
		merged[0] = trimmedUnstable
	} else {
		merged[0] = trimmedFirst + " " + trimmedUnstable
	}
	return merged
}

// HasText reports whether any match carries non-whitespace content.
func HasText(matches []string) bool {
	for _, m := range matches {
		if strings.TrimSpace(m) != "" {
			return true
		}
	}
	return false
}

// Equal reports whether two match lists carry identical text in order.
func Equal(a []string, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Clean normalizes whitespace inside one match string.
func Clean(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	return strings.Join(strings.Fields(raw), " ")
}
