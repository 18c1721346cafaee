package node

import (
	"fmt"
	"regexp"
	"strconv"
)

// patternRe matches brace expansion patterns like "beetle{01..05}".
var patternRe = regexp.MustCompile(`^(.+)\{(\d+)\.\.(\d+)\}$`)

// IsPattern reports whether s is a brace pattern accepted by ExpandPattern.
func IsPattern(s string) bool {
	return patternRe.MatchString(s)
}

// ExpandPattern expands a brace pattern like "beetle{01..05}" into a list of
// names. The width of the start value sets zero padding.
func ExpandPattern(pattern string) ([]string, error) {
	matches := patternRe.FindStringSubmatch(pattern)
	if matches == nil {
		return nil, fmt.Errorf("invalid pattern %q (expected format: prefix{NN..MM})", pattern)
	}

	prefix := matches[1]
	startStr := matches[2]
	endStr := matches[3]

	start, err := strconv.Atoi(startStr)
	if err != nil {
		return nil, fmt.Errorf("invalid start in pattern %q: %w", pattern, err)
	}
	end, err := strconv.Atoi(endStr)
	if err != nil {
		return nil, fmt.Errorf("invalid end in pattern %q: %w", pattern, err)
	}

	if start > end {
		return nil, fmt.Errorf("pattern %q: start (%d) must be <= end (%d)", pattern, start, end)
	}

	padWidth := len(startStr)

	names := make([]string, 0, end-start+1)
	for i := start; i <= end; i++ {
		names = append(names, fmt.Sprintf("%s%0*d", prefix, padWidth, i))
	}
	return names, nil
}
