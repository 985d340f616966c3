package judge

import (
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

const (
	previewLen  = 100
	maxDiffSize = 4096
)

// Normalize right-trims each line and drops blank lines at both ends.
// Internal whitespace and numeric formatting are compared as-is.
func Normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t\r\f\v")
	}

	start, end := 0, len(lines)
	for start < end && lines[start] == "" {
		start++
	}
	for end > start && lines[end-1] == "" {
		end--
	}
	return strings.Join(lines[start:end], "\n")
}

// preview returns at most previewLen characters of s
func preview(s string) string {
	r := []rune(s)
	if len(r) <= previewLen {
		return s
	}
	return string(r[:previewLen]) + "..."
}

func mismatchDetail(expected, got string) string {
	return fmt.Sprintf("expected: %q\ngot: %q", preview(expected), preview(got))
}

// unifiedDiff renders a capped line diff of normalized outputs
func unifiedDiff(expected, got string) string {
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(expected + "\n"),
		B:        difflib.SplitLines(got + "\n"),
		FromFile: "expected",
		ToFile:   "output",
		Context:  2,
	})
	if err != nil {
		return ""
	}
	if len(diff) > maxDiffSize {
		diff = diff[:maxDiffSize] + "\n... (diff truncated)\n"
	}
	return diff
}
