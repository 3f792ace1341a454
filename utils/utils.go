package utils

import (
	"fmt"
	"strings"
)

func UrlQuery(s string) string { return strings.ReplaceAll(s, " ", "+") }

func Str(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

// Truncate cuts s to at most n bytes, appending the marker when cut.
func Truncate(s string, n int, marker string) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n] + marker
}
