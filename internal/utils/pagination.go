// Package utils holds small helpers shared by the HTTP layer.
package utils

import (
	"strconv"
	"strings"
)

// Page bounds for list endpoints.
const (
	DefaultPage     = 1
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// AtoiDefault parses s as a base-10 int, returning def when s is empty or
// malformed. Surrounding whitespace is ignored.
func AtoiDefault(s string, def int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// Page resolves raw page and page_size query values. Missing or malformed
// values fall back to defaults; page is at least 1 and pageSize is kept
// within [1, MaxPageSize].
func Page(pageRaw, sizeRaw string) (page, pageSize int) {
	page = max(AtoiDefault(pageRaw, DefaultPage), 1)
	pageSize = min(max(AtoiDefault(sizeRaw, DefaultPageSize), 1), MaxPageSize)
	return page, pageSize
}

// Offset is the number of rows skipped before page.
func Offset(page, pageSize int) int {
	if page < 1 {
		return 0
	}
	return (page - 1) * pageSize
}
