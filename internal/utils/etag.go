package utils

import (
	"fmt"
	"strings"
	"time"
)

// WeakETag builds a weak entity tag for a list result from its scope (e.g.
// tenant, filters, page), row count and newest modification time. A nil
// newest timestamp is encoded as 0.
//
// Example:
//
//	utils.WeakETag([]string{"jobs", "t1", "pending", "1", "20"}, 3, &ts)
//	// W/"jobs:t1:pending:1:20:3:1767323045000"
func WeakETag(scope []string, count int64, newest *time.Time) string {
	var ms int64
	if newest != nil {
		ms = newest.UnixMilli()
	}
	return fmt.Sprintf(`W/"%s:%d:%d"`, strings.Join(scope, ":"), count, ms)
}
