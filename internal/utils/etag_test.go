package utils

import (
	"testing"
	"time"
)

func TestWeakETag(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	got := WeakETag([]string{"jobs", "t1", "pending", "1", "20"}, 3, &ts)
	if want := `W/"jobs:t1:pending:1:20:3:1767323045000"`; got != want {
		t.Fatalf("WeakETag = %s; want %s", got, want)
	}
	if got := WeakETag([]string{"logs", "t1"}, 0, nil); got != `W/"logs:t1:0:0"` {
		t.Fatalf("WeakETag(nil ts) = %s", got)
	}

	later := ts.Add(time.Millisecond)
	if WeakETag([]string{"x"}, 1, &ts) == WeakETag([]string{"x"}, 1, &later) {
		t.Fatalf("millisecond change must alter the tag")
	}
}
