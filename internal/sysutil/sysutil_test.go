package sysutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestSetLogLevel_AllVariants(t *testing.T) {
	orig := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(orig) })

	cases := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"  DeBuG  ", zerolog.DebugLevel}, // case + trim
		{"info", zerolog.InfoLevel},
		{"", zerolog.InfoLevel}, // empty -> info
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel}, // alias
		{"error", zerolog.ErrorLevel},
		{"fatal", zerolog.FatalLevel},
		{"panic", zerolog.PanicLevel},
		{"unknown", zerolog.InfoLevel}, // default
	}

	for _, tc := range cases {
		SetLogLevel(tc.in)
		if got := zerolog.GlobalLevel(); got != tc.want {
			t.Fatalf("SetLogLevel(%q) -> %v; want %v", tc.in, got, tc.want)
		}
	}
}

func TestSetupLogging(t *testing.T) {
	origLevel, origLogger := zerolog.GlobalLevel(), log.Logger
	t.Cleanup(func() {
		zerolog.SetGlobalLevel(origLevel)
		log.Logger = origLogger
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		SetupLogging(&buf, "warn", false, "worker")
		log.Info().Msg("dropped")
		log.Warn().Str("job_id", "j-1").Msg("kept")

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		if len(lines) != 1 {
			t.Fatalf("want 1 line, got %d: %q", len(lines), buf.String())
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(lines[0]), &m); err != nil {
			t.Fatalf("not json: %v", err)
		}
		if m["component"] != "worker" || m["job_id"] != "j-1" || m["message"] != "kept" {
			t.Fatalf("unexpected fields: %v", m)
		}
		if _, ok := m["time"]; !ok {
			t.Fatalf("missing timestamp: %v", m)
		}
	})

	t.Run("pretty", func(t *testing.T) {
		var buf bytes.Buffer
		SetupLogging(&buf, "info", true, "")
		log.Info().Msg("hello")
		out := buf.String()
		if !strings.Contains(out, "hello") || strings.HasPrefix(strings.TrimSpace(out), "{") {
			t.Fatalf("expected console output, got %q", out)
		}
	})
}

func TestWorkerID(t *testing.T) {
	if got := WorkerID("  w-7 "); got != "w-7" {
		t.Fatalf("WorkerID(explicit) = %q", got)
	}
	got := WorkerID("")
	if !strings.HasSuffix(got, fmt.Sprintf("-%d", os.Getpid())) {
		t.Fatalf("WorkerID derived = %q; want host-pid", got)
	}
}

func TestFirstNonEmpty(t *testing.T) {
	// no args -> ""
	if got := FirstNonEmpty(); got != "" {
		t.Fatalf("FirstNonEmpty() = %q; want \"\"", got)
	}
	// only blanks -> ""
	if got := FirstNonEmpty(" ", "\t", "\n"); got != "" {
		t.Fatalf("FirstNonEmpty(blanks) = %q; want \"\"", got)
	}
	// picks first non-empty (preserves original spacing)
	if got := FirstNonEmpty("   ", "  hello  ", "world"); got != "  hello  " {
		t.Fatalf("FirstNonEmpty(...) = %q; want %q", got, "  hello  ")
	}
}
