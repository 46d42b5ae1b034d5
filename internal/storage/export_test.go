package storage

import (
	"strings"
	"testing"
	"time"
)

func TestExportMarkdown(t *testing.T) {
	events := []Event{{
		Op:          OpLint,
		ContainerID: "0123456789abcdef0123",
		Outcome:     OutcomeBadRequest,
		Detail:      "Container is not running.\nsecond | line",
		DurationMS:  7,
		CreatedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}}

	out := ExportMarkdown(events)
	if !strings.Contains(out, "| 2026-03-01T12:00:00Z | lint | 0123456789ab |") {
		t.Errorf("missing row prefix:\n%s", out)
	}
	if !strings.Contains(out, `Container is not running. second \| line`) {
		t.Errorf("detail not escaped:\n%s", out)
	}
	if !strings.Contains(out, "| bad_request | 7ms |") {
		t.Errorf("missing outcome/duration:\n%s", out)
	}
}

func TestExportMarkdownEmpty(t *testing.T) {
	if out := ExportMarkdown(nil); !strings.Contains(out, "No events recorded") {
		t.Errorf("unexpected output:\n%s", out)
	}
}
