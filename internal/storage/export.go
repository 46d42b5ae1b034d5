package storage

import (
	"fmt"
	"strings"
	"time"
)

// ExportMarkdown renders events as a markdown table, newest first as given.
func ExportMarkdown(events []Event) string {
	var b strings.Builder

	b.WriteString("# Sandbox operations\n\n")
	if len(events) == 0 {
		b.WriteString("_No events recorded._\n")
		return b.String()
	}

	b.WriteString("| Time | Op | Container | Image | Outcome | Duration | Detail |\n")
	b.WriteString("|---|---|---|---|---|---|---|\n")
	for _, e := range events {
		b.WriteString(fmt.Sprintf("| %s | %s | %s | %s | %s | %dms | %s |\n",
			e.CreatedAt.UTC().Format(time.RFC3339),
			e.Op,
			shortID(e.ContainerID),
			e.Image,
			e.Outcome,
			e.DurationMS,
			escapeCell(e.Detail),
		))
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "|", `\|`)
}
