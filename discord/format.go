package discord

import (
	"fmt"
	"strings"
)

const progressSegments = 20

var markdownEscaper = strings.NewReplacer(
	`\`, `\\`,
	`*`, `\*`,
	`_`, `\_`,
	`~`, `\~`,
	"`", "\\`",
)

// EscapeMarkdown escapes the characters Discord would format.
func EscapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}

// FormatDuration renders whole seconds as "1h2m3s", "2m3s" or "3s".
func FormatDuration(seconds int64) string {
	const (
		hour = 3600
		min  = 60
	)
	switch {
	case seconds >= hour:
		return fmt.Sprintf("%dh%dm%ds", seconds/hour, seconds%hour/min, seconds%hour%min)
	case seconds >= min:
		return fmt.Sprintf("%dm%ds", seconds/min, seconds%min)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

// Progress renders the playback bar with the play state and the elapsed
// and total time.
func Progress(positionMs, durationMs int64, paused bool) string {
	marker := -1
	if durationMs > 0 {
		marker = int(positionMs * progressSegments / durationMs)
	}

	var b strings.Builder
	if paused {
		b.WriteString("⏸️ ")
	} else {
		b.WriteString("▶️ ")
	}
	for i := 0; i < progressSegments; i++ {
		if i == marker {
			b.WriteString("🔵")
		} else {
			b.WriteString("▬")
		}
	}
	fmt.Fprintf(&b, "\n %s / %s", FormatDuration(positionMs/1000), FormatDuration(durationMs/1000))
	return b.String()
}
