package blackboard

import (
	"fmt"
	"strings"
	"time"
)

// Notify appends one human-readable event line to notifications.md under
// exclusive lock. The stream is append-only, so readers always see a
// monotone prefix.
func (s *Store) Notify(agent, summary string) error {
	line := fmt.Sprintf("- [%s] [%s] %s",
		time.Now().UTC().Format(time.RFC3339), agent, strings.ReplaceAll(summary, "\n", " "))
	return s.AppendToIndex(NotificationsFile, line)
}

// TailNotifications returns the trailing slice of the notification stream,
// bounded by both line count and character count so the system-prompt
// splice stays small.
func (s *Store) TailNotifications(maxLines, maxChars int) (string, error) {
	idx, err := s.ReadIndex(NotificationsFile)
	if err != nil {
		return "", err
	}
	lines := strings.Split(strings.TrimRight(idx.Body, "\n"), "\n")
	if maxLines > 0 && len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	out := strings.Join(lines, "\n")
	if maxChars > 0 && len(out) > maxChars {
		out = out[len(out)-maxChars:]
		// Drop the partial first line after the cut.
		if i := strings.IndexByte(out, '\n'); i >= 0 {
			out = out[i+1:]
		}
	}
	return out, nil
}
