package incident

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

func marshalAlertTypes(types []string) (string, error) {
	if types == nil {
		types = []string{}
	}
	b, err := json.Marshal(types)
	if err != nil {
		return "", fmt.Errorf("marshal alert types: %w", err)
	}
	return string(b), nil
}

func unmarshalAlertTypes(raw string) []string {
	if raw == "" {
		return nil
	}
	var types []string
	if err := json.Unmarshal([]byte(raw), &types); err != nil {
		return nil
	}
	return types
}

// buildSummary renders "{N} event[s] from {ip}[ over {duration}]:
// {type1} (xk) -> {type2} -> ..." per spec.md 4.11, collapsing
// consecutive duplicate alert types and formatting the elapsed span
// between the first and most recent alert.
func buildSummary(sourceIP string, types []string, first, last time.Time) string {
	n := len(types)
	noun := "events"
	if n == 1 {
		noun = "event"
	}

	head := fmt.Sprintf("%d %s from %s", n, noun, sourceIP)
	if dur := last.Sub(first); dur > 0 {
		head += fmt.Sprintf(" over %s", formatDuration(dur))
	}

	return head + ": " + formatSequence(types)
}

// formatSequence collapses consecutive duplicates into "type (xk)" and
// joins the remaining chronological steps with an arrow.
func formatSequence(types []string) string {
	if len(types) == 0 {
		return ""
	}
	var steps []string
	cur := types[0]
	count := 1
	flush := func() {
		if count > 1 {
			steps = append(steps, fmt.Sprintf("%s (x%d)", cur, count))
		} else {
			steps = append(steps, cur)
		}
	}
	for _, t := range types[1:] {
		if t == cur {
			count++
			continue
		}
		flush()
		cur = t
		count = 1
	}
	flush()
	return strings.Join(steps, " -> ")
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		secs := int(d.Round(time.Second).Seconds())
		return fmt.Sprintf("%d seconds", secs)
	case d < time.Hour:
		mins := int(d.Round(time.Minute).Minutes())
		return fmt.Sprintf("%d minutes", mins)
	default:
		hours := int(d / time.Hour)
		mins := int((d % time.Hour).Round(time.Minute).Minutes())
		if mins == 0 {
			return fmt.Sprintf("%d hours", hours)
		}
		return fmt.Sprintf("%d hours %d minutes", hours, mins)
	}
}
