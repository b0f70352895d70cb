package detector

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// HealthChecker is polled by Poll.
type HealthChecker interface {
	CheckHealth(ctx context.Context) string
}

// Poll checks health immediately and then every interval until ctx is done.
// update, when set, receives every observed state.
func Poll(ctx context.Context, checker HealthChecker, interval time.Duration, update func(state string)) {
	if checker == nil {
		return
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		state := checker.CheckHealth(ctx)
		if update != nil {
			update(state)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func extractState(payload []byte) (string, bool) {
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return "", false
	}
	state := findState(decoded)
	if state == "" {
		return "", false
	}
	return strings.ToLower(state), true
}

func findState(value any) string {
	switch v := value.(type) {
	case map[string]any:
		for _, key := range []string{"state", "status", "value"} {
			if entry, ok := v[key]; ok {
				switch inner := entry.(type) {
				case string:
					return inner
				default:
					if nested := findState(inner); nested != "" {
						return nested
					}
				}
			}
		}
	case []any:
		for _, entry := range v {
			if nested := findState(entry); nested != "" {
				return nested
			}
		}
	}
	return ""
}
