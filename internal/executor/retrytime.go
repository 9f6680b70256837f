package executor

import (
	"regexp"
	"strconv"
)

// Quota-exhaustion errors from Antigravity embed human-readable durations
// like "reset after 2h7m23s".
var retryComponentRe = regexp.MustCompile(`(\d+(?:\.\d+)?)(h|m|s)`)

// ParseAntigravityRetryTime extracts a duration in milliseconds from a quota
// message. Returns (0, false) when the message carries no duration.
func ParseAntigravityRetryTime(message string) (int64, bool) {
	matches := retryComponentRe.FindAllStringSubmatch(message, -1)
	if len(matches) == 0 {
		return 0, false
	}
	var totalMs float64
	for _, m := range matches {
		value, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		switch m[2] {
		case "h":
			totalMs += value * 3600 * 1000
		case "m":
			totalMs += value * 60 * 1000
		case "s":
			totalMs += value * 1000
		}
	}
	if totalMs <= 0 {
		return 0, false
	}
	return int64(totalMs), true
}
