package scheduler

import (
	"strings"
)

// descriptors maps the shorthand forms accepted on input to the five-field
// expression that is stored.
var descriptors = map[string]string{
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
	"@monthly":  "0 0 1 * *",
	"@weekly":   "0 0 * * 0",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@hourly":   "0 * * * *",
}

// NormalizeCron trims expr, strips an optional "cron:" prefix, collapses
// inner whitespace and expands @-descriptors. The result still has to pass
// cronexpr validation.
func NormalizeCron(expr string) string {
	s := strings.TrimSpace(expr)
	if len(s) >= 5 && strings.EqualFold(s[:5], "cron:") {
		s = strings.TrimSpace(s[5:])
	}
	if full, ok := descriptors[strings.ToLower(s)]; ok {
		return full
	}
	return strings.Join(strings.Fields(s), " ")
}
