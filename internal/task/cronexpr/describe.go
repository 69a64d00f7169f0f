package cronexpr

import (
	"fmt"
	"strconv"
	"strings"
)

var weekdays = map[string]string{
	"0": "Sunday", "1": "Monday", "2": "Tuesday", "3": "Wednesday",
	"4": "Thursday", "5": "Friday", "6": "Saturday",
	"1-5": "weekday", "0,6": "weekend day", "6,0": "weekend day",
}

// Describe renders a short English description of the common shapes and
// falls back to the raw expression for everything else.
func (e *Expr) Describe() string {
	f := strings.Fields(e.raw)
	minute, hour, dom, month, dow := f[0], f[1], f[2], f[3], f[4]

	if dom == "*" && month == "*" && dow == "*" {
		switch {
		case minute == "*" && hour == "*":
			return "every minute"
		case strings.HasPrefix(minute, "*/") && hour == "*":
			return "every " + strings.TrimPrefix(minute, "*/") + " minutes"
		case isNumber(minute) && hour == "*":
			return "every hour at minute " + minute
		case isNumber(minute) && strings.HasPrefix(hour, "*/"):
			return fmt.Sprintf("every %s hours at minute %s", strings.TrimPrefix(hour, "*/"), minute)
		case isNumber(minute) && isNumber(hour):
			return "every day at " + clock(hour, minute)
		}
	}
	if isNumber(minute) && isNumber(hour) && month == "*" {
		if dom == "*" {
			if day, ok := weekdays[dow]; ok {
				return "every " + day + " at " + clock(hour, minute)
			}
		}
		if dow == "*" && isNumber(dom) {
			return fmt.Sprintf("on day %s of every month at %s", dom, clock(hour, minute))
		}
	}
	return "cron: " + e.raw
}

// Describe parses expr and describes it.
func Describe(expr string) (string, error) {
	e, err := Parse(expr)
	if err != nil {
		return "", err
	}
	return e.Describe(), nil
}

func isNumber(s string) bool {
	_, err := strconv.Atoi(s)
	return err == nil
}

func clock(hour, minute string) string {
	h, _ := strconv.Atoi(hour)
	m, _ := strconv.Atoi(minute)
	return fmt.Sprintf("%02d:%02d", h, m)
}
