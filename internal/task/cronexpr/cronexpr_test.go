package cronexpr

import (
	"errors"
	"math/rand"
	"strconv"
	"strings"
	"testing"
	"time"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return ts
}

func TestNextStrictlyAfter(t *testing.T) {
	t.Parallel()

	cases := []struct {
		expr, after, want string
	}{
		{"*/5 * * * *", "2024-01-01T10:00:00Z", "2024-01-01T10:05:00Z"},
		{"*/5 * * * *", "2024-01-01T10:05:00Z", "2024-01-01T10:10:00Z"},
		{"*/5 * * * *", "2024-01-01T10:05:01Z", "2024-01-01T10:10:00Z"},
		{"*/5 * * * *", "2024-01-01T10:04:59.999Z", "2024-01-01T10:05:00Z"},
		{"0 0 1 1 *", "2024-12-31T23:59:00Z", "2025-01-01T00:00:00Z"},
		{"30 23 31 * *", "2024-04-01T00:00:00Z", "2024-05-31T23:30:00Z"},
		{"0 12 29 2 *", "2023-03-01T00:00:00Z", "2024-02-29T12:00:00Z"},
		{"0 12 29 2 *", "2024-02-29T12:00:00Z", "2028-02-29T12:00:00Z"},
		{"15 8 * * 1-5", "2024-06-07T09:00:00Z", "2024-06-10T08:15:00Z"},
		{"0 9 1,15 * *", "2024-06-02T00:00:00Z", "2024-06-15T09:00:00Z"},
	}
	for _, tc := range cases {
		got, err := Next(tc.expr, mustTime(t, tc.after))
		if err != nil {
			t.Fatalf("Next(%q) error: %v", tc.expr, err)
		}
		if want := mustTime(t, tc.want); !got.Equal(want) {
			t.Fatalf("Next(%q, %s) = %s, want %s", tc.expr, tc.after, got.Format(time.RFC3339), tc.want)
		}
	}
}

func TestParseRejects(t *testing.T) {
	t.Parallel()

	cases := []struct {
		expr  string
		field string
	}{
		{"* * * *", ""},
		{"* * * * * *", ""},
		{"@hourly", ""},
		{"60 * * * *", "minute"},
		{"* 24 * * *", "hour"},
		{"* * 0 * *", "day-of-month"},
		{"* * 32 * *", "day-of-month"},
		{"* * * 13 *", "month"},
		{"* * * * 8", "day-of-week"},
		{"*/0 * * * *", "minute"},
		{"0 0 30 2 *", ""},
		{"0 0 31 4 *", ""},
	}
	for _, tc := range cases {
		_, err := Parse(tc.expr)
		if !errors.Is(err, ErrInvalidCronExpression) {
			t.Fatalf("Parse(%q) = %v, want ErrInvalidCronExpression", tc.expr, err)
		}
		if tc.field != "" && !strings.Contains(err.Error(), tc.field) {
			t.Fatalf("Parse(%q) error %q does not name field %q", tc.expr, err, tc.field)
		}
	}
}

func TestNextMatchesBruteForce(t *testing.T) {
	t.Parallel()

	exprs := []string{
		"*/7 * * * *",
		"5 */3 * * *",
		"0 0 * * 0",
		"10-20/5 4 * * *",
		"0 6 1 * 1",
		"45 23 28-31 2 *",
		"0 0 1 */4 *",
	}
	rng := rand.New(rand.NewSource(42))
	base := mustTime(t, "2023-11-15T00:00:00Z")

	for _, expr := range exprs {
		e, err := Parse(expr)
		if err != nil {
			t.Fatalf("Parse(%q): %v", expr, err)
		}
		for i := 0; i < 8; i++ {
			after := base.Add(time.Duration(rng.Int63n(int64(400 * 24 * time.Hour))))
			got := e.Next(after)
			want := scan(t, expr, after)
			if !got.Equal(want) {
				t.Fatalf("Next(%q, %s) = %s, want %s", expr, after, got, want)
			}
		}
	}
}

// scan walks minute by minute; it is slow but obviously correct.
func scan(t *testing.T, expr string, after time.Time) time.Time {
	t.Helper()
	f := strings.Fields(expr)
	m := after.Truncate(time.Minute).Add(time.Minute)
	for i := 0; i < 60*24*366*2; i++ {
		if matches(f, m) {
			return m
		}
		m = m.Add(time.Minute)
	}
	t.Fatalf("scan(%q) found nothing", expr)
	return time.Time{}
}

func matches(f []string, ts time.Time) bool {
	if !fieldMatch(f[0], ts.Minute(), 0, 59) || !fieldMatch(f[1], ts.Hour(), 0, 23) ||
		!fieldMatch(f[3], int(ts.Month()), 1, 12) {
		return false
	}
	domOK := fieldMatch(f[2], ts.Day(), 1, 31)
	dowOK := fieldMatch(f[4], int(ts.Weekday()), 0, 6)
	if f[2] != "*" && f[4] != "*" {
		return domOK || dowOK
	}
	return domOK && dowOK
}

func fieldMatch(field string, v, lo, hi int) bool {
	for _, part := range strings.Split(field, ",") {
		step := 1
		if i := strings.Index(part, "/"); i >= 0 {
			step, _ = strconv.Atoi(part[i+1:])
			part = part[:i]
		}
		start, end := lo, hi
		switch {
		case part == "*":
		case strings.Contains(part, "-"):
			ab := strings.SplitN(part, "-", 2)
			start, _ = strconv.Atoi(ab[0])
			end, _ = strconv.Atoi(ab[1])
		default:
			start, _ = strconv.Atoi(part)
			end = start
			if step > 1 {
				end = hi
			}
		}
		for x := start; x <= end; x += step {
			if x == v {
				return true
			}
		}
	}
	return false
}

func TestParseInLocation(t *testing.T) {
	t.Parallel()

	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	e, err := ParseIn("0 9 * * *", loc)
	if err != nil {
		t.Fatal(err)
	}
	got := e.Next(mustTime(t, "2024-07-01T00:00:00Z"))
	if want := mustTime(t, "2024-07-01T13:00:00Z"); !got.Equal(want) {
		t.Fatalf("Next = %s, want %s", got, want)
	}
}

func TestPreviewAndDescribe(t *testing.T) {
	t.Parallel()

	e, err := Parse("*/15 * * * *")
	if err != nil {
		t.Fatal(err)
	}
	got := e.Preview(mustTime(t, "2024-01-01T10:00:00Z"), 3)
	if len(got) != 3 || got[2].Minute() != 45 {
		t.Fatalf("Preview = %v", got)
	}

	descs := map[string]string{
		"* * * * *":    "every minute",
		"*/15 * * * *": "every 15 minutes",
		"30 2 * * *":   "every day at 02:30",
		"0 9 * * 1-5":  "every weekday at 09:00",
		"0 3 1 * *":    "on day 1 of every month at 03:00",
		"0 3 1 6 *":    "cron: 0 3 1 6 *",
	}
	for expr, want := range descs {
		got, err := Describe(expr)
		if err != nil || got != want {
			t.Fatalf("Describe(%q) = %q, %v; want %q", expr, got, err, want)
		}
	}
}
