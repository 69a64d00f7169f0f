// Package cronexpr evaluates standard 5-field cron expressions
// (minute hour day-of-month month day-of-week).
package cronexpr

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidCronExpression is returned for malformed or unsatisfiable expressions.
var ErrInvalidCronExpression = errors.New("invalid cron expression")

var fieldNames = [5]string{"minute", "hour", "day-of-month", "month", "day-of-week"}

// Descriptors (@hourly) and seconds are deliberately not accepted.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// satisfiableFrom anchors the "can this ever fire" probe; robfig gives up
// after five years, which covers every leap-day combination.
var satisfiableFrom = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// Expr is a parsed expression bound to the location it is evaluated in.
type Expr struct {
	raw   string
	sched cron.Schedule
	loc   *time.Location
}

// Parse validates expr and evaluates it in UTC.
func Parse(expr string) (*Expr, error) {
	return ParseIn(expr, time.UTC)
}

// ParseIn validates expr and evaluates it in loc (nil means UTC).
func ParseIn(expr string, loc *time.Location) (*Expr, error) {
	if loc == nil {
		loc = time.UTC
	}
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("%w: expected 5 fields, got %d", ErrInvalidCronExpression, len(fields))
	}
	for i, f := range fields {
		probe := []string{"*", "*", "*", "*", "*"}
		probe[i] = f
		if _, err := parser.Parse(strings.Join(probe, " ")); err != nil {
			return nil, fmt.Errorf("%w: %s field %q: %v", ErrInvalidCronExpression, fieldNames[i], f, err)
		}
	}

	normalized := strings.Join(fields, " ")
	sched, err := parser.Parse(normalized)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCronExpression, err)
	}
	if sched.Next(satisfiableFrom.In(loc)).IsZero() {
		return nil, fmt.Errorf("%w: %q never fires", ErrInvalidCronExpression, normalized)
	}
	return &Expr{raw: normalized, sched: sched, loc: loc}, nil
}

// Validate reports whether expr is a usable 5-field expression.
func Validate(expr string) error {
	_, err := Parse(expr)
	return err
}

func (e *Expr) String() string { return e.raw }

func (e *Expr) Location() *time.Location { return e.loc }

// Next returns the earliest matching minute strictly after `after`,
// expressed in after's location. The zero time means no match within five years.
func (e *Expr) Next(after time.Time) time.Time {
	next := e.sched.Next(after.In(e.loc))
	if next.IsZero() {
		return next
	}
	return next.In(after.Location())
}

// Next parses expr (UTC) and returns its next fire time after `after`.
func Next(expr string, after time.Time) (time.Time, error) {
	e, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	next := e.Next(after)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %q has no fire time after %s", ErrInvalidCronExpression, expr, after.Format(time.RFC3339))
	}
	return next, nil
}

// Preview returns up to n upcoming fire times after from.
func (e *Expr) Preview(from time.Time, n int) []time.Time {
	out := make([]time.Time, 0, max(n, 0))
	t := from
	for i := 0; i < n; i++ {
		t = e.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out
}
