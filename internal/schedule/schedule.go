// Package schedule decides when periodic jobs run and runs them without
// overlap.
package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gorhill/cronexpr"
)

// DistantFuture is used to indicate that next tick should not happen.
var DistantFuture = time.Unix(4604952467, 0).UTC()

// Schedule knows when to run a job next.
//
// Supported forms:
//   - "0 * * * *": a cron expression, evaluated in UTC. Seconds and year
//     fields are accepted as described by cronexpr.
//   - "with 10s interval": waits the interval after the previous run
//     finished.
//   - "continuously": alias for "with 0s interval".
//   - "manual": never fires on its own.
type Schedule struct {
	asString string

	cronExpr *cronexpr.Expression
	interval time.Duration
	manual   bool
}

// Parse converts a schedule definition to a *Schedule.
func Parse(expr string) (*Schedule, error) {
	expr = strings.TrimSpace(expr)

	var (
		sched *Schedule
		err   error
	)
	switch {
	case expr == "":
		return nil, errors.New("empty schedule")
	case expr == "manual":
		sched = &Schedule{manual: true}
	case expr == "continuously":
		sched = &Schedule{}
	case strings.HasPrefix(expr, "with "):
		sched, err = parseInterval(expr)
	default:
		var exp *cronexpr.Expression
		if exp, err = cronexpr.Parse(expr); err == nil {
			sched = &Schedule{cronExpr: exp}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("bad schedule %q: %w", expr, err)
	}
	sched.asString = expr
	return sched, nil
}

// MustParse is Parse that panics on error.
func MustParse(expr string) *Schedule {
	s, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return s
}

func parseInterval(expr string) (*Schedule, error) {
	tokens := strings.SplitN(expr, " ", 3)
	if len(tokens) != 3 || tokens[0] != "with" || tokens[2] != "interval" {
		return nil, errors.New("expecting format \"with <duration> interval\"")
	}
	interval, err := time.ParseDuration(tokens[1])
	if err != nil {
		return nil, fmt.Errorf("bad duration %q: %w", tokens[1], err)
	}
	if interval < 0 {
		return nil, fmt.Errorf("bad interval %q: it must be positive", tokens[1])
	}
	return &Schedule{interval: interval}, nil
}

// IsAbsolute is true for time-table schedules that ignore when the previous
// run finished.
func (s *Schedule) IsAbsolute() bool {
	return s.cronExpr != nil || s.manual
}

// Next tells when to run the job the next time. prev is when the previous
// run finished, zero for the first run.
func (s *Schedule) Next(now, prev time.Time) time.Time {
	if s.manual {
		return DistantFuture
	}
	if s.cronExpr != nil {
		next := s.cronExpr.Next(now.UTC())
		if next.IsZero() {
			return DistantFuture
		}
		return next
	}
	if prev.IsZero() {
		return now.Add(s.interval)
	}
	next := prev.Add(s.interval)
	if next.Before(now) {
		next = now
	}
	return next
}

// String returns the definition the schedule was parsed from.
func (s *Schedule) String() string {
	return s.asString
}
