// Package schedule holds the upload cadence policy and the shared cell the
// telemetry loop reads it from.
package schedule

import (
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/moonblokz/probe/internal/cell"
)

// DefaultPeriod is the cadence used before the hub configures anything.
const DefaultPeriod = 60 * time.Second

// Window is a half-open interval [start, end). It is either absolute (two
// instants) or daily (two UTC times of day; wraps past midnight when end is
// before start).
type Window struct {
	Start time.Time
	End   time.Time

	Daily      bool
	StartOfDay time.Duration
	EndOfDay   time.Duration
}

// Contains reports whether now falls inside the window.
func (w Window) Contains(now time.Time) bool {
	if !w.Daily {
		return !now.Before(w.Start) && now.Before(w.End)
	}
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	tod := now.Sub(midnight)
	if w.StartOfDay <= w.EndOfDay {
		return tod >= w.StartOfDay && tod < w.EndOfDay
	}
	return tod >= w.StartOfDay || tod < w.EndOfDay
}

func (w Window) String() string {
	if w.Daily {
		return formatTOD(w.StartOfDay) + "-" + formatTOD(w.EndOfDay) + " UTC daily"
	}
	return w.Start.UTC().Format(time.RFC3339) + "/" + w.End.UTC().Format(time.RFC3339)
}

func formatTOD(d time.Duration) string {
	return time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC).Add(d).Format("15:04:05")
}

// Schedule is the upload cadence policy. Without a window the cadence is
// DefaultPeriod; with one it is ActivePeriod inside and InactivePeriod outside.
type Schedule struct {
	Window         *Window
	ActivePeriod   time.Duration
	InactivePeriod time.Duration
	DefaultPeriod  time.Duration
}

// Default returns a windowless schedule ticking every period.
func Default(period time.Duration) Schedule {
	if period <= 0 {
		period = DefaultPeriod
	}
	return Schedule{ActivePeriod: period, InactivePeriod: period, DefaultPeriod: period}
}

// Interval returns the wait before the next upload when evaluated at now.
func (s Schedule) Interval(now time.Time) time.Duration {
	fallback := s.DefaultPeriod
	if fallback <= 0 {
		fallback = DefaultPeriod
	}
	if s.Window == nil {
		return fallback
	}
	d := s.InactivePeriod
	if s.Window.Contains(now) {
		d = s.ActivePeriod
	}
	if d <= 0 {
		return fallback
	}
	return d
}

// ParseWindow builds a window from the hub's start/end strings. Both empty
// clears the window (nil, nil). Both must be RFC 3339 instants or both
// HH:MM[:SS] times of day.
func ParseWindow(start, end string) (*Window, error) {
	start, end = strings.TrimSpace(start), strings.TrimSpace(end)
	if start == "" && end == "" {
		return nil, nil
	}
	if start == "" || end == "" {
		return nil, errors.New("window needs both start_time and end_time")
	}
	if s, err := time.Parse(time.RFC3339, start); err == nil {
		e, err := time.Parse(time.RFC3339, end)
		if err != nil {
			return nil, errors.Wrapf(err, "parse end_time %q", end)
		}
		if !e.After(s) {
			return nil, errors.Errorf("end_time %s is not after start_time %s", end, start)
		}
		return &Window{Start: s.UTC(), End: e.UTC()}, nil
	}
	s, err := parseTimeOfDay(start)
	if err != nil {
		return nil, errors.Wrapf(err, "parse start_time %q", start)
	}
	e, err := parseTimeOfDay(end)
	if err != nil {
		return nil, errors.Wrapf(err, "parse end_time %q", end)
	}
	return &Window{Daily: true, StartOfDay: s, EndOfDay: e}, nil
}

func parseTimeOfDay(v string) (time.Duration, error) {
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, v); err == nil {
			return time.Duration(t.Hour())*time.Hour +
				time.Duration(t.Minute())*time.Minute +
				time.Duration(t.Second())*time.Second, nil
		}
	}
	return 0, errors.New("expected RFC 3339 instant or HH:MM[:SS]")
}

// State is the shared, runtime-mutable schedule.
type State struct {
	value *cell.Cell[Schedule]
}

// NewState starts from initial.
func NewState(initial Schedule) *State {
	return &State{value: cell.New(initial)}
}

// Current returns the latest committed schedule.
func (s *State) Current() Schedule {
	return s.value.Load()
}

// Interval evaluates the latest schedule at now.
func (s *State) Interval(now time.Time) time.Duration {
	return s.value.Load().Interval(now)
}

// Replace installs a new window and periods, keeping the default period.
func (s *State) Replace(window *Window, active, inactive time.Duration) (Schedule, error) {
	if active <= 0 || inactive <= 0 {
		return Schedule{}, errors.Errorf("periods must be positive (active=%s inactive=%s)", active, inactive)
	}
	next, _ := s.value.Update(func(cur Schedule) Schedule {
		return Schedule{
			Window:         window,
			ActivePeriod:   active,
			InactivePeriod: inactive,
			DefaultPeriod:  cur.DefaultPeriod,
		}
	})
	return next, nil
}
