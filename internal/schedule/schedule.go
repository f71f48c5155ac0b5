// Package schedule computes effective send times from delay and quiet-hours
// settings. All functions are pure.
package schedule

import (
	"fmt"
	"time"
)

// Window is a quiet-hours window expressed in minutes since midnight.
// start > end means the window wraps midnight. start == end means no window.
type Window struct {
	start int
	end   int
}

// ParseClock parses a local time-of-day string in HH:MM form and returns
// minutes since midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid HH:MM time %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// ParseWindow builds a quiet-hours window from HH:MM start and end strings.
// Empty strings yield the zero window (no quiet hours).
func ParseWindow(start, end string) (Window, error) {
	if start == "" && end == "" {
		return Window{}, nil
	}
	s, err := ParseClock(start)
	if err != nil {
		return Window{}, fmt.Errorf("quiet_hours_start: %w", err)
	}
	e, err := ParseClock(end)
	if err != nil {
		return Window{}, fmt.Errorf("quiet_hours_end: %w", err)
	}
	return Window{start: s, end: e}, nil
}

// IsZero reports whether the window suppresses nothing. Equal start and end
// is treated as "no quiet hours".
func (w Window) IsZero() bool {
	return w.start == w.end
}

// Contains reports whether t's local time-of-day falls inside the window.
// The end bound is exclusive so a time exactly at the window end sends.
func (w Window) Contains(t time.Time) bool {
	if w.IsZero() {
		return false
	}
	tod := t.Hour()*60 + t.Minute()
	if w.start < w.end {
		return tod >= w.start && tod < w.end
	}
	// Wraps midnight, e.g. 22:00-08:00.
	return tod >= w.start || tod < w.end
}

// nextEnd returns the window end on the appropriate day: the earliest
// instant at the window's end time that is not before t.
func (w Window) nextEnd(t time.Time) time.Time {
	end := time.Date(t.Year(), t.Month(), t.Day(), w.end/60, w.end%60, 0, 0, t.Location())
	if end.Before(t) {
		end = end.AddDate(0, 0, 1)
	}
	return end
}

// Apply computes the effective send time: t0 plus the delay, deferred to the
// end of the quiet-hours window when the candidate falls inside it.
func Apply(t0 time.Time, delayMinutes int, w Window) time.Time {
	if delayMinutes < 0 {
		delayMinutes = 0
	}
	t1 := t0.Add(time.Duration(delayMinutes) * time.Minute)
	if !w.Contains(t1) {
		return t1
	}
	return w.nextEnd(t1)
}

// String renders the window for logs.
func (w Window) String() string {
	if w.IsZero() {
		return "none"
	}
	return fmt.Sprintf("%02d:%02d-%02d:%02d", w.start/60, w.start%60, w.end/60, w.end%60)
}
