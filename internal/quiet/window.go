// Package quiet models the daily quiet hours during which workers claim no
// new work.
package quiet

import (
	"fmt"
	"time"
)

// Window is a daily [Start, End) range of local wall-clock time. A window
// whose start is after its end crosses midnight; Start == End never applies.
type Window struct {
	Enabled  bool
	Location *time.Location
	Start    time.Duration // offset from local midnight
	End      time.Duration
}

// Parse builds a window from "HH:MM" bounds and an IANA zone name.
func Parse(enabled bool, timezone, start, end string) (Window, error) {
	w := Window{Enabled: enabled, Location: time.UTC}
	if timezone != "" {
		loc, err := time.LoadLocation(timezone)
		if err != nil {
			return w, fmt.Errorf("quiet hours timezone: %w", err)
		}
		w.Location = loc
	}
	var err error
	if w.Start, err = parseClock(start); err != nil {
		return w, fmt.Errorf("quiet hours start: %w", err)
	}
	if w.End, err = parseClock(end); err != nil {
		return w, fmt.Errorf("quiet hours end: %w", err)
	}
	return w, nil
}

func parseClock(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func (w Window) local(now time.Time) (time.Time, time.Duration) {
	loc := w.Location
	if loc == nil {
		loc = time.UTC
	}
	t := now.In(loc)
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	return midnight, t.Sub(midnight)
}

// Active reports whether now falls inside the window.
func (w Window) Active(now time.Time) bool {
	if !w.Enabled || w.Start == w.End {
		return false
	}
	_, cur := w.local(now)
	if w.Start < w.End {
		return cur >= w.Start && cur < w.End
	}
	return cur >= w.Start || cur < w.End
}

// UntilWake returns how long until the window ends, or zero when it is not
// active.
func (w Window) UntilWake(now time.Time) time.Duration {
	if !w.Active(now) {
		return 0
	}
	midnight, cur := w.local(now)
	wake := midnight.Add(w.End)
	if cur >= w.End {
		y, m, d := midnight.Date()
		wake = time.Date(y, m, d+1, 0, 0, 0, 0, midnight.Location()).Add(w.End)
	}
	if d := wake.Sub(now); d > time.Second {
		return d
	}
	return time.Second
}
