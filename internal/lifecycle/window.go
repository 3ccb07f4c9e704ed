// Package lifecycle drives market schedules: hourly trading windows, the
// open to closed transition once a market's closing date passes, and
// optional periodic clearing of every open market.
package lifecycle

import "time"

// Window is the schedule of an hourly market.
type Window struct {
	Opening    time.Time `json:"opening_date"`
	Closing    time.Time `json:"closing_date"`
	Resolution time.Time `json:"resolution_date"`
}

// HourlyWindow returns the window for a market listed at now: it opens at
// the start of the current hour, closes an hour later and resolves an
// hour after that.
func HourlyWindow(now time.Time) Window {
	open := now.Truncate(time.Hour)
	return Window{
		Opening:    open,
		Closing:    open.Add(time.Hour),
		Resolution: open.Add(2 * time.Hour),
	}
}

// TimeToLive returns how long a market closing at closing stays open after
// now, or zero once it has closed.
func TimeToLive(closing, now time.Time) time.Duration {
	if !closing.After(now) {
		return 0
	}
	return closing.Sub(now)
}
