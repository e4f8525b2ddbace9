// internal/window/window.go

// Package window decides whether a campaign's sending window is
// currently open and, when it is not, the exact instant it reopens so
// the dispatcher can sleep instead of polling.
package window

import (
	"fmt"
	"time"

	"github.com/waveline/campaign-engine/internal/apperr"
	"github.com/waveline/campaign-engine/internal/model"
)

// Validate normalizes a window at the system boundary. Windows whose
// end is at or before their start (including midnight-crossing ones)
// are rejected here so the dispatch loop never sees an ambiguous
// configuration.
func Validate(w *model.SendingWindow) error {
	if w == nil {
		return nil
	}
	start, err := clockMinutes(w.Start)
	if err != nil {
		return apperr.NewValidation("sending_window.start", err.Error())
	}
	end, err := clockMinutes(w.End)
	if err != nil {
		return apperr.NewValidation("sending_window.end", err.Error())
	}
	if end <= start {
		return apperr.NewValidation("sending_window", "end time must be after start time")
	}
	if len(w.Days) == 0 {
		return apperr.NewValidation("sending_window.days", "at least one weekday must be selected")
	}
	for _, d := range w.Days {
		if d < 0 || d > 6 {
			return apperr.NewValidation("sending_window.days", fmt.Sprintf("weekday index %d out of range 0-6", d))
		}
	}
	return nil
}

// Open reports whether dispatch is permitted at now. The window must
// have passed Validate. A nil window is always open.
func Open(w *model.SendingWindow, now time.Time) bool {
	if w == nil {
		return true
	}
	if !dayEnabled(w, now.Weekday()) {
		return false
	}
	minute := now.Hour()*60 + now.Minute()
	start, _ := clockMinutes(w.Start)
	end, _ := clockMinutes(w.End)
	return minute >= start && minute < end
}

// NextOpen returns the soonest instant at or after now at which Open is
// true. If the window is already open it returns now.
func NextOpen(w *model.SendingWindow, now time.Time) time.Time {
	if w == nil || Open(w, now) {
		return now
	}
	startMin, _ := clockMinutes(w.Start)
	// At most a full week away once at least one weekday is enabled.
	for offset := 0; offset <= 7; offset++ {
		day := now.AddDate(0, 0, offset)
		if !dayEnabled(w, day.Weekday()) {
			continue
		}
		open := time.Date(day.Year(), day.Month(), day.Day(), startMin/60, startMin%60, 0, 0, now.Location())
		if open.After(now) {
			return open
		}
	}
	return now
}

func dayEnabled(w *model.SendingWindow, d time.Weekday) bool {
	for _, day := range w.Days {
		if day == int(d) {
			return true
		}
	}
	return false
}

func clockMinutes(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("%q is not a valid HH:mm time", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}
