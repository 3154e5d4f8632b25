// Package schedule computes business-hours delivery slots for outbound
// messages. NextSlot is a pure function of the configured window, the
// urgency tier, and the current time.
package schedule

import "time"

// Urgency tiers.
type Tier string

const (
	TierUrgent   Tier = "URGENT"
	TierStandard Tier = "STANDARD"
)

// urgentLead is the minimum distance between now and an urgent slot, so a
// slot is never scheduled in the past by the time the task is enqueued.
const urgentLead = 5 * time.Minute

// Window describes the allowed delivery hours: weekdays between OpenHour
// (inclusive) and CloseHour (exclusive) in Location. MorningHour is the
// preferred send time for standard-tier outreach.
type Window struct {
	Location    *time.Location
	OpenHour    int
	CloseHour   int
	MorningHour int
}

// DefaultWindow is weekday 9:00-17:00 with a 10:00 morning slot, UTC.
func DefaultWindow() Window {
	return Window{
		Location:    time.UTC,
		OpenHour:    9,
		CloseHour:   17,
		MorningHour: 10,
	}
}

// NextSlot returns the next valid delivery instant for the given tier. The
// result is strictly after now and inside the window, and for any fixed now
// the urgent slot never falls after the standard slot.
func (w Window) NextSlot(tier Tier, now time.Time) time.Time {
	urgent := w.nextOpenAt(now.In(w.location()).Add(urgentLead))
	if tier == TierUrgent {
		return urgent
	}
	// Standard tier waits for the next comfortable weekday morning, but
	// never beats the urgent slot for the same now.
	return w.nextMorningAt(urgent)
}

func (w Window) location() *time.Location {
	if w.Location != nil {
		return w.Location
	}
	return time.UTC
}

// inWindow reports whether t is a weekday instant inside the open hours.
func (w Window) inWindow(t time.Time) bool {
	if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return t.Hour() >= w.OpenHour && t.Hour() < w.CloseHour
}

// nextOpenAt returns t itself when it is already in the window, otherwise
// the opening instant of the next business day.
func (w Window) nextOpenAt(t time.Time) time.Time {
	if w.inWindow(t) {
		return t
	}
	day := time.Date(t.Year(), t.Month(), t.Day(), w.OpenHour, 0, 0, 0, w.location())
	if !day.After(t) {
		day = day.AddDate(0, 0, 1)
	}
	for wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday; wd = day.Weekday() {
		day = day.AddDate(0, 0, 1)
	}
	return day
}

// nextMorningAt returns the first weekday MorningHour instant at or after t.
func (w Window) nextMorningAt(t time.Time) time.Time {
	morning := time.Date(t.Year(), t.Month(), t.Day(), w.MorningHour, 0, 0, 0, w.location())
	if morning.Before(t) {
		morning = morning.AddDate(0, 0, 1)
	}
	for wd := morning.Weekday(); wd == time.Saturday || wd == time.Sunday; wd = morning.Weekday() {
		morning = morning.AddDate(0, 0, 1)
	}
	return morning
}

// TierFor maps a vendor's contract urgency flag to a tier.
func TierFor(urgent bool) Tier {
	if urgent {
		return TierUrgent
	}
	return TierStandard
}
