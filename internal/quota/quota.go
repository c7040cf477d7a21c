// Package quota holds the daily request policy. All functions take the
// current instant explicitly, so callers decide which clock drives them.
package quota

import "time"

const DefaultLimit = 50

// Policy is the per-user daily ceiling and the timezone whose midnight
// resets it.
type Policy struct {
	Limit    int
	Location *time.Location
}

func DefaultPolicy() Policy {
	return Policy{Limit: DefaultLimit, Location: time.UTC}
}

func (p Policy) location() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}

// Remaining returns how many requests are left after used, never negative.
func (p Policy) Remaining(used int) int {
	if used >= p.Limit {
		return 0
	}
	if used < 0 {
		return p.Limit
	}
	return p.Limit - used
}

// IsNewDay reports whether last falls on an earlier calendar day than now.
func (p Policy) IsNewDay(last *time.Time, now time.Time) bool {
	return IsNewDay(last, now, p.location())
}

func (p Policy) StartOfDay(now time.Time) time.Time {
	return StartOfDay(now, p.location())
}

func (p Policy) NextResetAt(now time.Time) time.Time {
	return NextResetAt(now, p.location())
}

// DayKey formats the calendar day of t in loc as YYYY-MM-DD.
func DayKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(time.DateOnly)
}

// StartOfDay returns midnight of t's calendar day in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// NextResetAt returns the next midnight in loc strictly after t.
func NextResetAt(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, loc)
}

// IsNewDay is true when last is nil or its calendar day in loc differs
// from now's. Two instants on the same day are never a new day,
// whatever their order.
func IsNewDay(last *time.Time, now time.Time, loc *time.Location) bool {
	if last == nil {
		return true
	}
	return DayKey(*last, loc) != DayKey(now, loc)
}
