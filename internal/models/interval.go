package models

import "time"

// overlaps is the half-open overlap test used by every range type:
// [s1,e1) and [s2,e2) overlap iff s1 < e2 && s2 < e1. Touching endpoints do not overlap.
func overlaps(s1, e1, s2, e2 int64) bool {
	return s1 < e2 && s2 < e1
}

// Interval is an absolute [Start, End) range.
type Interval struct {
	Start time.Time
	End   time.Time
}

// OccupiedFrom returns the interval an appointment at instant occupies.
func OccupiedFrom(instant time.Time) Interval {
	return Interval{Start: instant, End: instant.Add(AppointmentDuration)}
}

func (i Interval) Empty() bool { return !i.Start.Before(i.End) }

func (i Interval) Overlaps(o Interval) bool {
	return overlaps(i.Start.UnixNano(), i.End.UnixNano(), o.Start.UnixNano(), o.End.UnixNano())
}

// ClockSpan is a time-of-day [Start, End) range.
type ClockSpan struct {
	Start TimeOfDay
	End   TimeOfDay
}

func (c ClockSpan) Overlaps(o ClockSpan) bool {
	return overlaps(int64(c.Start), int64(c.End), int64(o.Start), int64(o.End))
}

func (c ClockSpan) Duration() time.Duration {
	return time.Duration(c.End-c.Start) * time.Minute
}
