package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// AppointmentDuration is the occupied span of every appointment.
	AppointmentDuration = 30 * time.Minute
	// GridStep is the granularity of bookable instants and window bounds.
	GridStep = 15 * time.Minute
)

// Weekday uses 1=Monday .. 7=Sunday.
type Weekday int

const (
	Monday Weekday = iota + 1
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
	Sunday
)

var weekdayNames = [...]string{"", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"}

// WeekdayOf converts Go's weekday (0=Sunday) to Weekday.
func WeekdayOf(t time.Time) Weekday {
	d := t.Weekday()
	if d == time.Sunday {
		return Sunday
	}
	return Weekday(d)
}

// ParseWeekday accepts english names ("monday") or numbers "1".."7".
func ParseWeekday(s string) (Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i := 1; i < len(weekdayNames); i++ {
		if weekdayNames[i] == s {
			return Weekday(i), nil
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 7 {
		return 0, fmt.Errorf("invalid weekday %q", s)
	}
	return Weekday(n), nil
}

func (w Weekday) Valid() bool { return w >= Monday && w <= Sunday }

func (w Weekday) String() string {
	if !w.Valid() {
		return fmt.Sprintf("weekday(%d)", int(w))
	}
	return weekdayNames[w]
}

// TimeOfDay is a wall-clock time stored as minutes since midnight.
type TimeOfDay int

// ParseTimeOfDay parses "HH:MM". "24:00" is not accepted.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	return Clock(t.Hour(), t.Minute()), nil
}

// Clock builds a TimeOfDay from hour and minute.
func Clock(hour, minute int) TimeOfDay { return TimeOfDay(hour*60 + minute) }

// TimeOfDayOf returns the wall-clock time of t in its own location.
func TimeOfDayOf(t time.Time) TimeOfDay { return Clock(t.Hour(), t.Minute()) }

func (t TimeOfDay) Hour() int   { return int(t) / 60 }
func (t TimeOfDay) Minute() int { return int(t) % 60 }

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute()) }

// On places t on the calendar day of date inside loc.
func (t TimeOfDay) On(date time.Time, loc *time.Location) time.Time {
	y, m, d := date.Date()
	return time.Date(y, m, d, t.Hour(), t.Minute(), 0, 0, loc)
}

func (t TimeOfDay) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	v, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// User is the patient identity. Existence is validated upstream.
type User struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	Email          string    `json:"email"`
	Rut            string    `json:"rut"`
	Phone          string    `json:"phone,omitempty"`
	Role           string    `json:"role"`
	TelegramChatID int64     `json:"telegram_chat_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type Doctor struct {
	ID        int64     `json:"id"`
	UserID    *int64    `json:"user_id,omitempty"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type Specialty struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// DoctorSpecialty is a doctor's practice of one specialty; it owns windows.
type DoctorSpecialty struct {
	ID            int64  `json:"id"`
	DoctorID      int64  `json:"doctor_id"`
	SpecialtyID   int64  `json:"specialty_id"`
	SpecialtyName string `json:"specialty_name,omitempty"`
	Active        bool   `json:"active"`
}

// Room (box) is a consultation room bound to one doctor.
type Room struct {
	ID       int64  `json:"id"`
	DoctorID int64  `json:"doctor_id"`
	Name     string `json:"name"`
	Active   bool   `json:"active"`
}

// AvailabilityWindow is a weekly [Start, End) range for a doctor-specialty.
type AvailabilityWindow struct {
	ID                int64     `json:"id"`
	DoctorSpecialtyID int64     `json:"doctor_specialty_id"`
	DoctorID          int64     `json:"doctor_id"`
	RoomID            *int64    `json:"room_id,omitempty"`
	RoomName          string    `json:"room_name,omitempty"`
	Weekday           Weekday   `json:"weekday"`
	Start             TimeOfDay `json:"start"`
	End               TimeOfDay `json:"end"`
	CreatedAt         time.Time `json:"created_at"`
}

// Span returns the window's time-of-day range.
func (w *AvailabilityWindow) Span() ClockSpan { return ClockSpan{Start: w.Start, End: w.End} }

// Contains reports whether t falls in [Start, End).
func (w *AvailabilityWindow) Contains(t TimeOfDay) bool { return t >= w.Start && t < w.End }

func (w *AvailabilityWindow) HasRoom() bool { return w.RoomID != nil }

func (w *AvailabilityWindow) String() string {
	room := "no room"
	if w.RoomID != nil {
		room = fmt.Sprintf("room %d", *w.RoomID)
	}
	return fmt.Sprintf("%s %s-%s (%s)", w.Weekday, w.Start, w.End, room)
}
