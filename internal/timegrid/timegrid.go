// Package timegrid checks that instants and window bounds sit on the clinic's
// booking grid and inside business hours.
package timegrid

import (
	"fmt"
	"time"

	"citas/internal/models"

	// Embedded zone database so the clinic zone resolves on hosts without tzdata.
	_ "time/tzdata"
)

const DefaultTimezone = "America/Santiago"

// Options configures a Validator. Zero values take the clinic defaults.
type Options struct {
	Location    *time.Location
	OpenHour    int // inclusive
	CloseHour   int // exclusive for instants, inclusive for window ends
	GridMinutes int
}

// Validator is pure: it only projects instants into its location.
type Validator struct {
	loc   *time.Location
	open  models.TimeOfDay
	close models.TimeOfDay
	grid  int
}

func New(opts Options) *Validator {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.OpenHour == 0 && opts.CloseHour == 0 {
		opts.OpenHour, opts.CloseHour = 8, 20
	}
	if opts.GridMinutes <= 0 {
		opts.GridMinutes = int(models.GridStep / time.Minute)
	}
	return &Validator{
		loc:   opts.Location,
		open:  models.Clock(opts.OpenHour, 0),
		close: models.Clock(opts.CloseHour, 0),
		grid:  opts.GridMinutes,
	}
}

// LoadLocation resolves name, falling back to DefaultTimezone when empty.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		name = DefaultTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", name, err)
	}
	return loc, nil
}

func (v *Validator) Location() *time.Location { return v.loc }

// Local projects t into the clinic location.
func (v *Validator) Local(t time.Time) time.Time { return t.In(v.loc) }

// Validate returns nil, models.ErrGridViolation, models.ErrBusinessHoursViolation
// or models.ErrInvalidRequest, checked in that order. The grid is judged on
// the minute alone; sub-minute precision is a malformed request.
func (v *Validator) Validate(instant time.Time) error {
	local := instant.In(v.loc)
	if local.Minute()%v.grid != 0 {
		return models.ErrGridViolation
	}
	tod := models.TimeOfDayOf(local)
	if tod.Hour() < v.open.Hour() || tod.Hour() >= v.close.Hour() {
		return models.ErrBusinessHoursViolation
	}
	if local.Second() != 0 || local.Nanosecond() != 0 {
		return models.ErrInvalidRequest
	}
	return nil
}

// Check is Validate wrapped into a Rejection for the given field.
func (v *Validator) Check(field string, instant time.Time) error {
	err := v.Validate(instant)
	if err == nil {
		return nil
	}
	local := instant.In(v.loc)
	switch err {
	case models.ErrBusinessHoursViolation:
		return models.Reject(err, field, "%s is outside %s-%s", local.Format("15:04"), v.open, v.close)
	case models.ErrInvalidRequest:
		return models.Reject(err, field, "%s must not carry seconds", local.Format("15:04:05.999"))
	default:
		return models.Reject(err, field, "%s is not a multiple of %d minutes", local.Format("15:04"), v.grid)
	}
}

// ValidateWindow checks window bounds: start < end, both on the grid,
// open <= start < close and open < end <= close.
func (v *Validator) ValidateWindow(start, end models.TimeOfDay) error {
	switch {
	case start >= end:
		return fmt.Errorf("%w: start %s must be before end %s", models.ErrInvalidWindow, start, end)
	case int(start)%v.grid != 0 || int(end)%v.grid != 0:
		return fmt.Errorf("%w: %s-%s is not on the %d-minute grid", models.ErrInvalidWindow, start, end, v.grid)
	case start < v.open || start >= v.close:
		return fmt.Errorf("%w: start %s outside %s-%s", models.ErrInvalidWindow, start, v.open, v.close)
	case end <= v.open || end > v.close:
		return fmt.Errorf("%w: end %s outside %s-%s", models.ErrInvalidWindow, end, v.open, v.close)
	}
	return nil
}

// DayBounds returns [00:00, next 00:00) of the clinic-local day that
// contains date.
func (v *Validator) DayBounds(date time.Time) models.Interval {
	y, m, d := date.In(v.loc).Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, v.loc)
	return models.Interval{Start: start, End: time.Date(y, m, d+1, 0, 0, 0, 0, v.loc)}
}
