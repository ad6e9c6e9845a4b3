package timegrid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"citas/internal/models"
)

func santiago(t *testing.T) *time.Location {
	t.Helper()
	loc, err := LoadLocation("")
	require.NoError(t, err)
	return loc
}

func TestValidate(t *testing.T) {
	loc := santiago(t)
	v := New(Options{Location: loc})
	day := func(h, m, s int) time.Time { return time.Date(2025, 3, 3, h, m, s, 0, loc) }

	tests := []struct {
		name    string
		instant time.Time
		wantErr error
	}{
		{"opening", day(8, 0, 0), nil},
		{"quarter", day(9, 15, 0), nil},
		{"last slot", day(19, 45, 0), nil},
		{"off grid", day(9, 10, 0), models.ErrGridViolation},
		{"non zero second", day(9, 15, 1), models.ErrInvalidRequest},
		{"half minute on grid", day(9, 0, 30), models.ErrInvalidRequest},
		{"before opening on grid", day(7, 45, 0), models.ErrBusinessHoursViolation},
		{"closing hour", day(20, 0, 0), models.ErrBusinessHoursViolation},
		{"off grid before opening", day(7, 50, 0), models.ErrGridViolation},
		{"off grid early morning", day(7, 13, 0), models.ErrGridViolation},
		{"off grid after closing", day(21, 7, 0), models.ErrGridViolation},
		{"off grid with seconds", day(9, 10, 30), models.ErrGridViolation},
		{"night", day(23, 30, 0), models.ErrBusinessHoursViolation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.instant)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestValidateProjectsIntoClinicZone(t *testing.T) {
	loc := santiago(t)
	v := New(Options{Location: loc})

	// 12:00 UTC on a March Monday is 09:00 in Santiago (UTC-3).
	assert.NoError(t, v.Validate(time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC)))
	// 10:45 UTC is 07:45 local.
	assert.ErrorIs(t, v.Validate(time.Date(2025, 3, 3, 10, 45, 0, 0, time.UTC)), models.ErrBusinessHoursViolation)

	// The same absolute instant is legal in UTC but not for the clinic.
	utc := New(Options{Location: time.UTC})
	assert.NoError(t, utc.Validate(time.Date(2025, 3, 3, 10, 45, 0, 0, time.UTC)))
}

func TestCheckWrapsRejection(t *testing.T) {
	v := New(Options{Location: santiago(t)})
	err := v.Check("instant", time.Date(2025, 3, 3, 7, 45, 0, 0, v.Location()))

	rej, ok := models.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, "instant", rej.Field)
	assert.ErrorIs(t, err, models.ErrBusinessHoursViolation)
	assert.Contains(t, rej.Message, "07:45")
}

func TestValidateWindow(t *testing.T) {
	v := New(Options{Location: time.UTC})
	c := models.Clock

	tests := []struct {
		name       string
		start, end models.TimeOfDay
		ok         bool
	}{
		{"full day", c(8, 0), c(20, 0), true},
		{"morning", c(9, 0), c(10, 0), true},
		{"inverted", c(10, 0), c(9, 0), false},
		{"empty", c(9, 0), c(9, 0), false},
		{"off grid start", c(9, 10), c(10, 0), false},
		{"off grid end", c(9, 0), c(10, 5), false},
		{"too early", c(7, 45), c(9, 0), false},
		{"too late", c(19, 45), c(20, 15), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateWindow(tt.start, tt.end)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, models.ErrInvalidWindow)
			}
		})
	}
}

func TestDayBounds(t *testing.T) {
	loc := santiago(t)
	v := New(Options{Location: loc})

	b := v.DayBounds(time.Date(2025, 3, 3, 0, 0, 0, 0, loc))
	assert.Equal(t, time.Date(2025, 3, 3, 3, 0, 0, 0, time.UTC), b.Start.UTC())
	assert.Equal(t, 24*time.Hour, b.End.Sub(b.Start))
}

func TestDayBoundsProjectsIntoClinicZone(t *testing.T) {
	loc := santiago(t)
	v := New(Options{Location: loc})

	// 01:30 UTC on March 4 is still March 3 at 22:30 in Santiago.
	b := v.DayBounds(time.Date(2025, 3, 4, 1, 30, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2025, 3, 3, 0, 0, 0, 0, loc), b.Start)
	assert.Equal(t, time.Date(2025, 3, 4, 0, 0, 0, 0, loc), b.End)
}

func TestGridIsJudgedOnTheMinuteOnly(t *testing.T) {
	loc := santiago(t)
	v := New(Options{Location: loc})

	for h := 0; h < 24; h++ {
		for m := 0; m < 60; m++ {
			err := v.Validate(time.Date(2025, 3, 3, h, m, 0, 0, loc))
			if m%15 != 0 {
				assert.ErrorIs(t, err, models.ErrGridViolation, "%02d:%02d", h, m)
			} else {
				assert.NotErrorIs(t, err, models.ErrGridViolation, "%02d:%02d", h, m)
			}
		}
	}
}
