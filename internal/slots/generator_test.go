package slots

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"citas/internal/models"
	"citas/internal/timegrid"
)

type fakeWindows map[int64][]models.AvailabilityWindow

func (f fakeWindows) ForDay(_ context.Context, dsID int64, day models.Weekday) ([]models.AvailabilityWindow, error) {
	var out []models.AvailabilityWindow
	for _, w := range f[dsID] {
		if w.Weekday == day {
			out = append(out, w)
		}
	}
	return out, nil
}

type fakeAppointments []models.Appointment

func (f fakeAppointments) ListActiveBetween(_ context.Context, doctorID int64, from, to time.Time, _ int64) ([]models.Appointment, error) {
	var out []models.Appointment
	for _, a := range f {
		if a.DoctorID == doctorID && a.IsActive() && !a.Instant.Before(from) && a.Instant.Before(to) {
			out = append(out, a)
		}
	}
	return out, nil
}

type fakeCombos map[int64]models.DoctorSpecialty

func (f fakeCombos) GetDoctorSpecialty(_ context.Context, id int64) (*models.DoctorSpecialty, error) {
	ds, ok := f[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &ds, nil
}

func ptr(v int64) *int64 { return &v }

func setup(t *testing.T, windows []models.AvailabilityWindow, appts []models.Appointment) (*Generator, *time.Location) {
	t.Helper()
	loc, err := timegrid.LoadLocation("America/Santiago")
	require.NoError(t, err)
	combos := fakeCombos{
		10: {ID: 10, DoctorID: 1, Active: true},
		11: {ID: 11, DoctorID: 1, Active: false},
		20: {ID: 20, DoctorID: 2, Active: true},
	}
	g := NewGenerator(fakeWindows{10: windows}, fakeAppointments(appts), combos, timegrid.New(timegrid.Options{Location: loc}))
	return g, loc
}

func monWindow(start, end models.TimeOfDay, room int64, name string) models.AvailabilityWindow {
	return models.AvailabilityWindow{DoctorSpecialtyID: 10, DoctorID: 1, RoomID: ptr(room), RoomName: name,
		Weekday: models.Monday, Start: start, End: end}
}

func starts(slots []Slot, loc *time.Location) []string {
	out := make([]string, len(slots))
	for i, s := range slots {
		out[i] = s.Start.In(loc).Format("15:04")
	}
	return out
}

func TestGenerateSweep(t *testing.T) {
	c := models.Clock

	tests := []struct {
		name    string
		windows []models.AvailabilityWindow
		want    []string
	}{
		{"one hour", []models.AvailabilityWindow{monWindow(c(9, 0), c(10, 0), 5, "Box A")}, []string{"09:00", "09:15", "09:30"}},
		{"exactly one slot", []models.AvailabilityWindow{monWindow(c(9, 0), c(9, 30), 5, "Box A")}, []string{"09:00"}},
		{"shorter than a slot", []models.AvailabilityWindow{monWindow(c(9, 0), c(9, 15), 5, "Box A")}, []string{}},
		{"trailing remainder dropped", []models.AvailabilityWindow{monWindow(c(9, 0), c(9, 45), 5, "Box A")}, []string{"09:00", "09:15"}},
		{"no windows", nil, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, loc := setup(t, tt.windows, nil)
			got, err := g.Generate(context.Background(), 1, 10, time.Date(2025, 3, 3, 0, 0, 0, 0, loc))
			require.NoError(t, err)
			assert.Equal(t, tt.want, starts(got, loc))
			for _, s := range got {
				assert.Equal(t, models.AppointmentDuration, s.End.Sub(s.Start))
			}
		})
	}
}

func TestGenerateExcludesBookedSlots(t *testing.T) {
	c := models.Clock
	loc, _ := timegrid.LoadLocation("America/Santiago")
	booked := models.Appointment{ID: 1, DoctorID: 1, Instant: time.Date(2025, 3, 3, 9, 0, 0, 0, loc).UTC(), Status: models.StatusPending}

	g, loc := setup(t, []models.AvailabilityWindow{monWindow(c(9, 0), c(10, 0), 5, "Box A")}, []models.Appointment{booked})
	got, err := g.Generate(context.Background(), 1, 10, time.Date(2025, 3, 3, 0, 0, 0, 0, loc))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "09:30", got[0].Start.In(loc).Format("15:04"))
	assert.Equal(t, "10:00", got[0].End.In(loc).Format("15:04"))
	assert.Equal(t, "Box A", got[0].RoomName)
	assert.Equal(t, int64(5), *got[0].RoomID)
}

func TestGenerateIgnoresCancelledAndOtherDays(t *testing.T) {
	c := models.Clock
	loc, _ := timegrid.LoadLocation("America/Santiago")
	appts := []models.Appointment{
		{ID: 1, DoctorID: 1, Instant: time.Date(2025, 3, 3, 9, 0, 0, 0, loc), Status: models.StatusCancelled},
		{ID: 2, DoctorID: 1, Instant: time.Date(2025, 3, 10, 9, 0, 0, 0, loc), Status: models.StatusConfirmed},
		{ID: 3, DoctorID: 2, Instant: time.Date(2025, 3, 3, 9, 0, 0, 0, loc), Status: models.StatusConfirmed},
	}

	g, _ := setup(t, []models.AvailabilityWindow{monWindow(c(9, 0), c(10, 0), 5, "Box A")}, appts)
	got, err := g.Generate(context.Background(), 1, 10, time.Date(2025, 3, 3, 0, 0, 0, 0, loc))
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestGenerateUsesClinicDayOfDate(t *testing.T) {
	c := models.Clock
	g, loc := setup(t, []models.AvailabilityWindow{monWindow(c(9, 0), c(10, 0), 5, "Box A")}, nil)

	// Tuesday 01:30 UTC is still Monday 22:30 in Santiago.
	got, err := g.Generate(context.Background(), 1, 10, time.Date(2025, 3, 4, 1, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, []string{"09:00", "09:15", "09:30"}, starts(got, loc))
	assert.Equal(t, 3, got[0].Start.In(loc).Day())

	// Monday 02:00 UTC is Sunday 23:00 in Santiago.
	got, err = g.Generate(context.Background(), 1, 10, time.Date(2025, 3, 3, 2, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestGenerateOrdersAndDeduplicates(t *testing.T) {
	c := models.Clock
	windows := []models.AvailabilityWindow{
		monWindow(c(11, 0), c(11, 30), 6, "Box B"),
		monWindow(c(9, 0), c(9, 30), 6, "Box B"),
		monWindow(c(9, 0), c(9, 30), 5, "Box A"),
		monWindow(c(9, 0), c(9, 30), 5, "Box A"),
	}
	g, loc := setup(t, windows, nil)
	monday := time.Date(2025, 3, 3, 0, 0, 0, 0, loc)

	first, err := g.Generate(context.Background(), 1, 10, monday)
	require.NoError(t, err)
	require.Len(t, first, 3)
	assert.Equal(t, []string{"09:00", "09:00", "11:00"}, starts(first, loc))
	assert.Equal(t, "Box A", first[0].RoomName)
	assert.Equal(t, "Box B", first[1].RoomName)

	second, err := g.Generate(context.Background(), 1, 10, monday)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestGenerateRejectsInvalidCombination(t *testing.T) {
	g, _ := setup(t, nil, nil)
	monday := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)

	for _, tc := range []struct {
		name         string
		doctor, dsID int64
	}{
		{"other doctor", 1, 20},
		{"unknown", 1, 99},
		{"inactive", 1, 11},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := g.Generate(context.Background(), tc.doctor, tc.dsID, monday)
			assert.ErrorIs(t, err, models.ErrInvalidCombination)
			rej, ok := models.AsRejection(err)
			require.True(t, ok)
			assert.Equal(t, "doctor_specialty_id", rej.Field)
		})
	}
}

func TestSweepAcrossDSTChange(t *testing.T) {
	loc, err := timegrid.LoadLocation("America/Santiago")
	require.NoError(t, err)
	// Chile leaves DST at midnight on 2025-04-06; business hours are unaffected.
	w := models.AvailabilityWindow{Weekday: models.Sunday, Start: models.Clock(9, 0), End: models.Clock(10, 0)}
	got := Sweep([]models.AvailabilityWindow{w}, time.Date(2025, 4, 6, 0, 0, 0, 0, loc), loc)
	require.Len(t, got, 3)
	assert.Equal(t, "09:00", got[0].Start.In(loc).Format("15:04"))
	assert.Equal(t, time.Date(2025, 4, 6, 13, 0, 0, 0, time.UTC), got[0].Start.UTC())
}

func TestToSlotInfo(t *testing.T) {
	loc := time.UTC
	s := []Slot{{Start: time.Date(2025, 3, 3, 9, 30, 0, 0, loc), End: time.Date(2025, 3, 3, 10, 0, 0, 0, loc), RoomName: "Box A"}}
	assert.Equal(t, []SlotInfo{{Start: "09:30", End: "10:00", Room: "Box A"}}, ToSlotInfo(s, loc))
}
