package slots

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"citas/internal/models"
	"citas/internal/timegrid"
)

// Slot is a free 30-minute interval inside an availability window.
type Slot struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	RoomID   *int64    `json:"room_id,omitempty"`
	RoomName string    `json:"room_name,omitempty"`
}

// SlotInfo is a simplified representation for UI.
type SlotInfo struct {
	Start string `json:"start"` // "10:00"
	End   string `json:"end"`   // "10:30"
	Room  string `json:"room,omitempty"`
}

// WindowSource lists a doctor-specialty's windows for a weekday.
type WindowSource interface {
	ForDay(ctx context.Context, doctorSpecialtyID int64, weekday models.Weekday) ([]models.AvailabilityWindow, error)
}

// AppointmentSource lists active appointments with from <= instant < to.
type AppointmentSource interface {
	ListActiveBetween(ctx context.Context, doctorID int64, from, to time.Time, excludeID int64) ([]models.Appointment, error)
}

// CombinationSource loads the doctor-specialty to check it belongs to the doctor.
type CombinationSource interface {
	GetDoctorSpecialty(ctx context.Context, id int64) (*models.DoctorSpecialty, error)
}

// Generator enumerates bookable slots. It holds no cursor state, so calls
// with the same inputs and no writes in between return the same slots.
type Generator struct {
	windows WindowSource
	appts   AppointmentSource
	combos  CombinationSource
	grid    *timegrid.Validator
}

// NewGenerator creates a new slot generator.
func NewGenerator(windows WindowSource, appts AppointmentSource, combos CombinationSource, grid *timegrid.Validator) *Generator {
	return &Generator{windows: windows, appts: appts, combos: combos, grid: grid}
}

// Generate returns the free slots of doctorSpecialtyID on the clinic-local
// day containing date, ordered by start then room name.
func (g *Generator) Generate(ctx context.Context, doctorID, doctorSpecialtyID int64, date time.Time) ([]Slot, error) {
	if err := CheckCombination(ctx, g.combos, doctorID, doctorSpecialtyID); err != nil {
		return nil, err
	}

	day := g.grid.DayBounds(date)
	windows, err := g.windows.ForDay(ctx, doctorSpecialtyID, models.WeekdayOf(day.Start))
	if err != nil {
		return nil, fmt.Errorf("load windows: %w", err)
	}
	if len(windows) == 0 {
		return []Slot{}, nil
	}

	booked, err := g.appts.ListActiveBetween(ctx, doctorID, day.Start.UTC(), day.End.UTC(), 0)
	if err != nil {
		return nil, fmt.Errorf("load appointments: %w", err)
	}
	occupied := make([]models.Interval, 0, len(booked))
	for i := range booked {
		occupied = append(occupied, booked[i].Occupied())
	}

	candidates := Sweep(windows, day.Start, g.grid.Location())
	free := make([]Slot, 0, len(candidates))
	for _, s := range candidates {
		if !overlapsAny(models.Interval{Start: s.Start, End: s.End}, occupied) {
			free = append(free, s)
		}
	}
	return dedupe(free), nil
}

// Sweep lays 30-minute slots every 15 minutes across each window on date.
// A trailing remainder shorter than a slot is dropped, so windows shorter
// than 30 minutes yield nothing.
func Sweep(windows []models.AvailabilityWindow, date time.Time, loc *time.Location) []Slot {
	var out []Slot
	for _, w := range windows {
		end := w.End.On(date, loc)
		for cursor := w.Start.On(date, loc); !cursor.Add(models.AppointmentDuration).After(end); cursor = cursor.Add(models.GridStep) {
			out = append(out, Slot{
				Start:    cursor,
				End:      cursor.Add(models.AppointmentDuration),
				RoomID:   w.RoomID,
				RoomName: w.RoomName,
			})
		}
	}
	return out
}

// CheckCombination rejects a doctor-specialty that is unknown, inactive or
// held by another doctor.
func CheckCombination(ctx context.Context, combos CombinationSource, doctorID, doctorSpecialtyID int64) error {
	ds, err := combos.GetDoctorSpecialty(ctx, doctorSpecialtyID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.Reject(models.ErrInvalidCombination, "doctor_specialty_id",
				"doctor specialty %d does not exist", doctorSpecialtyID)
		}
		return fmt.Errorf("get doctor specialty: %w", err)
	}
	if ds.DoctorID != doctorID {
		return models.Reject(models.ErrInvalidCombination, "doctor_specialty_id",
			"doctor specialty %d does not belong to doctor %d", doctorSpecialtyID, doctorID)
	}
	if !ds.Active {
		return models.Reject(models.ErrInvalidCombination, "doctor_specialty_id",
			"doctor specialty %d is inactive", doctorSpecialtyID)
	}
	return nil
}

func overlapsAny(iv models.Interval, occupied []models.Interval) bool {
	for _, o := range occupied {
		if iv.Overlaps(o) {
			return true
		}
	}
	return false
}

func dedupe(slots []Slot) []Slot {
	sort.SliceStable(slots, func(i, j int) bool {
		if !slots[i].Start.Equal(slots[j].Start) {
			return slots[i].Start.Before(slots[j].Start)
		}
		return slots[i].RoomName < slots[j].RoomName
	})
	out := slots[:0]
	for i, s := range slots {
		if i > 0 && s.Start.Equal(out[len(out)-1].Start) && sameRoom(s.RoomID, out[len(out)-1].RoomID) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func sameRoom(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// ToSlotInfo converts slots to SlotInfo for UI, in loc.
func ToSlotInfo(slots []Slot, loc *time.Location) []SlotInfo {
	result := make([]SlotInfo, len(slots))
	for i, s := range slots {
		result[i] = SlotInfo{
			Start: s.Start.In(loc).Format("15:04"),
			End:   s.End.In(loc).Format("15:04"),
			Room:  s.RoomName,
		}
	}
	return result
}
