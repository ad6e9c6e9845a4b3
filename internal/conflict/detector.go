// Package conflict decides whether a candidate appointment collides with the
// doctor's other active appointments.
package conflict

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"citas/internal/models"
	"citas/internal/repository"
)

// WindowResolver maps an instant to the availability window covering it.
type WindowResolver interface {
	ResolveWindowFor(ctx context.Context, doctorSpecialtyID int64, instant time.Time) (*models.AvailabilityWindow, error)
	ResolveWindowForDoctor(ctx context.Context, doctorID int64, instant time.Time) (*models.AvailabilityWindow, error)
}

// Outcome is a passed check. Window is nil when no availability window
// covers the candidate, which callers treat as NoAvailabilityConfigured.
type Outcome struct {
	Window *models.AvailabilityWindow
}

func (o Outcome) Unconstrained() bool { return o.Window == nil }

// RoomID returns the resolved room, or nil.
func (o Outcome) RoomID() *int64 {
	if o.Window == nil {
		return nil
	}
	return o.Window.RoomID
}

type Detector struct {
	appts   repository.AppointmentReader
	windows WindowResolver
	logger  *zerolog.Logger
}

func New(appts repository.AppointmentReader, windows WindowResolver, logger *zerolog.Logger) *Detector {
	l := logger.With().Str("component", "conflict").Logger()
	return &Detector{appts: appts, windows: windows, logger: &l}
}

// With returns a detector reading appointments through appts, typically an
// open transaction.
func (d *Detector) With(appts repository.AppointmentReader) *Detector {
	return &Detector{appts: appts, windows: d.windows, logger: d.logger}
}

// Check runs the exact-instant check then the room check for candidate.
// excludingID (0 for none) is the candidate's own stored row on updates.
//
// The two checks are disjoint: an identical instant is always an exact
// conflict, and a room conflict needs a distinct instant less than
// AppointmentDuration away.
func (d *Detector) Check(ctx context.Context, candidate *models.Appointment, excludingID int64) (Outcome, error) {
	existing, err := d.appts.FindActiveAt(ctx, candidate.DoctorID, candidate.Instant, excludingID)
	if err != nil {
		return Outcome{}, fmt.Errorf("find appointment at instant: %w", err)
	}
	if existing != nil {
		return Outcome{}, models.Reject(models.ErrExactConflict, "instant",
			"doctor %d already has appointment %d at %s", candidate.DoctorID, existing.ID, candidate.Instant.Format(time.RFC3339))
	}

	win, err := d.resolve(ctx, candidate)
	if err != nil {
		return Outcome{}, fmt.Errorf("resolve candidate window: %w", err)
	}
	out := Outcome{Window: win}
	if win == nil || win.RoomID == nil {
		return out, nil
	}

	occupied := candidate.Occupied()
	others, err := d.appts.ListActiveBetween(ctx, candidate.DoctorID,
		occupied.Start.Add(-models.AppointmentDuration), occupied.End, excludingID)
	if err != nil {
		return Outcome{}, fmt.Errorf("list neighbouring appointments: %w", err)
	}

	for i := range others {
		other := &others[i]
		if !other.Occupied().Overlaps(occupied) {
			continue
		}
		room, ok := d.roomOfOtherFailOpen(ctx, other)
		if ok && room == *win.RoomID {
			return Outcome{}, models.Reject(models.ErrRoomConflict, "instant",
				"room %s is occupied by appointment %d from %s", roomLabel(win), other.ID, other.Instant.Format(time.RFC3339))
		}
	}
	return out, nil
}

func (d *Detector) resolve(ctx context.Context, a *models.Appointment) (*models.AvailabilityWindow, error) {
	if a.DoctorSpecialtyID != nil {
		return d.windows.ResolveWindowFor(ctx, *a.DoctorSpecialtyID, a.Instant)
	}
	return d.windows.ResolveWindowForDoctor(ctx, a.DoctorID, a.Instant)
}

// roomOfOtherFailOpen resolves the room of an already stored appointment.
// A resolution failure is logged and reported as "no room", so it can never
// produce a room conflict. This is the only check that fails open.
func (d *Detector) roomOfOtherFailOpen(ctx context.Context, other *models.Appointment) (int64, bool) {
	win, err := d.resolve(ctx, other)
	if err != nil {
		d.logger.Warn().Err(err).
			Int64("appointment_id", other.ID).
			Int64("doctor_id", other.DoctorID).
			Msg("Room resolution failed for existing appointment, treating as no room conflict")
		return 0, false
	}
	if win == nil || win.RoomID == nil {
		return 0, false
	}
	return *win.RoomID, true
}

func roomLabel(w *models.AvailabilityWindow) string {
	if w.RoomName != "" {
		return fmt.Sprintf("%q", w.RoomName)
	}
	return fmt.Sprintf("%d", *w.RoomID)
}
