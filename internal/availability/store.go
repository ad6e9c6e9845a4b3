// Package availability holds the weekly availability windows of each
// doctor-specialty and answers overlap and resolution queries over them.
package availability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"citas/internal/models"
	"citas/internal/timegrid"
)

// WindowFilter narrows ListWindows. Zero fields are not filtered on.
type WindowFilter struct {
	DoctorSpecialtyID int64
	DoctorID          int64
	RoomID            *int64
	Weekday           models.Weekday
}

// Repository is the persistence the store needs. ListWindows returns windows
// ordered by creation.
type Repository interface {
	ListWindows(ctx context.Context, f WindowFilter) ([]models.AvailabilityWindow, error)
	GetDoctorSpecialty(ctx context.Context, id int64) (*models.DoctorSpecialty, error)
	GetRoom(ctx context.Context, id int64) (*models.Room, error)
	SaveWindow(ctx context.Context, w *models.AvailabilityWindow) error
	DeleteWindow(ctx context.Context, id int64) error
}

// Store validates and queries availability windows.
type Store struct {
	repo   Repository
	grid   *timegrid.Validator
	logger *zerolog.Logger
}

func NewStore(repo Repository, grid *timegrid.Validator, logger *zerolog.Logger) *Store {
	l := logger.With().Str("component", "availability").Logger()
	return &Store{repo: repo, grid: grid, logger: &l}
}

// With returns a store reading and writing through repo, typically an open
// transaction.
func (s *Store) With(repo Repository) *Store {
	return &Store{repo: repo, grid: s.grid, logger: s.logger}
}

// ForDay returns the doctor-specialty's windows on weekday, ordered by start.
func (s *Store) ForDay(ctx context.Context, doctorSpecialtyID int64, weekday models.Weekday) ([]models.AvailabilityWindow, error) {
	windows, err := s.repo.ListWindows(ctx, WindowFilter{DoctorSpecialtyID: doctorSpecialtyID, Weekday: weekday})
	if err != nil {
		return nil, fmt.Errorf("list windows: %w", err)
	}
	sort.SliceStable(windows, func(i, j int) bool { return windows[i].Start < windows[j].Start })
	return windows, nil
}

// Overlapping returns the doctor-specialty's windows on weekday whose range
// overlaps span. excludeID (0 for none) is left out, for edits.
func (s *Store) Overlapping(ctx context.Context, doctorSpecialtyID int64, weekday models.Weekday, span models.ClockSpan, excludeID int64) ([]models.AvailabilityWindow, error) {
	windows, err := s.repo.ListWindows(ctx, WindowFilter{DoctorSpecialtyID: doctorSpecialtyID, Weekday: weekday})
	if err != nil {
		return nil, fmt.Errorf("list windows: %w", err)
	}
	return overlapping(windows, span, excludeID), nil
}

func overlapping(windows []models.AvailabilityWindow, span models.ClockSpan, excludeID int64) []models.AvailabilityWindow {
	var out []models.AvailabilityWindow
	for _, w := range windows {
		if excludeID != 0 && w.ID == excludeID {
			continue
		}
		if w.Span().Overlaps(span) {
			out = append(out, w)
		}
	}
	return out
}

// ResolveWindowFor returns the window of the doctor-specialty containing the
// local weekday and time-of-day of instant, or nil when none does.
func (s *Store) ResolveWindowFor(ctx context.Context, doctorSpecialtyID int64, instant time.Time) (*models.AvailabilityWindow, error) {
	return s.resolve(ctx, WindowFilter{DoctorSpecialtyID: doctorSpecialtyID}, instant)
}

// ResolveWindowForDoctor is ResolveWindowFor across all of a doctor's
// specialties, for appointments booked without one.
func (s *Store) ResolveWindowForDoctor(ctx context.Context, doctorID int64, instant time.Time) (*models.AvailabilityWindow, error) {
	return s.resolve(ctx, WindowFilter{DoctorID: doctorID}, instant)
}

func (s *Store) resolve(ctx context.Context, f WindowFilter, instant time.Time) (*models.AvailabilityWindow, error) {
	local := s.grid.Local(instant)
	f.Weekday = models.WeekdayOf(local)
	windows, err := s.repo.ListWindows(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list windows: %w", err)
	}

	tod := models.TimeOfDayOf(local)
	var matches []models.AvailabilityWindow
	for _, w := range windows {
		if w.Contains(tod) {
			matches = append(matches, w)
		}
	}
	if len(matches) == 0 {
		return nil, nil
	}
	if len(matches) > 1 {
		sortByCreation(matches)
		s.logger.Warn().
			Int64("doctor_specialty_id", f.DoctorSpecialtyID).
			Int64("doctor_id", f.DoctorID).
			Time("instant", local).
			Int("matches", len(matches)).
			Int64("chosen_window_id", matches[0].ID).
			Msg("Overlapping availability windows, using earliest created")
	}
	w := matches[0]
	return &w, nil
}

func sortByCreation(ws []models.AvailabilityWindow) {
	sort.SliceStable(ws, func(i, j int) bool {
		if !ws[i].CreatedAt.Equal(ws[j].CreatedAt) {
			return ws[i].CreatedAt.Before(ws[j].CreatedAt)
		}
		return ws[i].ID < ws[j].ID
	})
}

// Save validates every window invariant and persists w. On insert w.ID is set.
func (s *Store) Save(ctx context.Context, w *models.AvailabilityWindow) error {
	if !w.Weekday.Valid() {
		return fmt.Errorf("%w: weekday %d", models.ErrInvalidWindow, w.Weekday)
	}
	if err := s.grid.ValidateWindow(w.Start, w.End); err != nil {
		return err
	}

	ds, err := s.repo.GetDoctorSpecialty(ctx, w.DoctorSpecialtyID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return fmt.Errorf("%w: doctor specialty %d does not exist", models.ErrInvalidWindow, w.DoctorSpecialtyID)
		}
		return fmt.Errorf("get doctor specialty: %w", err)
	}
	w.DoctorID = ds.DoctorID

	if w.RoomID != nil {
		room, err := s.repo.GetRoom(ctx, *w.RoomID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return fmt.Errorf("%w: room %d does not exist", models.ErrInvalidWindow, *w.RoomID)
			}
			return fmt.Errorf("get room: %w", err)
		}
		if room.DoctorID != ds.DoctorID {
			return fmt.Errorf("%w: room %q belongs to another doctor", models.ErrInvalidWindow, room.Name)
		}

		sameRoom, err := s.repo.ListWindows(ctx, WindowFilter{DoctorID: ds.DoctorID, RoomID: w.RoomID, Weekday: w.Weekday})
		if err != nil {
			return fmt.Errorf("list windows: %w", err)
		}
		if clash := overlapping(sameRoom, w.Span(), w.ID); len(clash) > 0 {
			return fmt.Errorf("%w: %s-%s overlaps %s", models.ErrInvalidWindow, w.Start, w.End, clash[0].String())
		}
	}

	if err := s.repo.SaveWindow(ctx, w); err != nil {
		return fmt.Errorf("save window: %w", err)
	}
	s.logger.Info().
		Int64("window_id", w.ID).
		Int64("doctor_specialty_id", w.DoctorSpecialtyID).
		Str("weekday", w.Weekday.String()).
		Str("span", w.Start.String()+"-"+w.End.String()).
		Msg("Availability window saved")
	return nil
}

func (s *Store) Delete(ctx context.Context, id int64) error {
	if err := s.repo.DeleteWindow(ctx, id); err != nil {
		return fmt.Errorf("delete window %d: %w", id, err)
	}
	return nil
}
