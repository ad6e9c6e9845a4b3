// Package booking runs the appointment lifecycle: booking, updates, status
// transitions and reschedules, each inside one immediate transaction.
//
// Updates go through three narrow entry points. ApplyFullUpdate validates
// the instant whenever it changes. ApplyStatusTransition never looks at the
// instant and is the only path that skips grid and conflict checks.
// Reschedule validates the new instant and moves to rescheduled atomically.
package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"citas/internal/conflict"
	"citas/internal/events"
	"citas/internal/metrics"
	"citas/internal/models"
	"citas/internal/repository"
	"citas/internal/slots"
	"citas/internal/timegrid"
)

// Config holds the lifecycle knobs read from the booking config section.
type Config struct {
	TxTimeout time.Duration
	// ReminderLead is how long before the appointment its reminder fires.
	// Zero disables reminders.
	ReminderLead time.Duration
	// AllowUnscheduled accepts instants no availability window covers.
	AllowUnscheduled bool
}

// SlotSource generates free slots; *slots.Generator and *cache.SlotCache
// both satisfy it.
type SlotSource interface {
	Generate(ctx context.Context, doctorID, doctorSpecialtyID int64, date time.Time) ([]slots.Slot, error)
}

// Invalidator drops cached slots of a doctor after a write.
type Invalidator interface {
	Invalidate(ctx context.Context, doctorID int64)
}

// Publisher receives lifecycle events after commit.
type Publisher interface {
	PublishJSON(eventType string, payload any) error
}

// Deps are the collaborators of Service. Events and Cache may be nil.
type Deps struct {
	Store    repository.Store
	Grid     *timegrid.Validator
	Detector *conflict.Detector
	Windows  conflict.WindowResolver
	Slots    SlotSource
	Events   Publisher
	Cache    Invalidator
}

type Service struct {
	store    repository.Store
	grid     *timegrid.Validator
	detector *conflict.Detector
	windows  conflict.WindowResolver
	slots    SlotSource
	events   Publisher
	cache    Invalidator
	cfg      Config
	logger   *zerolog.Logger
	now      func() time.Time
}

func NewService(deps Deps, cfg Config, logger *zerolog.Logger) *Service {
	if cfg.TxTimeout <= 0 {
		cfg.TxTimeout = 5 * time.Second
	}
	l := logger.With().Str("component", "booking").Logger()
	return &Service{
		store:    deps.Store,
		grid:     deps.Grid,
		detector: deps.Detector,
		windows:  deps.Windows,
		slots:    deps.Slots,
		events:   deps.Events,
		cache:    deps.Cache,
		cfg:      cfg,
		logger:   &l,
		now:      time.Now,
	}
}

// BookRequest asks for a new appointment. DoctorSpecialtyID may be nil, in
// which case the room is resolved from any of the doctor's windows.
type BookRequest struct {
	UserID            int64
	DoctorID          int64
	DoctorSpecialtyID *int64
	Instant           time.Time
	Priority          models.Priority
	Notes             string
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	Instant  *time.Time
	Status   *models.Status
	Priority *models.Priority
	Notes    *string
}

// change is a committed write, published once the transaction is gone.
type change struct {
	event    string
	current  *models.Appointment
	previous *models.Appointment
	window   *models.AvailabilityWindow
}

// Book validates and stores a new pending appointment.
func (s *Service) Book(ctx context.Context, req BookRequest) (appt *models.Appointment, err error) {
	defer s.observe("book", time.Now(), &err)

	if req.Priority == "" {
		req.Priority = models.PriorityNormal
	}
	if _, perr := models.ParsePriority(string(req.Priority)); perr != nil {
		return nil, models.Reject(models.ErrInvalidRequest, "priority", "%v", perr)
	}
	if err := s.grid.Check("instant", req.Instant); err != nil {
		return nil, err
	}
	if err := s.checkParties(ctx, req.UserID, req.DoctorID, req.DoctorSpecialtyID); err != nil {
		return nil, err
	}

	candidate := &models.Appointment{
		UserID:            req.UserID,
		DoctorID:          req.DoctorID,
		DoctorSpecialtyID: req.DoctorSpecialtyID,
		Instant:           req.Instant.UTC(),
		Status:            models.StatusPending,
		Priority:          req.Priority,
		Notes:             req.Notes,
	}

	var ch change
	err = s.inTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		win, err := s.checkConflicts(ctx, tx, candidate, 0)
		if err != nil {
			return err
		}
		if err := tx.InsertAppointment(ctx, candidate); err != nil {
			return err
		}
		if err := s.scheduleReminder(ctx, tx, candidate); err != nil {
			return err
		}
		ch = change{event: events.AppointmentBooked, current: candidate, window: win}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Int64("appointment_id", candidate.ID).
		Int64("user_id", candidate.UserID).
		Int64("doctor_id", candidate.DoctorID).
		Time("instant", candidate.Instant).
		Msg("Appointment booked")
	s.committed(ctx, ch)
	return candidate, nil
}

// Get returns the appointment id.
func (s *Service) Get(ctx context.Context, id int64) (*models.Appointment, error) {
	a, err := s.store.GetAppointment(ctx, id)
	if err != nil {
		return nil, notFound(err, "id", "appointment %d does not exist", id)
	}
	return a, nil
}

// Update routes a patch to the narrowest entry point that can apply it.
func (s *Service) Update(ctx context.Context, id int64, p Patch) (*models.Appointment, error) {
	switch {
	case p.Status != nil && *p.Status == models.StatusRescheduled:
		if p.Instant == nil {
			return nil, models.Reject(models.ErrInvalidTransition, "instant", "rescheduling needs a new instant")
		}
		if p.Priority != nil || p.Notes != nil {
			return s.ApplyFullUpdate(ctx, id, p)
		}
		return s.Reschedule(ctx, id, *p.Instant)
	case p.Status != nil && p.Instant == nil && p.Priority == nil && p.Notes == nil:
		return s.ApplyStatusTransition(ctx, id, *p.Status)
	default:
		return s.ApplyFullUpdate(ctx, id, p)
	}
}

// ApplyFullUpdate applies every field of p. The instant is validated only
// when it changes, so re-submitting the stored instant never conflicts with
// the appointment itself.
func (s *Service) ApplyFullUpdate(ctx context.Context, id int64, p Patch) (appt *models.Appointment, err error) {
	defer s.observe("update", time.Now(), &err)

	if p.Priority != nil {
		if _, perr := models.ParsePriority(string(*p.Priority)); perr != nil {
			return nil, models.Reject(models.ErrInvalidRequest, "priority", "%v", perr)
		}
	}

	var ch change
	err = s.inTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		current, err := tx.GetAppointment(ctx, id)
		if err != nil {
			return notFound(err, "id", "appointment %d does not exist", id)
		}
		next := current.Clone()
		if p.Priority != nil {
			next.Priority = *p.Priority
		}
		if p.Notes != nil {
			next.Notes = *p.Notes
		}
		if p.Status != nil && *p.Status != current.Status {
			if !models.CanTransition(current.Status, *p.Status) {
				return models.Reject(models.ErrInvalidTransition, "status",
					"appointment %d cannot go from %s to %s", id, current.Status, *p.Status)
			}
			next.Status = *p.Status
		}

		moved := p.Instant != nil && !p.Instant.Equal(current.Instant)
		var win *models.AvailabilityWindow
		if moved {
			if current.Status.IsTerminal() {
				return models.Reject(models.ErrInvalidTransition, "instant",
					"appointment %d is %s and cannot be moved", id, current.Status)
			}
			if err := s.grid.Check("instant", *p.Instant); err != nil {
				return err
			}
			next.Instant = p.Instant.UTC()
			if next.Status != models.StatusCancelled {
				if win, err = s.checkConflicts(ctx, tx, next, id); err != nil {
					return err
				}
			}
		}

		if err := tx.UpdateAppointment(ctx, next); err != nil {
			return err
		}
		if moved {
			if err := s.scheduleReminder(ctx, tx, next); err != nil {
				return err
			}
		}
		ch = change{event: eventFor(current, next), current: next, previous: current, window: win}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Int64("appointment_id", id).
		Str("status", string(ch.current.Status)).
		Bool("moved", !ch.current.Instant.Equal(ch.previous.Instant)).
		Msg("Appointment updated")
	s.committed(ctx, ch)
	return ch.current, nil
}

// ApplyStatusTransition changes only the status and performs no instant or
// conflict validation. Rescheduled is reachable only through Reschedule.
// Applying the current status again is a no-op.
func (s *Service) ApplyStatusTransition(ctx context.Context, id int64, to models.Status) (appt *models.Appointment, err error) {
	defer s.observe("transition", time.Now(), &err)

	if to == models.StatusRescheduled {
		return nil, models.Reject(models.ErrInvalidTransition, "status", "rescheduling needs a new instant")
	}

	var ch change
	err = s.inTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		current, err := tx.GetAppointment(ctx, id)
		if err != nil {
			return notFound(err, "id", "appointment %d does not exist", id)
		}
		if current.Status == to {
			ch = change{current: current}
			return nil
		}
		if !models.CanTransition(current.Status, to) {
			return models.Reject(models.ErrInvalidTransition, "status",
				"appointment %d cannot go from %s to %s", id, current.Status, to)
		}
		next := current.Clone()
		next.Status = to
		if err := tx.UpdateAppointment(ctx, next); err != nil {
			return err
		}
		ch = change{event: events.TypeForStatus(to), current: next, previous: current}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if ch.previous != nil {
		s.logger.Info().
			Int64("appointment_id", id).
			Str("from", string(ch.previous.Status)).
			Str("to", string(to)).
			Msg("Appointment status changed")
	}
	s.committed(ctx, ch)
	return ch.current, nil
}

// Reschedule validates newInstant against the doctor's other appointments
// and then sets the instant and the rescheduled status in one write.
func (s *Service) Reschedule(ctx context.Context, id int64, newInstant time.Time) (appt *models.Appointment, err error) {
	defer s.observe("reschedule", time.Now(), &err)

	if err := s.grid.Check("instant", newInstant); err != nil {
		return nil, err
	}

	var ch change
	err = s.inTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		current, err := tx.GetAppointment(ctx, id)
		if err != nil {
			return notFound(err, "id", "appointment %d does not exist", id)
		}
		if !models.CanTransition(current.Status, models.StatusRescheduled) {
			return models.Reject(models.ErrInvalidTransition, "status",
				"appointment %d is %s and cannot be rescheduled", id, current.Status)
		}

		next := current.Clone()
		next.Instant = newInstant.UTC()
		win, err := s.checkConflicts(ctx, tx, next, id)
		if err != nil {
			return err
		}
		next.Status = models.StatusRescheduled
		if err := tx.UpdateAppointment(ctx, next); err != nil {
			return err
		}
		if err := s.scheduleReminder(ctx, tx, next); err != nil {
			return err
		}
		ch = change{event: events.AppointmentRescheduled, current: next, previous: current, window: win}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Int64("appointment_id", id).
		Time("from", ch.previous.Instant).
		Time("to", ch.current.Instant).
		Msg("Appointment rescheduled")
	s.committed(ctx, ch)
	return ch.current, nil
}

// QuerySlots lists the free slots of a doctor-specialty on the clinic day of
// date.
func (s *Service) QuerySlots(ctx context.Context, doctorID, doctorSpecialtyID int64, date time.Time) ([]slots.Slot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.TxTimeout)
	defer cancel()
	out, err := s.slots.Generate(ctx, doctorID, doctorSpecialtyID, date)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("query slots: %w: %v", models.ErrTransient, err)
		}
		return nil, err
	}
	return out, nil
}

// checkParties rejects unknown users and doctors and a doctor-specialty
// that is not the doctor's active practice.
func (s *Service) checkParties(ctx context.Context, userID, doctorID int64, doctorSpecialtyID *int64) error {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return notFound(err, "user_id", "user %d does not exist", userID)
	}
	if _, err := s.store.GetDoctor(ctx, doctorID); err != nil {
		return notFound(err, "doctor_id", "doctor %d does not exist", doctorID)
	}
	if doctorSpecialtyID != nil {
		return slots.CheckCombination(ctx, s.store, doctorID, *doctorSpecialtyID)
	}
	return nil
}

// checkConflicts runs the conflict detector inside tx and enforces that some
// window covers the candidate unless unscheduled bookings are allowed.
func (s *Service) checkConflicts(ctx context.Context, tx repository.Tx, candidate *models.Appointment, excludingID int64) (*models.AvailabilityWindow, error) {
	outcome, err := s.detector.With(tx).Check(ctx, candidate, excludingID)
	if err != nil {
		return nil, err
	}
	if outcome.Unconstrained() && !s.cfg.AllowUnscheduled {
		local := s.grid.Local(candidate.Instant)
		return nil, models.Reject(models.ErrNoAvailabilityConfigured, "instant",
			"doctor %d has no availability on %s at %s", candidate.DoctorID, models.WeekdayOf(local), local.Format("15:04"))
	}
	return outcome.Window, nil
}

func (s *Service) scheduleReminder(ctx context.Context, tx repository.Tx, a *models.Appointment) error {
	if s.cfg.ReminderLead <= 0 {
		return nil
	}
	at := a.Instant.Add(-s.cfg.ReminderLead)
	if now := s.now().UTC(); at.Before(now) {
		at = now
	}
	return tx.ScheduleReminder(ctx, a.ID, at)
}

func (s *Service) inTx(ctx context.Context, fn func(context.Context, repository.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.TxTimeout)
	defer cancel()
	return s.store.InTx(ctx, func(tx repository.Tx) error { return fn(ctx, tx) })
}

// committed invalidates cached slots and publishes the change. Neither can
// fail the operation, which is already durable.
func (s *Service) committed(ctx context.Context, ch change) {
	if ch.event == "" {
		return
	}
	if s.cache != nil {
		s.cache.Invalidate(context.WithoutCancel(ctx), ch.current.DoctorID)
	}
	if s.events == nil {
		return
	}
	payload := events.AppointmentPayload{Appointment: *ch.current, Previous: ch.previous}
	if ch.window != nil {
		payload.RoomName = ch.window.RoomName
	} else {
		payload.RoomName = s.roomName(ctx, ch.current)
	}
	if err := s.events.PublishJSON(ch.event, payload); err != nil {
		s.logger.Warn().Err(err).Int64("appointment_id", ch.current.ID).Str("event", ch.event).Msg("Failed to publish appointment event")
	}
}

// roomName resolves the room for display. Failures yield "".
func (s *Service) roomName(ctx context.Context, a *models.Appointment) string {
	if s.windows == nil {
		return ""
	}
	var (
		w   *models.AvailabilityWindow
		err error
	)
	if a.DoctorSpecialtyID != nil {
		w, err = s.windows.ResolveWindowFor(ctx, *a.DoctorSpecialtyID, a.Instant)
	} else {
		w, err = s.windows.ResolveWindowForDoctor(ctx, a.DoctorID, a.Instant)
	}
	if err != nil || w == nil {
		return ""
	}
	return w.RoomName
}

func (s *Service) observe(op string, start time.Time, err *error) {
	metrics.ObserveBooking(op, models.Code(*err), time.Since(start).Seconds())
}

func eventFor(prev, next *models.Appointment) string {
	if prev.Status != next.Status {
		return events.TypeForStatus(next.Status)
	}
	return events.AppointmentUpdated
}

// notFound turns a store ErrNotFound into a Rejection on field and passes
// other errors through.
func notFound(err error, field, format string, args ...any) error {
	if errors.Is(err, models.ErrNotFound) {
		return models.Reject(models.ErrNotFound, field, format, args...)
	}
	return err
}
