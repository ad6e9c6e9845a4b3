// Package repository declares the persistence ports the booking core runs on.
// internal/database implements them over SQLite.
package repository

import (
	"context"
	"time"

	"citas/internal/models"
)

// AppointmentReader reads active appointments of one doctor.
type AppointmentReader interface {
	// FindActiveAt returns the active appointment of doctorID at instant, or nil.
	FindActiveAt(ctx context.Context, doctorID int64, instant time.Time, excludeID int64) (*models.Appointment, error)
	// ListActiveBetween returns active appointments with from <= instant < to, by instant.
	ListActiveBetween(ctx context.Context, doctorID int64, from, to time.Time, excludeID int64) ([]models.Appointment, error)
}

// Tx is the appointment view of one open write transaction. Nothing written
// through it is visible to others before the transaction commits.
type Tx interface {
	AppointmentReader
	GetAppointment(ctx context.Context, id int64) (*models.Appointment, error)
	// InsertAppointment sets a.ID. A second active row for the same doctor
	// and instant fails with models.ErrExactConflict.
	InsertAppointment(ctx context.Context, a *models.Appointment) error
	UpdateAppointment(ctx context.Context, a *models.Appointment) error
	// ScheduleReminder creates or moves the appointment's unsent reminder.
	ScheduleReminder(ctx context.Context, appointmentID int64, at time.Time) error
}

// Store is the read side plus the transaction boundary.
type Store interface {
	AppointmentReader
	// InTx runs fn in one transaction; fn's error rolls it back. Contention
	// and deadline errors come back wrapped as models.ErrTransient.
	InTx(ctx context.Context, fn func(Tx) error) error
	GetAppointment(ctx context.Context, id int64) (*models.Appointment, error)
	GetUser(ctx context.Context, id int64) (*models.User, error)
	GetDoctor(ctx context.Context, id int64) (*models.Doctor, error)
	GetDoctorSpecialty(ctx context.Context, id int64) (*models.DoctorSpecialty, error)
}

// ReminderStore feeds the reminder worker.
type ReminderStore interface {
	// DueReminders returns unsent reminders scheduled at or before now whose
	// appointment still awaits a visit (pending, confirmed or rescheduled).
	DueReminders(ctx context.Context, now time.Time, limit int) ([]models.DueReminder, error)
	// MarkReminderSent flips sent once; false means it was already sent.
	MarkReminderSent(ctx context.Context, id int64, at time.Time) (bool, error)
}

// NotificationLog records dispatched notifications.
type NotificationLog interface {
	RecordNotification(ctx context.Context, n *models.NotificationRecord) error
	UpdateNotificationStatus(ctx context.Context, id string, status models.NotificationStatus, errMsg string, at time.Time) error
}
