package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"citas/internal/models"
)

const appointmentColumns = `id, user_id, doctor_id, doctor_specialty_id, starts_at, status, priority, notes, created_at, updated_at`

const activeStatusSQL = `status IN ('pending', 'confirmed')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAppointment(row rowScanner) (*models.Appointment, error) {
	var a models.Appointment
	var ds sql.NullInt64
	var startsAt int64
	var notes sql.NullString
	var status, priority string
	if err := row.Scan(&a.ID, &a.UserID, &a.DoctorID, &ds, &startsAt, &status, &priority, &notes, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.DoctorSpecialtyID = int64Ptr(ds)
	a.Instant = fromUnix(startsAt)
	a.Status = models.Status(status)
	a.Priority = models.Priority(priority)
	a.Notes = notes.String
	return &a, nil
}

func scanAppointments(rows *sql.Rows) ([]models.Appointment, error) {
	defer rows.Close()
	var out []models.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func getAppointment(ctx context.Context, q querier, id int64) (*models.Appointment, error) {
	a, err := scanAppointment(q.QueryRowContext(ctx,
		`SELECT `+appointmentColumns+` FROM appointments WHERE id = ?`, id))
	if err != nil {
		return nil, classify(fmt.Errorf("get appointment %d: %w", id, err))
	}
	return a, nil
}

func findActiveAt(ctx context.Context, q querier, doctorID int64, instant time.Time, excludeID int64) (*models.Appointment, error) {
	a, err := scanAppointment(q.QueryRowContext(ctx, `
		SELECT `+appointmentColumns+` FROM appointments
		WHERE doctor_id = ? AND starts_at = ? AND `+activeStatusSQL+` AND id != ?
		LIMIT 1`,
		doctorID, instant.Unix(), excludeID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("find active appointment: %w", err))
	}
	return a, nil
}

// listActiveBetween is a range scan on idx_appointments_doctor_time.
func listActiveBetween(ctx context.Context, q querier, doctorID int64, from, to time.Time, excludeID int64) ([]models.Appointment, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+appointmentColumns+` FROM appointments
		WHERE doctor_id = ? AND starts_at >= ? AND starts_at < ? AND `+activeStatusSQL+` AND id != ?
		ORDER BY starts_at, id`,
		doctorID, from.Unix(), to.Unix(), excludeID,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("list active appointments: %w", err))
	}
	out, err := scanAppointments(rows)
	if err != nil {
		return nil, classify(fmt.Errorf("scan appointments: %w", err))
	}
	return out, nil
}

func (db *DB) GetAppointment(ctx context.Context, id int64) (*models.Appointment, error) {
	return getAppointment(ctx, db, id)
}

func (db *DB) FindActiveAt(ctx context.Context, doctorID int64, instant time.Time, excludeID int64) (*models.Appointment, error) {
	return findActiveAt(ctx, db, doctorID, instant, excludeID)
}

func (db *DB) ListActiveBetween(ctx context.Context, doctorID int64, from, to time.Time, excludeID int64) ([]models.Appointment, error) {
	return listActiveBetween(ctx, db, doctorID, from, to, excludeID)
}

// ListUserAppointments returns a patient's appointments, newest first.
func (db *DB) ListUserAppointments(ctx context.Context, userID int64) ([]models.Appointment, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+appointmentColumns+` FROM appointments WHERE user_id = ? ORDER BY starts_at DESC, id DESC`, userID)
	if err != nil {
		return nil, classify(fmt.Errorf("list user appointments: %w", err))
	}
	return scanAppointments(rows)
}

func (t *Tx) GetAppointment(ctx context.Context, id int64) (*models.Appointment, error) {
	return getAppointment(ctx, t.tx, id)
}

func (t *Tx) FindActiveAt(ctx context.Context, doctorID int64, instant time.Time, excludeID int64) (*models.Appointment, error) {
	return findActiveAt(ctx, t.tx, doctorID, instant, excludeID)
}

func (t *Tx) ListActiveBetween(ctx context.Context, doctorID int64, from, to time.Time, excludeID int64) ([]models.Appointment, error) {
	return listActiveBetween(ctx, t.tx, doctorID, from, to, excludeID)
}

func (t *Tx) InsertAppointment(ctx context.Context, a *models.Appointment) error {
	now := time.Now().UTC()
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO appointments (user_id, doctor_id, doctor_specialty_id, starts_at, status, priority, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.UserID, a.DoctorID, nullInt64(a.DoctorSpecialtyID), a.Instant.Unix(),
		string(a.Status), string(a.Priority), a.Notes, now, now,
	)
	if err != nil {
		return classify(fmt.Errorf("insert appointment: %w", err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert appointment id: %w", err)
	}
	a.ID = id
	a.CreatedAt = now
	a.UpdatedAt = now
	return nil
}

// UpdateAppointment writes the mutable fields. user_id and doctor_id never change.
func (t *Tx) UpdateAppointment(ctx context.Context, a *models.Appointment) error {
	now := time.Now().UTC()
	res, err := t.tx.ExecContext(ctx, `
		UPDATE appointments
		SET doctor_specialty_id = ?, starts_at = ?, status = ?, priority = ?, notes = ?, updated_at = ?
		WHERE id = ?`,
		nullInt64(a.DoctorSpecialtyID), a.Instant.Unix(), string(a.Status), string(a.Priority), a.Notes, now, a.ID,
	)
	if err != nil {
		return classify(fmt.Errorf("update appointment %d: %w", a.ID, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update appointment rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("appointment %d: %w", a.ID, models.ErrNotFound)
	}
	a.UpdatedAt = now
	return nil
}

// ScheduleReminder creates the reminder or moves it while it is unsent.
func (t *Tx) ScheduleReminder(ctx context.Context, appointmentID int64, at time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO reminders (appointment_id, scheduled_for, sent) VALUES (?, ?, 0)
		ON CONFLICT(appointment_id) DO UPDATE SET scheduled_for = excluded.scheduled_for
		WHERE reminders.sent = 0`,
		appointmentID, at.Unix(),
	)
	if err != nil {
		return classify(fmt.Errorf("schedule reminder for appointment %d: %w", appointmentID, err))
	}
	return nil
}
