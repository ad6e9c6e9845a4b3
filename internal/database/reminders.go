package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"citas/internal/models"
)

// DueReminders returns unsent reminders due by now whose appointment still
// awaits a visit, rescheduled ones included.
func (db *DB) DueReminders(ctx context.Context, now time.Time, limit int) ([]models.DueReminder, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT r.id, r.appointment_id, r.scheduled_for,
			a.id, a.user_id, a.doctor_id, a.doctor_specialty_id, a.starts_at, a.status, a.priority, a.notes, a.created_at, a.updated_at,
			u.id, u.name, u.email, u.phone, u.telegram_chat_id,
			d.name
		FROM reminders r
		JOIN appointments a ON a.id = r.appointment_id
		JOIN users u ON u.id = a.user_id
		JOIN doctors d ON d.id = a.doctor_id
		WHERE r.sent = 0 AND r.scheduled_for <= ? AND a.status IN ('pending', 'confirmed', 'rescheduled')
		ORDER BY r.scheduled_for, r.id
		LIMIT ?`, now.Unix(), limit)
	if err != nil {
		return nil, classify(fmt.Errorf("query due reminders: %w", err))
	}
	defer rows.Close()

	var out []models.DueReminder
	for rows.Next() {
		var d models.DueReminder
		var scheduled, startsAt int64
		var ds, chat sql.NullInt64
		var notes, email, phone sql.NullString
		var status, priority string
		if err := rows.Scan(&d.ID, &d.AppointmentID, &scheduled,
			&d.Appointment.ID, &d.Appointment.UserID, &d.Appointment.DoctorID, &ds, &startsAt,
			&status, &priority, &notes, &d.Appointment.CreatedAt, &d.Appointment.UpdatedAt,
			&d.User.ID, &d.User.Name, &email, &phone, &chat,
			&d.DoctorName); err != nil {
			return nil, fmt.Errorf("scan due reminder: %w", err)
		}
		d.ScheduledFor = fromUnix(scheduled)
		d.Appointment.DoctorSpecialtyID = int64Ptr(ds)
		d.Appointment.Instant = fromUnix(startsAt)
		d.Appointment.Status = models.Status(status)
		d.Appointment.Priority = models.Priority(priority)
		d.Appointment.Notes = notes.String
		d.User.Email, d.User.Phone = email.String, phone.String
		d.User.TelegramChatID = chat.Int64
		out = append(out, d)
	}
	return out, rows.Err()
}

// MarkReminderSent flips the reminder to sent. It reports false when another
// worker already did.
func (db *DB) MarkReminderSent(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := db.ExecContext(ctx, `UPDATE reminders SET sent = 1, sent_at = ? WHERE id = ? AND sent = 0`, at.UTC(), id)
	if err != nil {
		return false, classify(fmt.Errorf("mark reminder %d sent: %w", id, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetReminder returns the reminder of an appointment.
func (db *DB) GetReminder(ctx context.Context, appointmentID int64) (*models.Reminder, error) {
	var r models.Reminder
	var scheduled int64
	var sentAt sql.NullTime
	err := db.QueryRowContext(ctx, `
		SELECT id, appointment_id, scheduled_for, sent, sent_at FROM reminders WHERE appointment_id = ?`, appointmentID,
	).Scan(&r.ID, &r.AppointmentID, &scheduled, &r.Sent, &sentAt)
	if err != nil {
		return nil, classify(fmt.Errorf("get reminder of appointment %d: %w", appointmentID, err))
	}
	r.ScheduledFor = fromUnix(scheduled)
	if sentAt.Valid {
		t := sentAt.Time
		r.SentAt = &t
	}
	return &r, nil
}

func (db *DB) RecordNotification(ctx context.Context, n *models.NotificationRecord) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if n.Status == "" {
		n.Status = models.NotificationPending
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, appointment_id, channel, template, message, status, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.UserID, nullInt64(n.AppointmentID), string(n.Channel), n.Template, n.Message,
		string(n.Status), n.Error, n.CreatedAt)
	if err != nil {
		return classify(fmt.Errorf("record notification: %w", err))
	}
	return nil
}

func (db *DB) UpdateNotificationStatus(ctx context.Context, id string, status models.NotificationStatus, errMsg string, at time.Time) error {
	var sentAt any
	if status == models.NotificationSent {
		sentAt = at.UTC()
	}
	res, err := db.ExecContext(ctx, `UPDATE notifications SET status = ?, error = ?, sent_at = ? WHERE id = ?`,
		string(status), errMsg, sentAt, id)
	if err != nil {
		return classify(fmt.Errorf("update notification %s: %w", id, err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("notification %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// ListNotifications returns the user's notification log, newest first.
func (db *DB) ListNotifications(ctx context.Context, userID int64, limit int) ([]models.NotificationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, user_id, appointment_id, channel, template, message, status, error, created_at, sent_at
		FROM notifications WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("list notifications: %w", err))
	}
	defer rows.Close()

	var out []models.NotificationRecord
	for rows.Next() {
		var n models.NotificationRecord
		var appt sql.NullInt64
		var channel, status string
		var errMsg sql.NullString
		var sentAt sql.NullTime
		if err := rows.Scan(&n.ID, &n.UserID, &appt, &channel, &n.Template, &n.Message, &status, &errMsg, &n.CreatedAt, &sentAt); err != nil {
			return nil, err
		}
		n.AppointmentID = int64Ptr(appt)
		n.Channel = models.NotificationChannel(channel)
		n.Status = models.NotificationStatus(status)
		n.Error = errMsg.String
		if sentAt.Valid {
			t := sentAt.Time
			n.SentAt = &t
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
