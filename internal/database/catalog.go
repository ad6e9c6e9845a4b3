package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"citas/internal/availability"
	"citas/internal/models"
)

func (db *DB) GetUser(ctx context.Context, id int64) (*models.User, error) {
	var u models.User
	var email, rut, phone sql.NullString
	var chat sql.NullInt64
	err := db.QueryRowContext(ctx, `
		SELECT id, name, email, rut, phone, role, telegram_chat_id, created_at
		FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Name, &email, &rut, &phone, &u.Role, &chat, &u.CreatedAt)
	if err != nil {
		return nil, classify(fmt.Errorf("get user %d: %w", id, err))
	}
	u.Email, u.Rut, u.Phone = email.String, rut.String, phone.String
	u.TelegramChatID = chat.Int64
	return &u, nil
}

// upsertUser inserts u or updates it in place, keeping created_at.
func upsertUser(ctx context.Context, q querier, u *models.User) error {
	if u.Role == "" {
		u.Role = "patient"
	}
	var chat sql.NullInt64
	if u.TelegramChatID != 0 {
		chat = sql.NullInt64{Int64: u.TelegramChatID, Valid: true}
	}
	now := time.Now().UTC()
	if u.ID == 0 {
		res, err := q.ExecContext(ctx, `
			INSERT INTO users (name, email, rut, phone, role, telegram_chat_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			u.Name, u.Email, u.Rut, u.Phone, u.Role, chat, now)
		if err != nil {
			return classify(fmt.Errorf("insert user: %w", err))
		}
		u.ID, err = res.LastInsertId()
		return err
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO users (id, name, email, rut, phone, role, telegram_chat_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			rut = excluded.rut,
			phone = excluded.phone,
			role = excluded.role,
			telegram_chat_id = excluded.telegram_chat_id`,
		u.ID, u.Name, u.Email, u.Rut, u.Phone, u.Role, chat, now)
	if err != nil {
		return classify(fmt.Errorf("upsert user %d: %w", u.ID, err))
	}
	return nil
}

// ListUsersByRole returns users holding role, by id.
func (db *DB) ListUsersByRole(ctx context.Context, role string) ([]models.User, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, name, email, rut, phone, role, telegram_chat_id, created_at
		FROM users WHERE role = ? ORDER BY id`, role)
	if err != nil {
		return nil, classify(fmt.Errorf("list %s users: %w", role, err))
	}
	defer rows.Close()

	var out []models.User
	for rows.Next() {
		var u models.User
		var email, rut, phone sql.NullString
		var chat sql.NullInt64
		if err := rows.Scan(&u.ID, &u.Name, &email, &rut, &phone, &u.Role, &chat, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.Email, u.Rut, u.Phone = email.String, rut.String, phone.String
		u.TelegramChatID = chat.Int64
		out = append(out, u)
	}
	return out, rows.Err()
}

// DeleteUser removes the user and, by cascade, their appointments.
func (db *DB) DeleteUser(ctx context.Context, id int64) error {
	res, err := db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return classify(fmt.Errorf("delete user %d: %w", id, err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %d: %w", id, models.ErrNotFound)
	}
	return nil
}

func (db *DB) GetDoctor(ctx context.Context, id int64) (*models.Doctor, error) {
	var d models.Doctor
	var userID sql.NullInt64
	err := db.QueryRowContext(ctx, `SELECT id, user_id, name, created_at FROM doctors WHERE id = ?`, id).
		Scan(&d.ID, &userID, &d.Name, &d.CreatedAt)
	if err != nil {
		return nil, classify(fmt.Errorf("get doctor %d: %w", id, err))
	}
	d.UserID = int64Ptr(userID)
	return &d, nil
}

func upsertDoctor(ctx context.Context, q querier, d *models.Doctor) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO doctors (id, user_id, name, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET user_id = excluded.user_id, name = excluded.name`,
		d.ID, nullInt64(d.UserID), d.Name, time.Now().UTC())
	if err != nil {
		return classify(fmt.Errorf("upsert doctor %d: %w", d.ID, err))
	}
	return nil
}

func upsertSpecialty(ctx context.Context, q querier, s *models.Specialty) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO specialties (id, name, description) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, description = excluded.description`,
		s.ID, s.Name, s.Description)
	if err != nil {
		return classify(fmt.Errorf("upsert specialty %d: %w", s.ID, err))
	}
	return nil
}

func getDoctorSpecialty(ctx context.Context, q querier, id int64) (*models.DoctorSpecialty, error) {
	var ds models.DoctorSpecialty
	err := q.QueryRowContext(ctx, `
		SELECT ds.id, ds.doctor_id, ds.specialty_id, s.name, ds.is_active
		FROM doctor_specialties ds JOIN specialties s ON s.id = ds.specialty_id
		WHERE ds.id = ?`, id,
	).Scan(&ds.ID, &ds.DoctorID, &ds.SpecialtyID, &ds.SpecialtyName, &ds.Active)
	if err != nil {
		return nil, classify(fmt.Errorf("get doctor specialty %d: %w", id, err))
	}
	return &ds, nil
}

func upsertDoctorSpecialty(ctx context.Context, q querier, ds *models.DoctorSpecialty) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO doctor_specialties (id, doctor_id, specialty_id, is_active) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET specialty_id = excluded.specialty_id, is_active = excluded.is_active`,
		ds.ID, ds.DoctorID, ds.SpecialtyID, ds.Active)
	if err != nil {
		return classify(fmt.Errorf("upsert doctor specialty %d: %w", ds.ID, err))
	}
	return nil
}

// ListDoctorSpecialties returns every doctor-specialty of doctorID.
func (db *DB) ListDoctorSpecialties(ctx context.Context, doctorID int64) ([]models.DoctorSpecialty, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT ds.id, ds.doctor_id, ds.specialty_id, s.name, ds.is_active
		FROM doctor_specialties ds JOIN specialties s ON s.id = ds.specialty_id
		WHERE ds.doctor_id = ? ORDER BY ds.id`, doctorID)
	if err != nil {
		return nil, classify(fmt.Errorf("list doctor specialties: %w", err))
	}
	defer rows.Close()
	var out []models.DoctorSpecialty
	for rows.Next() {
		var ds models.DoctorSpecialty
		if err := rows.Scan(&ds.ID, &ds.DoctorID, &ds.SpecialtyID, &ds.SpecialtyName, &ds.Active); err != nil {
			return nil, err
		}
		out = append(out, ds)
	}
	return out, rows.Err()
}

func getRoom(ctx context.Context, q querier, id int64) (*models.Room, error) {
	var r models.Room
	err := q.QueryRowContext(ctx, `SELECT id, doctor_id, name, is_active FROM rooms WHERE id = ?`, id).
		Scan(&r.ID, &r.DoctorID, &r.Name, &r.Active)
	if err != nil {
		return nil, classify(fmt.Errorf("get room %d: %w", id, err))
	}
	return &r, nil
}

// upsertRoom inserts the room or renames it. A room already owned by another
// doctor is refused.
func upsertRoom(ctx context.Context, q querier, r *models.Room) error {
	existing, err := getRoom(ctx, q, r.ID)
	if err == nil && existing.DoctorID != r.DoctorID {
		return fmt.Errorf("room %d belongs to doctor %d and cannot move to doctor %d", r.ID, existing.DoctorID, r.DoctorID)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO rooms (id, doctor_id, name, is_active) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, is_active = excluded.is_active`,
		r.ID, r.DoctorID, r.Name, r.Active)
	if err != nil {
		return classify(fmt.Errorf("upsert room %d: %w", r.ID, err))
	}
	return nil
}

const windowColumns = `w.id, w.doctor_specialty_id, ds.doctor_id, w.room_id, COALESCE(r.name, ''),
	w.weekday, w.start_minute, w.end_minute, w.created_at`

const windowFrom = `availability_windows w
	JOIN doctor_specialties ds ON ds.id = w.doctor_specialty_id
	LEFT JOIN rooms r ON r.id = w.room_id`

// listWindows returns windows matching f in creation order.
func listWindows(ctx context.Context, q querier, f availability.WindowFilter) ([]models.AvailabilityWindow, error) {
	var where []string
	var args []any
	if f.DoctorSpecialtyID != 0 {
		where = append(where, "w.doctor_specialty_id = ?")
		args = append(args, f.DoctorSpecialtyID)
	}
	if f.DoctorID != 0 {
		where = append(where, "ds.doctor_id = ?")
		args = append(args, f.DoctorID)
	}
	if f.RoomID != nil {
		where = append(where, "w.room_id = ?")
		args = append(args, *f.RoomID)
	}
	if f.Weekday != 0 {
		where = append(where, "w.weekday = ?")
		args = append(args, int(f.Weekday))
	}

	query := `SELECT ` + windowColumns + ` FROM ` + windowFrom
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY w.created_at, w.id`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("list windows: %w", err))
	}
	defer rows.Close()

	var out []models.AvailabilityWindow
	for rows.Next() {
		var w models.AvailabilityWindow
		var room sql.NullInt64
		var weekday, start, end int
		if err := rows.Scan(&w.ID, &w.DoctorSpecialtyID, &w.DoctorID, &room, &w.RoomName,
			&weekday, &start, &end, &w.CreatedAt); err != nil {
			return nil, err
		}
		w.RoomID = int64Ptr(room)
		w.Weekday = models.Weekday(weekday)
		w.Start = models.TimeOfDay(start)
		w.End = models.TimeOfDay(end)
		out = append(out, w)
	}
	return out, rows.Err()
}

// saveWindow inserts w when w.ID is zero, otherwise updates it.
// Invariants are checked by availability.Store before this is called.
func saveWindow(ctx context.Context, q querier, w *models.AvailabilityWindow) error {
	if w.ID == 0 {
		now := time.Now().UTC()
		res, err := q.ExecContext(ctx, `
			INSERT INTO availability_windows (doctor_specialty_id, room_id, weekday, start_minute, end_minute, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			w.DoctorSpecialtyID, nullInt64(w.RoomID), int(w.Weekday), int(w.Start), int(w.End), now)
		if err != nil {
			return classify(fmt.Errorf("insert window: %w", err))
		}
		if w.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		w.CreatedAt = now
		return nil
	}

	res, err := q.ExecContext(ctx, `
		UPDATE availability_windows
		SET doctor_specialty_id = ?, room_id = ?, weekday = ?, start_minute = ?, end_minute = ?
		WHERE id = ?`,
		w.DoctorSpecialtyID, nullInt64(w.RoomID), int(w.Weekday), int(w.Start), int(w.End), w.ID)
	if err != nil {
		return classify(fmt.Errorf("update window %d: %w", w.ID, err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("window %d: %w", w.ID, models.ErrNotFound)
	}
	return nil
}

func deleteWindow(ctx context.Context, q querier, id int64) error {
	res, err := q.ExecContext(ctx, `DELETE FROM availability_windows WHERE id = ?`, id)
	if err != nil {
		return classify(fmt.Errorf("delete window %d: %w", id, err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("window %d: %w", id, models.ErrNotFound)
	}
	return nil
}

// The catalog methods below run on the pool. SyncCatalog runs the same
// statements through catalogTx.

func (db *DB) UpsertUser(ctx context.Context, u *models.User) error {
	return upsertUser(ctx, db.DB, u)
}

func (db *DB) UpsertDoctor(ctx context.Context, d *models.Doctor) error {
	return upsertDoctor(ctx, db.DB, d)
}

func (db *DB) UpsertSpecialty(ctx context.Context, s *models.Specialty) error {
	return upsertSpecialty(ctx, db.DB, s)
}

func (db *DB) GetDoctorSpecialty(ctx context.Context, id int64) (*models.DoctorSpecialty, error) {
	return getDoctorSpecialty(ctx, db.DB, id)
}

func (db *DB) UpsertDoctorSpecialty(ctx context.Context, ds *models.DoctorSpecialty) error {
	return upsertDoctorSpecialty(ctx, db.DB, ds)
}

func (db *DB) GetRoom(ctx context.Context, id int64) (*models.Room, error) {
	return getRoom(ctx, db.DB, id)
}

func (db *DB) UpsertRoom(ctx context.Context, r *models.Room) error {
	return upsertRoom(ctx, db.DB, r)
}

func (db *DB) ListWindows(ctx context.Context, f availability.WindowFilter) ([]models.AvailabilityWindow, error) {
	return listWindows(ctx, db.DB, f)
}

func (db *DB) SaveWindow(ctx context.Context, w *models.AvailabilityWindow) error {
	return saveWindow(ctx, db.DB, w)
}

func (db *DB) DeleteWindow(ctx context.Context, id int64) error {
	return deleteWindow(ctx, db.DB, id)
}
