package database

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"

	"citas/internal/models"
)

// AuditTableNames are the tables copied verbatim into the monthly export.
var AuditTableNames = []string{
	"users",
	"doctors",
	"specialties",
	"doctor_specialties",
	"rooms",
	"availability_windows",
	"appointments",
	"reminders",
}

// GetTableNames returns the tables to export.
func (db *DB) GetTableNames(ctx context.Context) ([]string, error) {
	return AuditTableNames, nil
}

// GetTableData returns all rows of tableName as maps keyed by column.
func (db *DB) GetTableData(ctx context.Context, tableName string) ([]map[string]any, []string, error) {
	if !slices.Contains(AuditTableNames, tableName) {
		return nil, nil, fmt.Errorf("invalid table name: %s", tableName)
	}

	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return nil, nil, err
	}
	var columns []string
	for rows.Next() {
		var cid, notNull, pk int
		var name, typeName string
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &typeName, &notNull, &dflt, &pk); err != nil {
			rows.Close()
			return nil, nil, err
		}
		columns = append(columns, name)
	}
	rows.Close()
	if len(columns) == 0 {
		return nil, nil, fmt.Errorf("table %s has no columns", tableName)
	}

	dataRows, err := db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s", tableName))
	if err != nil {
		return nil, nil, err
	}
	defer dataRows.Close()

	var data []map[string]any
	for dataRows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := dataRows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		data = append(data, row)
	}
	return data, columns, dataRows.Err()
}

// AppointmentReportRow is one appointment of the monthly report.
type AppointmentReportRow struct {
	ID        int64
	Instant   time.Time
	Patient   string
	Rut       string
	Doctor    string
	Specialty string
	Room      string
	Status    string
	Priority  string
	Notes     string
}

// AppointmentsBetween lists every appointment with from <= instant < to for
// reporting, with the room of the window it falls in when one resolves.
// loc is the clinic zone used to match weekday and time of day.
func (db *DB) AppointmentsBetween(ctx context.Context, from, to time.Time, loc *time.Location) ([]AppointmentReportRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT a.id, a.starts_at, u.name, COALESCE(u.rut, ''), d.name, COALESCE(s.name, ''),
			a.status, a.priority, COALESCE(a.notes, ''), a.doctor_specialty_id
		FROM appointments a
		JOIN users u ON u.id = a.user_id
		JOIN doctors d ON d.id = a.doctor_id
		LEFT JOIN doctor_specialties ds ON ds.id = a.doctor_specialty_id
		LEFT JOIN specialties s ON s.id = ds.specialty_id
		WHERE a.starts_at >= ? AND a.starts_at < ?
		ORDER BY a.starts_at, a.id`, from.Unix(), to.Unix())
	if err != nil {
		return nil, classify(fmt.Errorf("query report appointments: %w", err))
	}

	var out []AppointmentReportRow
	var dsIDs []sql.NullInt64
	for rows.Next() {
		var r AppointmentReportRow
		var startsAt int64
		var ds sql.NullInt64
		if err := rows.Scan(&r.ID, &startsAt, &r.Patient, &r.Rut, &r.Doctor, &r.Specialty,
			&r.Status, &r.Priority, &r.Notes, &ds); err != nil {
			rows.Close()
			return nil, err
		}
		r.Instant = fromUnix(startsAt).In(loc)
		out = append(out, r)
		dsIDs = append(dsIDs, ds)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		if !dsIDs[i].Valid {
			continue
		}
		local := out[i].Instant
		var room sql.NullString
		err := db.QueryRowContext(ctx, `
			SELECT r.name FROM availability_windows w LEFT JOIN rooms r ON r.id = w.room_id
			WHERE w.doctor_specialty_id = ? AND w.weekday = ? AND w.start_minute <= ? AND w.end_minute > ?
			ORDER BY w.created_at, w.id LIMIT 1`,
			dsIDs[i].Int64, int(models.WeekdayOf(local)), int(models.TimeOfDayOf(local)), int(models.TimeOfDayOf(local)),
		).Scan(&room)
		if err != nil && err != sql.ErrNoRows {
			return nil, err
		}
		out[i].Room = room.String
	}
	return out, nil
}

// DeleteAppointmentsBefore removes terminal appointments older than cutoff.
// Active appointments are never deleted.
func (db *DB) DeleteAppointmentsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx,
		`DELETE FROM appointments WHERE starts_at < ? AND status IN ('cancelled', 'rescheduled')`, cutoff.Unix())
	if err != nil {
		return 0, classify(fmt.Errorf("delete old appointments: %w", err))
	}
	return res.RowsAffected()
}
