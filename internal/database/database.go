package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"citas/internal/models"
	"citas/internal/repository"
)

// DB wraps sql.DB with the clinic schema.
type DB struct {
	*sql.DB
	path   string
	logger *zerolog.Logger
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewDB opens the database at path and runs migrations. Write transactions
// start with BEGIN IMMEDIATE so concurrent writers queue on the busy timeout.
func NewDB(path string, busyTimeout time.Duration, logger *zerolog.Logger) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d&_txlock=immediate&_foreign_keys=on",
		path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	l := logger.With().Str("component", "database").Logger()
	instance := &DB{DB: db, path: path, logger: &l}
	if err := instance.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	l.Info().Str("path", path).Msg("Database initialized")
	return instance, nil
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

func (db *DB) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			email TEXT,
			rut TEXT,
			phone TEXT,
			role TEXT NOT NULL DEFAULT 'patient',
			telegram_chat_id INTEGER,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS doctors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER REFERENCES users(id) ON DELETE SET NULL,
			name TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS specialties (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT UNIQUE NOT NULL,
			description TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS doctor_specialties (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			doctor_id INTEGER NOT NULL REFERENCES doctors(id) ON DELETE CASCADE,
			specialty_id INTEGER NOT NULL REFERENCES specialties(id) ON DELETE CASCADE,
			is_active BOOLEAN NOT NULL DEFAULT 1,
			UNIQUE (doctor_id, specialty_id)
		)`,

		// A room never changes doctor; there is no update path for doctor_id.
		`CREATE TABLE IF NOT EXISTS rooms (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			doctor_id INTEGER NOT NULL REFERENCES doctors(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT 1,
			UNIQUE (doctor_id, name)
		)`,

		`CREATE TABLE IF NOT EXISTS availability_windows (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			doctor_specialty_id INTEGER NOT NULL REFERENCES doctor_specialties(id) ON DELETE CASCADE,
			room_id INTEGER REFERENCES rooms(id) ON DELETE RESTRICT,
			weekday INTEGER NOT NULL CHECK (weekday BETWEEN 1 AND 7),
			start_minute INTEGER NOT NULL,
			end_minute INTEGER NOT NULL,
			created_at DATETIME NOT NULL,
			CHECK (start_minute < end_minute)
		)`,

		// starts_at is unix seconds (UTC).
		`CREATE TABLE IF NOT EXISTS appointments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			doctor_id INTEGER NOT NULL REFERENCES doctors(id),
			doctor_specialty_id INTEGER REFERENCES doctor_specialties(id) ON DELETE SET NULL,
			starts_at INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending'
				CHECK (status IN ('pending', 'confirmed', 'cancelled', 'rescheduled')),
			priority TEXT NOT NULL DEFAULT 'normal' CHECK (priority IN ('normal', 'urgent')),
			notes TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS reminders (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			appointment_id INTEGER NOT NULL UNIQUE REFERENCES appointments(id) ON DELETE CASCADE,
			scheduled_for INTEGER NOT NULL,
			sent BOOLEAN NOT NULL DEFAULT 0,
			sent_at DATETIME
		)`,

		`CREATE TABLE IF NOT EXISTS notifications (
			id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			appointment_id INTEGER REFERENCES appointments(id) ON DELETE CASCADE,
			channel TEXT NOT NULL,
			template TEXT NOT NULL,
			message TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			error TEXT,
			created_at DATETIME NOT NULL,
			sent_at DATETIME
		)`,

		// Backs the exact-instant invariant for concurrent writers.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_appointments_doctor_active_instant
			ON appointments(doctor_id, starts_at) WHERE status IN ('pending', 'confirmed')`,
		`CREATE INDEX IF NOT EXISTS idx_appointments_doctor_time ON appointments(doctor_id, starts_at)`,
		`CREATE INDEX IF NOT EXISTS idx_appointments_user ON appointments(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_windows_ds_day ON availability_windows(doctor_specialty_id, weekday)`,
		`CREATE INDEX IF NOT EXISTS idx_windows_room_day ON availability_windows(room_id, weekday)`,
		`CREATE INDEX IF NOT EXISTS idx_reminders_due ON reminders(sent, scheduled_for)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, created_at)`,
	}

	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			return fmt.Errorf("exec migration %s: %w", trimSQL(q), err)
		}
	}
	return nil
}

func trimSQL(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 60 {
		return s[:60] + "..."
	}
	return s
}

// InTx runs fn inside one BEGIN IMMEDIATE transaction.
func (db *DB) InTx(ctx context.Context, fn func(repository.Tx) error) error {
	return db.inSQLTx(ctx, func(sqlTx *sql.Tx) error { return fn(&Tx{tx: sqlTx}) })
}

func (db *DB) inSQLTx(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin tx: %w", err))
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(sqlTx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			db.logger.Warn().Err(rbErr).Msg("Rollback failed")
		}
		return classify(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// Tx implements repository.Tx over an open transaction.
type Tx struct {
	tx *sql.Tx
}

// classify maps driver and context errors onto the model sentinels.
// Already classified errors pass through untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := models.AsRejection(err); ok {
		return err
	}
	if errors.Is(err, models.ErrTransient) || errors.Is(err, models.ErrNotFound) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", models.ErrNotFound, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", models.ErrTransient, err)
	}

	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return fmt.Errorf("%w: %v", models.ErrTransient, err)
		case sqlite3.ErrInterrupt:
			return fmt.Errorf("%w: %v", models.ErrTransient, err)
		case sqlite3.ErrConstraint:
			if se.ExtendedCode == sqlite3.ErrConstraintUnique && strings.Contains(se.Error(), "appointments.doctor_id") {
				return models.Reject(models.ErrExactConflict, "instant", "doctor already has an active appointment at this instant")
			}
		}
	}
	return err
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func fromUnix(sec int64) time.Time { return time.Unix(sec, 0).UTC() }
