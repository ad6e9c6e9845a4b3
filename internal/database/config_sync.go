package database

import (
	"context"
	"database/sql"
	"fmt"

	"citas/internal/availability"
	"citas/internal/config"
	"citas/internal/models"
)

// catalogTx implements availability.Repository over an open transaction.
type catalogTx struct {
	tx *sql.Tx
}

func (c *catalogTx) ListWindows(ctx context.Context, f availability.WindowFilter) ([]models.AvailabilityWindow, error) {
	return listWindows(ctx, c.tx, f)
}

func (c *catalogTx) GetDoctorSpecialty(ctx context.Context, id int64) (*models.DoctorSpecialty, error) {
	return getDoctorSpecialty(ctx, c.tx, id)
}

func (c *catalogTx) GetRoom(ctx context.Context, id int64) (*models.Room, error) {
	return getRoom(ctx, c.tx, id)
}

func (c *catalogTx) SaveWindow(ctx context.Context, w *models.AvailabilityWindow) error {
	return saveWindow(ctx, c.tx, w)
}

func (c *catalogTx) DeleteWindow(ctx context.Context, id int64) error {
	return deleteWindow(ctx, c.tx, id)
}

// SyncCatalog applies clinic.yaml to the database in one transaction: any
// error leaves the previous catalog in place. Users, doctors, specialties,
// rooms and doctor-specialties are upserted by id; rooms and
// doctor-specialties missing from the catalog are deactivated. Windows of
// every listed doctor-specialty are aligned to the catalog through store, so
// every window invariant holds after a sync.
func (db *DB) SyncCatalog(ctx context.Context, cat *config.Catalog, store *availability.Store) error {
	if cat == nil {
		return fmt.Errorf("clinic catalog is nil")
	}

	var created int
	err := db.inSQLTx(ctx, func(tx *sql.Tx) error {
		var err error
		c := &catalogTx{tx: tx}
		created, err = db.syncCatalog(ctx, c, cat, store.With(c))
		return err
	})
	if err != nil {
		return err
	}

	db.logger.Info().
		Int("users", len(cat.Users)).
		Int("doctors", len(cat.Doctors)).
		Int("windows_created", created).
		Msg("Clinic catalog synced")
	return nil
}

func (db *DB) syncCatalog(ctx context.Context, c *catalogTx, cat *config.Catalog, store *availability.Store) (int, error) {
	tx := c.tx
	for _, u := range cat.Users {
		user := &models.User{ID: u.ID, Name: u.Name, Email: u.Email, Rut: u.Rut, Phone: u.Phone,
			Role: u.Role, TelegramChatID: u.TelegramChatID}
		if err := upsertUser(ctx, tx, user); err != nil {
			return 0, fmt.Errorf("sync user %d: %w", u.ID, err)
		}
	}

	for _, s := range cat.Specialties {
		if err := upsertSpecialty(ctx, tx, &models.Specialty{ID: s.ID, Name: s.Name, Description: s.Description}); err != nil {
			return 0, fmt.Errorf("sync specialty %d: %w", s.ID, err)
		}
	}

	seenRooms := make(map[int64]struct{})
	seenDS := make(map[int64]struct{})
	created := 0
	for i := range cat.Doctors {
		d := &cat.Doctors[i]
		if err := upsertDoctor(ctx, tx, &models.Doctor{ID: d.ID, UserID: d.UserID, Name: d.Name}); err != nil {
			return created, fmt.Errorf("sync doctor %d: %w", d.ID, err)
		}

		for _, r := range d.Rooms {
			room := &models.Room{ID: r.ID, DoctorID: d.ID, Name: r.Name, Active: config.IsActive(r.Active)}
			if err := upsertRoom(ctx, tx, room); err != nil {
				return created, fmt.Errorf("sync doctor %d: %w", d.ID, err)
			}
			seenRooms[r.ID] = struct{}{}
		}

		for _, dsc := range d.Specialties {
			ds := &models.DoctorSpecialty{ID: dsc.ID, DoctorID: d.ID, SpecialtyID: dsc.SpecialtyID, Active: config.IsActive(dsc.Active)}
			if err := upsertDoctorSpecialty(ctx, tx, ds); err != nil {
				return created, fmt.Errorf("sync doctor %d: %w", d.ID, err)
			}
			seenDS[dsc.ID] = struct{}{}
		}

		n, err := alignWindows(ctx, c, store, d)
		created += n
		if err != nil {
			return created, fmt.Errorf("sync doctor %d windows: %w", d.ID, err)
		}
	}

	if err := db.deactivateMissing(ctx, tx, "rooms", seenRooms); err != nil {
		return created, err
	}
	if err := db.deactivateMissing(ctx, tx, "doctor_specialties", seenDS); err != nil {
		return created, err
	}
	return created, nil
}

type windowKey struct {
	weekday    models.Weekday
	start, end models.TimeOfDay
	room       int64
}

func keyOf(w *models.AvailabilityWindow) windowKey {
	k := windowKey{weekday: w.Weekday, start: w.Start, end: w.End}
	if w.RoomID != nil {
		k.room = *w.RoomID
	}
	return k
}

// alignWindows brings the windows of every specialty of d in line with the
// catalog. Rooms are shared across a doctor's specialties, so every stale
// window of the doctor is deleted before any new one is saved. Unchanged
// windows keep their id and creation time.
func alignWindows(ctx context.Context, c *catalogTx, store *availability.Store, d *config.DoctorConfig) (int, error) {
	var pending []models.AvailabilityWindow
	for _, dsc := range d.Specialties {
		missing, err := dropStaleWindows(ctx, c, store, d, dsc)
		if err != nil {
			return 0, fmt.Errorf("doctor specialty %d: %w", dsc.ID, err)
		}
		pending = append(pending, missing...)
	}

	for i := range pending {
		if err := store.Save(ctx, &pending[i]); err != nil {
			return i, fmt.Errorf("doctor specialty %d window %s: %w", pending[i].DoctorSpecialtyID, pending[i].String(), err)
		}
	}
	return len(pending), nil
}

// dropStaleWindows deletes the stored windows of dsc the catalog no longer
// lists and returns the listed ones not stored yet.
func dropStaleWindows(ctx context.Context, c *catalogTx, store *availability.Store, d *config.DoctorConfig, dsc config.DoctorSpecialtyConfig) ([]models.AvailabilityWindow, error) {
	want := make([]models.AvailabilityWindow, 0, len(dsc.Windows))
	wanted := make(map[windowKey]bool, len(dsc.Windows))
	for _, wc := range dsc.Windows {
		w, err := windowFromConfig(d, dsc.ID, wc)
		if err != nil {
			return nil, err
		}
		want = append(want, w)
		wanted[keyOf(&w)] = true
	}

	existing, err := c.ListWindows(ctx, availability.WindowFilter{DoctorSpecialtyID: dsc.ID})
	if err != nil {
		return nil, err
	}
	have := make(map[windowKey]bool, len(existing))
	for i := range existing {
		k := keyOf(&existing[i])
		if wanted[k] && !have[k] {
			have[k] = true
			continue
		}
		if err := store.Delete(ctx, existing[i].ID); err != nil {
			return nil, err
		}
	}

	var missing []models.AvailabilityWindow
	for i := range want {
		k := keyOf(&want[i])
		if have[k] {
			continue
		}
		have[k] = true
		missing = append(missing, want[i])
	}
	return missing, nil
}

func windowFromConfig(d *config.DoctorConfig, dsID int64, wc config.WindowConfig) (models.AvailabilityWindow, error) {
	day, err := models.ParseWeekday(wc.Weekday)
	if err != nil {
		return models.AvailabilityWindow{}, err
	}
	start, err := models.ParseTimeOfDay(wc.Start)
	if err != nil {
		return models.AvailabilityWindow{}, err
	}
	end, err := models.ParseTimeOfDay(wc.End)
	if err != nil {
		return models.AvailabilityWindow{}, err
	}
	w := models.AvailabilityWindow{DoctorSpecialtyID: dsID, DoctorID: d.ID, Weekday: day, Start: start, End: end, RoomName: wc.Room}
	if wc.Room != "" {
		id, ok := d.RoomID(wc.Room)
		if !ok {
			return models.AvailabilityWindow{}, fmt.Errorf("unknown room %q", wc.Room)
		}
		w.RoomID = &id
	}
	return w, nil
}

func (db *DB) deactivateMissing(ctx context.Context, q querier, table string, seen map[int64]struct{}) error {
	rows, err := q.QueryContext(ctx, `SELECT id FROM `+table+` WHERE is_active = 1`)
	if err != nil {
		return err
	}
	var stale []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		if _, ok := seen[id]; !ok {
			stale = append(stale, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range stale {
		if _, err := q.ExecContext(ctx, `UPDATE `+table+` SET is_active = 0 WHERE id = ?`, id); err != nil {
			return fmt.Errorf("deactivate %s %d: %w", table, id, err)
		}
		db.logger.Info().Str("table", table).Int64("id", id).Msg("Deactivated entry missing from catalog")
	}
	return nil
}
