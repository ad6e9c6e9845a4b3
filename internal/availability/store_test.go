package availability

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"citas/internal/models"
	"citas/internal/timegrid"
)

type memRepo struct {
	mu      sync.Mutex
	windows []models.AvailabilityWindow
	ds      map[int64]models.DoctorSpecialty
	rooms   map[int64]models.Room
	nextID  int64
	clock   time.Time
}

func newMemRepo() *memRepo {
	return &memRepo{
		ds: map[int64]models.DoctorSpecialty{
			10: {ID: 10, DoctorID: 1, SpecialtyID: 100, Active: true},
			11: {ID: 11, DoctorID: 1, SpecialtyID: 101, Active: true},
			20: {ID: 20, DoctorID: 2, SpecialtyID: 100, Active: true},
		},
		rooms: map[int64]models.Room{
			5: {ID: 5, DoctorID: 1, Name: "Box A", Active: true},
			6: {ID: 6, DoctorID: 2, Name: "Box B", Active: true},
		},
		clock: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (m *memRepo) ListWindows(_ context.Context, f WindowFilter) ([]models.AvailabilityWindow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AvailabilityWindow
	for _, w := range m.windows {
		if f.DoctorSpecialtyID != 0 && w.DoctorSpecialtyID != f.DoctorSpecialtyID {
			continue
		}
		if f.DoctorID != 0 && w.DoctorID != f.DoctorID {
			continue
		}
		if f.RoomID != nil && (w.RoomID == nil || *w.RoomID != *f.RoomID) {
			continue
		}
		if f.Weekday != 0 && w.Weekday != f.Weekday {
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

func (m *memRepo) GetDoctorSpecialty(_ context.Context, id int64) (*models.DoctorSpecialty, error) {
	ds, ok := m.ds[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &ds, nil
}

func (m *memRepo) GetRoom(_ context.Context, id int64) (*models.Room, error) {
	r, ok := m.rooms[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &r, nil
}

func (m *memRepo) SaveWindow(_ context.Context, w *models.AvailabilityWindow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.ID != 0 {
		for i := range m.windows {
			if m.windows[i].ID == w.ID {
				m.windows[i] = *w
				return nil
			}
		}
		return models.ErrNotFound
	}
	m.nextID++
	m.clock = m.clock.Add(time.Minute)
	w.ID = m.nextID
	w.CreatedAt = m.clock
	m.windows = append(m.windows, *w)
	return nil
}

func (m *memRepo) DeleteWindow(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.windows {
		if m.windows[i].ID == id {
			m.windows = append(m.windows[:i], m.windows[i+1:]...)
			return nil
		}
	}
	return models.ErrNotFound
}

func ptr(v int64) *int64 { return &v }

func newTestStore(t *testing.T) (*Store, *memRepo, *time.Location) {
	t.Helper()
	loc, err := timegrid.LoadLocation("America/Santiago")
	require.NoError(t, err)
	logger := zerolog.New(io.Discard)
	repo := newMemRepo()
	return NewStore(repo, timegrid.New(timegrid.Options{Location: loc}), &logger), repo, loc
}

func window(ds int64, room *int64, day models.Weekday, start, end models.TimeOfDay) *models.AvailabilityWindow {
	return &models.AvailabilityWindow{DoctorSpecialtyID: ds, RoomID: room, Weekday: day, Start: start, End: end}
}

func TestSaveValidatesInvariants(t *testing.T) {
	ctx := context.Background()
	c := models.Clock

	tests := []struct {
		name string
		w    *models.AvailabilityWindow
		ok   bool
	}{
		{"valid", window(10, ptr(5), models.Monday, c(9, 0), c(10, 0)), true},
		{"no room", window(10, nil, models.Monday, c(9, 0), c(10, 0)), true},
		{"ends at closing", window(10, ptr(5), models.Friday, c(19, 0), c(20, 0)), true},
		{"inverted", window(10, ptr(5), models.Monday, c(10, 0), c(9, 0)), false},
		{"off grid", window(10, ptr(5), models.Monday, c(9, 5), c(10, 0)), false},
		{"before opening", window(10, ptr(5), models.Monday, c(7, 0), c(9, 0)), false},
		{"bad weekday", window(10, ptr(5), models.Weekday(9), c(9, 0), c(10, 0)), false},
		{"room of another doctor", window(10, ptr(6), models.Monday, c(9, 0), c(10, 0)), false},
		{"unknown room", window(10, ptr(99), models.Monday, c(9, 0), c(10, 0)), false},
		{"unknown doctor specialty", window(99, nil, models.Monday, c(9, 0), c(10, 0)), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, _, _ := newTestStore(t)
			err := store.Save(ctx, tt.w)
			if tt.ok {
				require.NoError(t, err)
				assert.NotZero(t, tt.w.ID)
				assert.Equal(t, int64(1), tt.w.DoctorID)
				return
			}
			assert.ErrorIs(t, err, models.ErrInvalidWindow)
		})
	}
}

func TestSaveRejectsOverlapInSameRoom(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)
	c := models.Clock

	first := window(10, ptr(5), models.Monday, c(9, 0), c(10, 0))
	require.NoError(t, store.Save(ctx, first))

	// Another specialty of the same doctor in the same room.
	err := store.Save(ctx, window(11, ptr(5), models.Monday, c(9, 30), c(11, 0)))
	assert.ErrorIs(t, err, models.ErrInvalidWindow)

	// Touching endpoints do not overlap.
	assert.NoError(t, store.Save(ctx, window(11, ptr(5), models.Monday, c(10, 0), c(11, 0))))
	// Other weekday is independent.
	assert.NoError(t, store.Save(ctx, window(11, ptr(5), models.Tuesday, c(9, 0), c(10, 0))))

	// Editing a window does not clash with its own prior state.
	first.End = c(9, 45)
	assert.NoError(t, store.Save(ctx, first))
}

func TestOverlapping(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)
	c := models.Clock

	a := window(10, ptr(5), models.Monday, c(9, 0), c(10, 0))
	b := window(10, ptr(5), models.Monday, c(11, 0), c(12, 0))
	require.NoError(t, store.Save(ctx, a))
	require.NoError(t, store.Save(ctx, b))

	got, err := store.Overlapping(ctx, 10, models.Monday, models.ClockSpan{Start: c(9, 45), End: c(11, 15)}, 0)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = store.Overlapping(ctx, 10, models.Monday, models.ClockSpan{Start: c(9, 45), End: c(11, 15)}, a.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, b.ID, got[0].ID)

	got, err = store.Overlapping(ctx, 10, models.Monday, models.ClockSpan{Start: c(10, 0), End: c(11, 0)}, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestResolveWindowFor(t *testing.T) {
	ctx := context.Background()
	store, _, loc := newTestStore(t)
	c := models.Clock

	w := window(10, ptr(5), models.Monday, c(9, 0), c(10, 0))
	require.NoError(t, store.Save(ctx, w))

	monday := func(h, m int) time.Time { return time.Date(2025, 3, 3, h, m, 0, 0, loc) }

	got, err := store.ResolveWindowFor(ctx, 10, monday(9, 45))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, w.ID, got.ID)

	got, err = store.ResolveWindowFor(ctx, 10, monday(10, 0))
	require.NoError(t, err)
	assert.Nil(t, got, "end is exclusive")

	got, err = store.ResolveWindowFor(ctx, 11, monday(9, 0))
	require.NoError(t, err)
	assert.Nil(t, got, "other specialty has no window")

	// Projection into the clinic zone: 12:15 UTC is 09:15 in Santiago.
	got, err = store.ResolveWindowFor(ctx, 10, time.Date(2025, 3, 3, 12, 15, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NotNil(t, got)

	got, err = store.ResolveWindowForDoctor(ctx, 1, monday(9, 15))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, w.ID, got.ID)
}

func TestResolveWindowForPicksEarliestOnCorruptData(t *testing.T) {
	ctx := context.Background()
	store, repo, loc := newTestStore(t)
	c := models.Clock

	// Windows without a room are not overlap-checked, so two can cover the same time.
	first := window(10, nil, models.Monday, c(9, 0), c(11, 0))
	second := window(10, nil, models.Monday, c(9, 30), c(10, 0))
	require.NoError(t, store.Save(ctx, first))
	require.NoError(t, store.Save(ctx, second))

	// Reverse storage order so the pick depends on creation time.
	repo.windows[0], repo.windows[1] = repo.windows[1], repo.windows[0]

	got, err := store.ResolveWindowFor(ctx, 10, time.Date(2025, 3, 3, 9, 30, 0, 0, loc))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.ID, got.ID)
}

func TestForDayAndDelete(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)
	c := models.Clock

	late := window(10, ptr(5), models.Monday, c(15, 0), c(16, 0))
	early := window(10, ptr(5), models.Monday, c(9, 0), c(10, 0))
	require.NoError(t, store.Save(ctx, late))
	require.NoError(t, store.Save(ctx, early))

	got, err := store.ForDay(ctx, 10, models.Monday)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, early.ID, got[0].ID)

	require.NoError(t, store.Delete(ctx, early.ID))
	got, err = store.ForDay(ctx, 10, models.Monday)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	assert.ErrorIs(t, store.Delete(ctx, early.ID), models.ErrNotFound)
}
