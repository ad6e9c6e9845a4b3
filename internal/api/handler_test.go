package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"citas/internal/booking"
	"citas/internal/models"
	"citas/internal/slots"
)

type MockBookingService struct {
	mock.Mock
}

func (m *MockBookingService) Book(ctx context.Context, req booking.BookRequest) (*models.Appointment, error) {
	args := m.Called(ctx, req)
	if a := args.Get(0); a != nil {
		return a.(*models.Appointment), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockBookingService) Get(ctx context.Context, id int64) (*models.Appointment, error) {
	args := m.Called(ctx, id)
	if a := args.Get(0); a != nil {
		return a.(*models.Appointment), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockBookingService) Update(ctx context.Context, id int64, p booking.Patch) (*models.Appointment, error) {
	args := m.Called(ctx, id, p)
	if a := args.Get(0); a != nil {
		return a.(*models.Appointment), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockBookingService) Reschedule(ctx context.Context, id int64, newInstant time.Time) (*models.Appointment, error) {
	args := m.Called(ctx, id, newInstant)
	if a := args.Get(0); a != nil {
		return a.(*models.Appointment), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockBookingService) QuerySlots(ctx context.Context, doctorID, doctorSpecialtyID int64, date time.Time) ([]slots.Slot, error) {
	args := m.Called(ctx, doctorID, doctorSpecialtyID, date)
	if s := args.Get(0); s != nil {
		return s.([]slots.Slot), args.Error(1)
	}
	return nil, args.Error(1)
}

type MockHistory struct {
	mock.Mock
}

func (m *MockHistory) ListUserAppointments(ctx context.Context, userID int64) ([]models.Appointment, error) {
	args := m.Called(ctx, userID)
	if a := args.Get(0); a != nil {
		return a.([]models.Appointment), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockHistory) ListNotifications(ctx context.Context, userID int64, limit int) ([]models.NotificationRecord, error) {
	args := m.Called(ctx, userID, limit)
	if a := args.Get(0); a != nil {
		return a.([]models.NotificationRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func newTestServer(t *testing.T, svc BookingService, loc *time.Location) http.Handler {
	t.Helper()
	logger := zerolog.Nop()
	return NewServer(NewHandler(svc, nil, loc), ServerOptions{}, &logger)
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestCreateAppointment(t *testing.T) {
	svc := new(MockBookingService)
	h := newTestServer(t, svc, time.UTC)

	instant := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	ds := int64(10)
	svc.On("Book", mock.Anything, booking.BookRequest{
		UserID: 1, DoctorID: 1, DoctorSpecialtyID: &ds, Instant: instant, Priority: models.PriorityNormal,
	}).Return(&models.Appointment{ID: 7, UserID: 1, DoctorID: 1, DoctorSpecialtyID: &ds, Instant: instant, Status: models.StatusPending}, nil)

	rec := do(h, http.MethodPost, "/api/v1/appointments",
		`{"user_id":1,"doctor_id":1,"doctor_specialty_id":10,"instant":"2025-03-03T09:00:00Z"}`)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	var got models.Appointment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, int64(7), got.ID)
	assert.Equal(t, models.StatusPending, got.Status)
	svc.AssertExpectations(t)
}

func TestCreateAppointmentValidation(t *testing.T) {
	svc := new(MockBookingService)
	h := newTestServer(t, svc, time.UTC)

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"malformed json", `{"user_id":`, "body"},
		{"missing doctor", `{"user_id":1,"instant":"2025-03-03T09:00:00Z"}`, "user_id"},
		{"missing instant", `{"user_id":1,"doctor_id":1}`, "instant"},
		{"unknown priority", `{"user_id":1,"doctor_id":1,"instant":"2025-03-03T09:00:00Z","priority":"vip"}`, "priority"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(h, http.MethodPost, "/api/v1/appointments", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			resp := decodeError(t, rec)
			assert.Equal(t, "invalid_request", resp.Code)
			assert.Equal(t, tt.field, resp.Field)
		})
	}
	svc.AssertNotCalled(t, "Book", mock.Anything, mock.Anything)
}

func TestRejectionStatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"grid", models.Reject(models.ErrGridViolation, "instant", "09:10 is not on the grid"), http.StatusBadRequest, "grid_violation"},
		{"hours", models.Reject(models.ErrBusinessHoursViolation, "instant", "closed"), http.StatusBadRequest, "business_hours_violation"},
		{"exact", models.Reject(models.ErrExactConflict, "instant", "taken"), http.StatusConflict, "exact_conflict"},
		{"room", models.Reject(models.ErrRoomConflict, "instant", "Box A busy"), http.StatusConflict, "room_conflict"},
		{"no window", models.Reject(models.ErrNoAvailabilityConfigured, "instant", "none"), http.StatusUnprocessableEntity, "no_availability_configured"},
		{"combination", models.Reject(models.ErrInvalidCombination, "doctor_specialty_id", "mismatch"), http.StatusUnprocessableEntity, "invalid_combination"},
		{"not found", models.Reject(models.ErrNotFound, "user_id", "user 9"), http.StatusNotFound, "not_found"},
		{"transient", models.Reject(models.ErrTransient, "", "busy"), http.StatusServiceUnavailable, "transient"},
		{"unknown", errors.New("disk on fire"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockBookingService)
			svc.On("Book", mock.Anything, mock.Anything).Return(nil, tt.err)
			h := newTestServer(t, svc, time.UTC)

			rec := do(h, http.MethodPost, "/api/v1/appointments",
				`{"user_id":1,"doctor_id":1,"instant":"2025-03-03T09:00:00Z"}`)

			assert.Equal(t, tt.status, rec.Code)
			resp := decodeError(t, rec)
			assert.Equal(t, tt.code, resp.Code)
			if tt.status == http.StatusInternalServerError {
				assert.NotContains(t, resp.Message, "disk")
			}
			if tt.status == http.StatusServiceUnavailable {
				assert.Equal(t, "1", rec.Header().Get("Retry-After"))
			}
		})
	}
}

func TestGetAppointment(t *testing.T) {
	svc := new(MockBookingService)
	h := newTestServer(t, svc, time.UTC)

	svc.On("Get", mock.Anything, int64(3)).Return(&models.Appointment{ID: 3, Status: models.StatusConfirmed}, nil)
	svc.On("Get", mock.Anything, int64(4)).Return(nil, models.Reject(models.ErrNotFound, "id", "appointment 4"))

	rec := do(h, http.MethodGet, "/api/v1/appointments/3", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(h, http.MethodGet, "/api/v1/appointments/4", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "id", decodeError(t, rec).Field)

	rec = do(h, http.MethodGet, "/api/v1/appointments/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateAppointment(t *testing.T) {
	svc := new(MockBookingService)
	h := newTestServer(t, svc, time.UTC)

	cancelled := models.StatusCancelled
	svc.On("Update", mock.Anything, int64(3), booking.Patch{Status: &cancelled}).
		Return(&models.Appointment{ID: 3, Status: cancelled}, nil)

	rec := do(h, http.MethodPatch, "/api/v1/appointments/3", `{"status":"cancelled"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	svc.AssertExpectations(t)

	rec = do(h, http.MethodPatch, "/api/v1/appointments/3", `{"status":"archived"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "status", decodeError(t, rec).Field)

	rec = do(h, http.MethodPatch, "/api/v1/appointments/3", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateAppointmentInvalidTransition(t *testing.T) {
	svc := new(MockBookingService)
	h := newTestServer(t, svc, time.UTC)

	svc.On("Update", mock.Anything, int64(3), mock.Anything).
		Return(nil, models.Reject(models.ErrInvalidTransition, "status", "cancelled -> confirmed"))

	rec := do(h, http.MethodPatch, "/api/v1/appointments/3", `{"status":"confirmed"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "invalid_transition", decodeError(t, rec).Code)
}

func TestRescheduleAppointment(t *testing.T) {
	svc := new(MockBookingService)
	h := newTestServer(t, svc, time.UTC)

	to := time.Date(2025, 3, 3, 9, 30, 0, 0, time.UTC)
	svc.On("Reschedule", mock.Anything, int64(3), to).
		Return(&models.Appointment{ID: 3, Instant: to, Status: models.StatusRescheduled}, nil)

	rec := do(h, http.MethodPost, "/api/v1/appointments/3/reschedule", `{"instant":"2025-03-03T09:30:00Z"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	svc.AssertExpectations(t)

	rec = do(h, http.MethodPost, "/api/v1/appointments/3/reschedule", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "instant", decodeError(t, rec).Field)
}

func TestListSlots(t *testing.T) {
	loc, err := time.LoadLocation("America/Santiago")
	require.NoError(t, err)

	svc := new(MockBookingService)
	h := newTestServer(t, svc, loc)

	date := time.Date(2025, 3, 3, 0, 0, 0, 0, loc)
	room := int64(5)
	start := time.Date(2025, 3, 3, 9, 30, 0, 0, loc).UTC()
	svc.On("QuerySlots", mock.Anything, int64(1), int64(10), date).Return([]slots.Slot{
		{Start: start, End: start.Add(30 * time.Minute), RoomID: &room, RoomName: "Box A"},
	}, nil)

	rec := do(h, http.MethodGet, "/api/v1/doctors/1/slots?doctor_specialty_id=10&date=2025-03-03", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp slotsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "2025-03-03", resp.Date)
	require.Len(t, resp.Slots, 1)
	assert.Equal(t, "09:30-10:00", resp.Slots[0].Label)
	assert.Equal(t, "Box A", resp.Slots[0].Room)
	assert.True(t, start.Equal(resp.Slots[0].Start))

	rec = do(h, http.MethodGet, "/api/v1/doctors/1/slots?doctor_specialty_id=10&date=03-03-2025", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "date", decodeError(t, rec).Field)

	rec = do(h, http.MethodGet, "/api/v1/doctors/1/slots?date=2025-03-03", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecoveryRendersInternalError(t *testing.T) {
	svc := new(MockBookingService)
	svc.On("Get", mock.Anything, int64(1)).Run(func(mock.Arguments) { panic("boom") })
	h := newTestServer(t, svc, time.UTC)

	rec := do(h, http.MethodGet, "/api/v1/appointments/1", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDIsPreserved(t *testing.T) {
	svc := new(MockBookingService)
	svc.On("Get", mock.Anything, int64(1)).Return(&models.Appointment{ID: 1}, nil)
	h := newTestServer(t, svc, time.UTC)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/appointments/1", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "req-1", rec.Header().Get(RequestIDHeader))
}

func TestRateLimit(t *testing.T) {
	svc := new(MockBookingService)
	svc.On("Get", mock.Anything, int64(1)).Return(&models.Appointment{ID: 1}, nil)
	logger := zerolog.Nop()
	h := NewServer(NewHandler(svc, nil, time.UTC), ServerOptions{RatePerSecond: 1, Burst: 1}, &logger)

	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/v1/appointments/1", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, do(h, http.MethodGet, "/api/v1/appointments/1", "").Code)
}

func TestUserHistory(t *testing.T) {
	history := new(MockHistory)
	logger := zerolog.Nop()
	h := NewServer(NewHandler(new(MockBookingService), history, time.UTC), ServerOptions{}, &logger)

	history.On("ListUserAppointments", mock.Anything, int64(1)).
		Return([]models.Appointment{{ID: 2}, {ID: 1}}, nil)
	history.On("ListUserAppointments", mock.Anything, int64(9)).Return(nil, nil)
	history.On("ListNotifications", mock.Anything, int64(1), 10).
		Return([]models.NotificationRecord{{ID: "n1", Status: models.NotificationSent}}, nil)

	rec := do(h, http.MethodGet, "/api/v1/users/1/appointments", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var appts []models.Appointment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &appts))
	assert.Len(t, appts, 2)

	rec = do(h, http.MethodGet, "/api/v1/users/9/appointments", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = do(h, http.MethodGet, "/api/v1/users/1/notifications?limit=10", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(h, http.MethodGet, "/api/v1/users/1/notifications?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	history.AssertExpectations(t)
}

func TestHistoryRoutesNeedHistory(t *testing.T) {
	h := newTestServer(t, new(MockBookingService), time.UTC)
	rec := do(h, http.MethodGet, "/api/v1/users/1/appointments", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
