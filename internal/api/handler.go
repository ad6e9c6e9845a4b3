// Package api exposes the booking service over HTTP.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"citas/internal/booking"
	"citas/internal/models"
	"citas/internal/slots"
)

// BookingService is the part of *booking.Service the API drives.
type BookingService interface {
	Book(ctx context.Context, req booking.BookRequest) (*models.Appointment, error)
	Get(ctx context.Context, id int64) (*models.Appointment, error)
	Update(ctx context.Context, id int64, p booking.Patch) (*models.Appointment, error)
	Reschedule(ctx context.Context, id int64, newInstant time.Time) (*models.Appointment, error)
	QuerySlots(ctx context.Context, doctorID, doctorSpecialtyID int64, date time.Time) ([]slots.Slot, error)
}

// History lists what a patient has booked and been sent. *database.DB
// satisfies it.
type History interface {
	ListUserAppointments(ctx context.Context, userID int64) ([]models.Appointment, error)
	ListNotifications(ctx context.Context, userID int64, limit int) ([]models.NotificationRecord, error)
}

type Handler struct {
	svc     BookingService
	history History
	loc     *time.Location
}

// NewHandler serves svc; dates in queries are read in loc. history may be
// nil, which leaves the patient routes unregistered.
func NewHandler(svc BookingService, history History, loc *time.Location) *Handler {
	if loc == nil {
		loc = time.UTC
	}
	return &Handler{svc: svc, history: history, loc: loc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/appointments", h.CreateAppointment)
	api.GET("/appointments/:id", h.GetAppointment)
	api.PATCH("/appointments/:id", h.UpdateAppointment)
	api.POST("/appointments/:id/reschedule", h.RescheduleAppointment)
	api.GET("/doctors/:id/slots", h.ListSlots)
	if h.history != nil {
		api.GET("/users/:id/appointments", h.ListUserAppointments)
		api.GET("/users/:id/notifications", h.ListNotifications)
	}
}

type createRequest struct {
	UserID            int64     `json:"user_id"`
	DoctorID          int64     `json:"doctor_id"`
	DoctorSpecialtyID *int64    `json:"doctor_specialty_id"`
	Instant           time.Time `json:"instant"`
	Priority          string    `json:"priority"`
	Notes             string    `json:"notes"`
}

type patchRequest struct {
	Instant  *time.Time `json:"instant"`
	Status   *string    `json:"status"`
	Priority *string    `json:"priority"`
	Notes    *string    `json:"notes"`
}

type rescheduleRequest struct {
	Instant time.Time `json:"instant"`
}

type slotResponse struct {
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Label  string    `json:"label"`
	RoomID *int64    `json:"room_id,omitempty"`
	Room   string    `json:"room,omitempty"`
}

type slotsResponse struct {
	DoctorID          int64          `json:"doctor_id"`
	DoctorSpecialtyID int64          `json:"doctor_specialty_id"`
	Date              string         `json:"date"`
	Slots             []slotResponse `json:"slots"`
}

func (h *Handler) CreateAppointment(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("body", err.Error())
	}
	if req.UserID <= 0 || req.DoctorID <= 0 {
		return badRequest("user_id", "user_id and doctor_id are required")
	}
	if req.Instant.IsZero() {
		return badRequest("instant", "instant is required")
	}
	priority, err := models.ParsePriority(req.Priority)
	if err != nil {
		return badRequest("priority", err.Error())
	}

	appt, err := h.svc.Book(c.Request().Context(), booking.BookRequest{
		UserID:            req.UserID,
		DoctorID:          req.DoctorID,
		DoctorSpecialtyID: req.DoctorSpecialtyID,
		Instant:           req.Instant,
		Priority:          priority,
		Notes:             req.Notes,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, appt)
}

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	appt, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *Handler) UpdateAppointment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req patchRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("body", err.Error())
	}

	p := booking.Patch{Instant: req.Instant, Notes: req.Notes}
	if req.Status != nil {
		st, err := models.ParseStatus(*req.Status)
		if err != nil {
			return badRequest("status", err.Error())
		}
		p.Status = &st
	}
	if req.Priority != nil {
		pr, err := models.ParsePriority(*req.Priority)
		if err != nil {
			return badRequest("priority", err.Error())
		}
		p.Priority = &pr
	}
	if p.Instant == nil && p.Status == nil && p.Priority == nil && p.Notes == nil {
		return badRequest("body", "nothing to update")
	}

	appt, err := h.svc.Update(c.Request().Context(), id, p)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *Handler) RescheduleAppointment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req rescheduleRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("body", err.Error())
	}
	if req.Instant.IsZero() {
		return badRequest("instant", "instant is required")
	}

	appt, err := h.svc.Reschedule(c.Request().Context(), id, req.Instant)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *Handler) ListSlots(c echo.Context) error {
	doctorID, err := pathID(c)
	if err != nil {
		return err
	}
	dsID, err := strconv.ParseInt(c.QueryParam("doctor_specialty_id"), 10, 64)
	if err != nil || dsID <= 0 {
		return badRequest("doctor_specialty_id", "doctor_specialty_id must be a positive integer")
	}
	date, err := time.ParseInLocation("2006-01-02", c.QueryParam("date"), h.loc)
	if err != nil {
		return badRequest("date", "date must be YYYY-MM-DD")
	}

	free, err := h.svc.QuerySlots(c.Request().Context(), doctorID, dsID, date)
	if err != nil {
		return err
	}

	resp := slotsResponse{
		DoctorID:          doctorID,
		DoctorSpecialtyID: dsID,
		Date:              date.Format("2006-01-02"),
		Slots:             make([]slotResponse, len(free)),
	}
	infos := slots.ToSlotInfo(free, h.loc)
	for i, s := range free {
		resp.Slots[i] = slotResponse{
			Start:  s.Start.In(h.loc),
			End:    s.End.In(h.loc),
			Label:  infos[i].Start + "-" + infos[i].End,
			RoomID: s.RoomID,
			Room:   s.RoomName,
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) ListUserAppointments(c echo.Context) error {
	userID, err := pathID(c)
	if err != nil {
		return err
	}
	list, err := h.history.ListUserAppointments(c.Request().Context(), userID)
	if err != nil {
		return err
	}
	if list == nil {
		list = []models.Appointment{}
	}
	return c.JSON(http.StatusOK, list)
}

func (h *Handler) ListNotifications(c echo.Context) error {
	userID, err := pathID(c)
	if err != nil {
		return err
	}
	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit <= 0 || limit > 500 {
			return badRequest("limit", "limit must be between 1 and 500")
		}
	}
	list, err := h.history.ListNotifications(c.Request().Context(), userID, limit)
	if err != nil {
		return err
	}
	if list == nil {
		list = []models.NotificationRecord{}
	}
	return c.JSON(http.StatusOK, list)
}

func pathID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest("id", "invalid id")
	}
	return id, nil
}
