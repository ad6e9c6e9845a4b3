package models

import (
	"errors"
	"fmt"
)

var (
	ErrGridViolation            = errors.New("instant is not on the 15-minute grid")
	ErrBusinessHoursViolation   = errors.New("instant is outside business hours")
	ErrExactConflict            = errors.New("doctor already has an appointment at this time")
	ErrRoomConflict             = errors.New("room is occupied at this time")
	ErrNoAvailabilityConfigured = errors.New("no availability window covers this time")
	ErrInvalidCombination       = errors.New("doctor does not practice this specialty")
	ErrNotFound                 = errors.New("not found")
	ErrTransient                = errors.New("temporary storage failure, retry")
	ErrInvalidTransition        = errors.New("status transition not allowed")
	ErrInvalidWindow            = errors.New("invalid availability window")
	ErrInvalidRequest           = errors.New("invalid request")
)

// Rejection is a caller-visible refusal. Reason is one of the sentinels above.
type Rejection struct {
	Reason  error  `json:"-"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// Reject builds a Rejection for field with a formatted message.
func Reject(reason error, field, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Field: field, Message: fmt.Sprintf(format, args...)}
}

func (r *Rejection) Error() string {
	if r.Field == "" {
		return fmt.Sprintf("%v: %s", r.Reason, r.Message)
	}
	return fmt.Sprintf("%s: %v: %s", r.Field, r.Reason, r.Message)
}

func (r *Rejection) Unwrap() error { return r.Reason }

// AsRejection extracts a Rejection from err, if any.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

var reasonCodes = []struct {
	err  error
	code string
}{
	{ErrGridViolation, "grid_violation"},
	{ErrBusinessHoursViolation, "business_hours_violation"},
	{ErrExactConflict, "exact_conflict"},
	{ErrRoomConflict, "room_conflict"},
	{ErrNoAvailabilityConfigured, "no_availability_configured"},
	{ErrInvalidCombination, "invalid_combination"},
	{ErrNotFound, "not_found"},
	{ErrTransient, "transient"},
	{ErrInvalidTransition, "invalid_transition"},
	{ErrInvalidWindow, "invalid_window"},
	{ErrInvalidRequest, "invalid_request"},
}

// Code is a stable snake_case label for err, "ok" for nil and "error" for
// anything outside the taxonomy.
func Code(err error) string {
	if err == nil {
		return "ok"
	}
	for _, rc := range reasonCodes {
		if errors.Is(err, rc.err) {
			return rc.code
		}
	}
	return "error"
}
