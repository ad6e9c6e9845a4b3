package models

import (
	"fmt"
	"slices"
	"time"
)

// Status is the lifecycle state of an appointment.
type Status string

const (
	StatusPending     Status = "pending"
	StatusConfirmed   Status = "confirmed"
	StatusCancelled   Status = "cancelled"
	StatusRescheduled Status = "rescheduled"
)

// transitions lists allowed moves. Cancelled and rescheduled are terminal.
var transitions = map[Status][]Status{
	StatusPending:     {StatusConfirmed, StatusCancelled, StatusRescheduled},
	StatusConfirmed:   {StatusCancelled, StatusRescheduled},
	StatusCancelled:   {},
	StatusRescheduled: {},
}

// ActiveStatuses are the statuses that occupy a doctor and a room.
var ActiveStatuses = []Status{StatusPending, StatusConfirmed}

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := transitions[st]; !ok {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// CanTransition checks if moving from one status to another is allowed.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

func (s Status) IsActive() bool   { return s == StatusPending || s == StatusConfirmed }
func (s Status) IsTerminal() bool { return len(transitions[s]) == 0 }

// AwaitsVisit reports whether the patient is still expected at the
// appointment's instant. A rescheduled record carries its new instant.
func (s Status) AwaitsVisit() bool { return s.IsActive() || s == StatusRescheduled }

type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityUrgent Priority = "urgent"
)

func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case "":
		return PriorityNormal, nil
	case PriorityNormal, PriorityUrgent:
		return Priority(s), nil
	}
	return "", fmt.Errorf("unknown priority %q", s)
}

// Appointment is a single patient booking at an exact instant.
type Appointment struct {
	ID                int64     `json:"id"`
	UserID            int64     `json:"user_id"`
	DoctorID          int64     `json:"doctor_id"`
	DoctorSpecialtyID *int64    `json:"doctor_specialty_id,omitempty"`
	Instant           time.Time `json:"instant"`
	Status            Status    `json:"status"`
	Priority          Priority  `json:"priority"`
	Notes             string    `json:"notes,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Occupied returns [Instant, Instant+30m).
func (a *Appointment) Occupied() Interval { return OccupiedFrom(a.Instant) }

func (a *Appointment) IsActive() bool { return a.Status.IsActive() }

// Clone returns a copy that does not share the specialty pointer.
func (a *Appointment) Clone() *Appointment {
	c := *a
	if a.DoctorSpecialtyID != nil {
		v := *a.DoctorSpecialtyID
		c.DoctorSpecialtyID = &v
	}
	return &c
}

// Reminder is scheduled with an appointment and sent at most once.
type Reminder struct {
	ID            int64      `json:"id"`
	AppointmentID int64      `json:"appointment_id"`
	ScheduledFor  time.Time  `json:"scheduled_for"`
	Sent          bool       `json:"sent"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
}

// DueReminder joins a reminder with what is needed to deliver it.
type DueReminder struct {
	Reminder
	Appointment Appointment
	User        User
	DoctorName  string
}

type NotificationChannel string

const (
	ChannelEmail    NotificationChannel = "email"
	ChannelSMS      NotificationChannel = "sms"
	ChannelTelegram NotificationChannel = "telegram"
	ChannelLog      NotificationChannel = "log"
)

type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
)

// NotificationRecord is the persisted log entry of a dispatched notification.
type NotificationRecord struct {
	ID            string              `json:"id"`
	UserID        int64               `json:"user_id"`
	AppointmentID *int64              `json:"appointment_id,omitempty"`
	Channel       NotificationChannel `json:"channel"`
	Template      string              `json:"template"`
	Message       string              `json:"message"`
	Status        NotificationStatus  `json:"status"`
	Error         string              `json:"error,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	SentAt        *time.Time          `json:"sent_at,omitempty"`
}
