package notify

import (
	"context"
	"fmt"
	"time"

	"citas/internal/events"
	"citas/internal/models"
)

// Directory resolves the names a notification needs.
type Directory interface {
	GetUser(ctx context.Context, id int64) (*models.User, error)
	GetDoctor(ctx context.Context, id int64) (*models.Doctor, error)
	GetDoctorSpecialty(ctx context.Context, id int64) (*models.DoctorSpecialty, error)
}

// Enqueuer is satisfied by *Dispatcher.
type Enqueuer interface {
	Notify(n Notification) bool
}

var templateByEvent = map[string]string{
	events.AppointmentBooked:      TemplateBooked,
	events.AppointmentConfirmed:   TemplateConfirmed,
	events.AppointmentCancelled:   TemplateCancelled,
	events.AppointmentRescheduled: TemplateRescheduled,
}

// Subscribe turns appointment events on bus into patient notifications.
func Subscribe(bus *events.EventBus, q Enqueuer, dir Directory) {
	for eventType, tmpl := range templateByEvent {
		tmpl := tmpl
		bus.Subscribe(eventType, func(e events.Event) error {
			var p events.AppointmentPayload
			if err := e.Decode(&p); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			n, err := buildNotification(ctx, dir, &p, tmpl)
			if err != nil {
				return err
			}
			if !q.Notify(*n) {
				return fmt.Errorf("notification for appointment %d not queued", p.Appointment.ID)
			}
			return nil
		})
	}
}

func buildNotification(ctx context.Context, dir Directory, p *events.AppointmentPayload, tmpl string) (*Notification, error) {
	a := p.Appointment
	user, err := dir.GetUser(ctx, a.UserID)
	if err != nil {
		return nil, fmt.Errorf("load user %d: %w", a.UserID, err)
	}
	doctor, err := dir.GetDoctor(ctx, a.DoctorID)
	if err != nil {
		return nil, fmt.Errorf("load doctor %d: %w", a.DoctorID, err)
	}

	data := Data{
		PatientName: user.Name,
		DoctorName:  doctor.Name,
		Room:        p.RoomName,
		Instant:     a.Instant,
		Status:      string(a.Status),
	}
	if a.DoctorSpecialtyID != nil {
		if ds, err := dir.GetDoctorSpecialty(ctx, *a.DoctorSpecialtyID); err == nil {
			data.Specialty = ds.SpecialtyName
		}
	}
	id := a.ID
	return &Notification{
		Recipient:     RecipientFromUser(user),
		AppointmentID: &id,
		Template:      tmpl,
		Data:          data,
	}, nil
}
