// Package notify delivers patient notifications outside the booking
// transaction. Delivery is fire-and-forget: failures are logged and recorded
// in the notification log, never returned to the booking caller.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"text/template"
	"time"

	"citas/internal/models"
)

const (
	TemplateBooked      = "appointment_booked"
	TemplateConfirmed   = "appointment_confirmed"
	TemplateCancelled   = "appointment_cancelled"
	TemplateRescheduled = "appointment_rescheduled"
	TemplateReminder    = "appointment_reminder"
	TemplateReport      = "monthly_report"
)

// Recipient is who a notification goes to.
type Recipient struct {
	UserID         int64
	Name           string
	Email          string
	Phone          string
	TelegramChatID int64
}

func RecipientFromUser(u *models.User) Recipient {
	return Recipient{UserID: u.ID, Name: u.Name, Email: u.Email, Phone: u.Phone, TelegramChatID: u.TelegramChatID}
}

// Attachment is an optional file sent with the message.
type Attachment struct {
	Filename string
	Data     []byte
}

// Data feeds the message templates.
type Data struct {
	PatientName string
	DoctorName  string
	Specialty   string
	Room        string
	Instant     time.Time
	Status      string
	Caption     string
}

type Notification struct {
	ID            string
	Recipient     Recipient
	AppointmentID *int64
	Template      string
	Data          Data
	// Message is rendered from Template when empty.
	Message    string
	Attachment *Attachment
}

// Sink is a delivery transport.
type Sink interface {
	Channel() models.NotificationChannel
	// Accepts reports whether the sink can reach r.
	Accepts(r Recipient) bool
	Send(ctx context.Context, n *Notification) error
}

// SendError classifies a transport failure.
type SendError struct {
	Code       int
	Message    string
	RetryAfter time.Duration
	Permanent  bool
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send error %d: %s", e.Code, e.Message)
}

// AsSendError unwraps a *SendError from err.
func AsSendError(err error) (*SendError, bool) {
	var se *SendError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

var templates = template.Must(template.New("").Funcs(template.FuncMap{
	"when": func(t time.Time) string { return t.Format("02/01/2006 15:04") },
}).Parse(`
{{define "appointment_booked"}}Hola {{.PatientName}}, recibimos tu solicitud de hora con {{.DoctorName}}{{if .Specialty}} ({{.Specialty}}){{end}} para el {{when .Instant}}{{if .Room}} en {{.Room}}{{end}}. Queda pendiente de confirmación.{{end}}
{{define "appointment_confirmed"}}Hola {{.PatientName}}, tu hora con {{.DoctorName}} el {{when .Instant}}{{if .Room}} en {{.Room}}{{end}} está confirmada.{{end}}
{{define "appointment_cancelled"}}Hola {{.PatientName}}, tu hora con {{.DoctorName}} del {{when .Instant}} fue cancelada.{{end}}
{{define "appointment_rescheduled"}}Hola {{.PatientName}}, tu hora con {{.DoctorName}} fue reagendada para el {{when .Instant}}{{if .Room}} en {{.Room}}{{end}}.{{end}}
{{define "appointment_reminder"}}Recordatorio: {{.PatientName}}, tienes hora con {{.DoctorName}} el {{when .Instant}}{{if .Room}} en {{.Room}}{{end}}.{{end}}
{{define "monthly_report"}}{{.Caption}}{{end}}
`))

// Render executes the notification's template, projecting the instant into loc.
func Render(n *Notification, loc *time.Location) (string, error) {
	data := n.Data
	if loc != nil && !data.Instant.IsZero() {
		data.Instant = data.Instant.In(loc)
	}
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, n.Template, data); err != nil {
		return "", fmt.Errorf("render %s: %w", n.Template, err)
	}
	return buf.String(), nil
}
