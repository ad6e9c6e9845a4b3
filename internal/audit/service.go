// Package audit builds the monthly appointment workbook, sends it to admin
// users and then prunes old terminal appointments.
package audit

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"citas/internal/database"
	"citas/internal/models"
	"citas/internal/notify"
)

const (
	RoleAdmin = "admin"

	appointmentsSheet = "citas"
)

var appointmentColumns = []string{
	"id", "fecha", "hora", "paciente", "rut", "médico", "especialidad", "box", "estado", "prioridad", "notas",
}

// Config holds configuration for the audit service.
type Config struct {
	// RetentionDays is how long cancelled and rescheduled appointments are
	// kept. Default: 365.
	RetentionDays int
	ExportOnStart bool
	// Location is the clinic zone months and times are read in.
	Location *time.Location
}

// TableExporter copies whole tables.
type TableExporter interface {
	GetTableNames(ctx context.Context) ([]string, error)
	GetTableData(ctx context.Context, tableName string) ([]map[string]any, []string, error)
}

// ReportSource lists the appointments of a period.
type ReportSource interface {
	AppointmentsBetween(ctx context.Context, from, to time.Time, loc *time.Location) ([]database.AppointmentReportRow, error)
}

// Cleaner prunes terminal appointments.
type Cleaner interface {
	DeleteAppointmentsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Recipients resolves who receives the report.
type Recipients interface {
	ListUsersByRole(ctx context.Context, role string) ([]models.User, error)
}

// Store is everything the service reads and prunes; *database.DB satisfies it.
type Store interface {
	TableExporter
	ReportSource
	Cleaner
	Recipients
}

// Report is one built workbook.
type Report struct {
	Filename     string
	Month        time.Time
	Appointments int
	Data         []byte
}

// Service handles monthly audit exports and data cleanup.
type Service struct {
	config   Config
	store    Store
	workbook func() Workbook
	queue    notify.Enqueuer
	logger   *zerolog.Logger
	now      func() time.Time
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

// NewService creates a new audit service. queue may be nil, in which case
// reports are built and logged but not sent.
func NewService(cfg Config, store Store, queue notify.Enqueuer, logger *zerolog.Logger) *Service {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 365
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	l := logger.With().Str("component", "audit").Logger()
	return &Service{
		config:   cfg,
		store:    store,
		workbook: NewExcelizeWorkbook,
		queue:    queue,
		logger:   &l,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the monthly scheduler.
func (s *Service) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	if s.config.ExportOnStart {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.RunExportAndCleanup()
		}()
	}

	s.wg.Add(1)
	go s.loop()

	s.logger.Info().Int("retention_days", s.config.RetentionDays).Msg("Audit service started")
}

// Stop gracefully stops the audit service.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info().Msg("Audit service stopped")
}

func (s *Service) loop() {
	defer s.wg.Done()

	next := s.nextFirstOfMonth()
	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()
	s.logger.Info().Time("at", next).Msg("Next audit scheduled")

	for {
		select {
		case <-s.stopCh:
			return
		case <-timer.C:
			s.RunExportAndCleanup()

			next = s.nextFirstOfMonth()
			timer.Reset(time.Until(next))
			s.logger.Info().Time("at", next).Msg("Next audit scheduled")
		}
	}
}

// nextFirstOfMonth is 00:01 on the first day of next month, clinic time.
func (s *Service) nextFirstOfMonth() time.Time {
	now := s.now().In(s.config.Location)
	return time.Date(now.Year(), now.Month()+1, 1, 0, 1, 0, 0, s.config.Location)
}

// previousMonth is the first instant of the month before now, clinic time.
func (s *Service) previousMonth() time.Time {
	now := s.now().In(s.config.Location)
	return time.Date(now.Year(), now.Month()-1, 1, 0, 0, 0, 0, s.config.Location)
}

// RunExportAndCleanup exports the previous month, sends it and prunes.
// Cleanup runs only after a successful export.
func (s *Service) RunExportAndCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	report, err := s.Export(ctx, s.previousMonth())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to export audit data")
		return
	}
	s.send(ctx, report)

	if _, err := s.Cleanup(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Failed to cleanup old data")
	}
}

// ExportNow builds and sends the previous month's report.
func (s *Service) ExportNow(ctx context.Context) (*Report, error) {
	report, err := s.Export(ctx, s.previousMonth())
	if err != nil {
		return nil, err
	}
	s.send(ctx, report)
	return report, nil
}

// Export builds the workbook for the clinic month containing month: an
// appointments sheet followed by one sheet per audited table.
func (s *Service) Export(ctx context.Context, month time.Time) (*Report, error) {
	loc := s.config.Location
	m := month.In(loc)
	from := time.Date(m.Year(), m.Month(), 1, 0, 0, 0, 0, loc)
	to := from.AddDate(0, 1, 0)

	rows, err := s.store.AppointmentsBetween(ctx, from, to, loc)
	if err != nil {
		return nil, fmt.Errorf("load appointments: %w", err)
	}

	wb := s.workbook()
	defer wb.Close()

	if err := wb.AddSheet(appointmentsSheet); err != nil {
		return nil, err
	}
	if err := wb.WriteHeader(appointmentColumns); err != nil {
		return nil, err
	}
	for _, r := range rows {
		local := r.Instant.In(loc)
		if err := wb.WriteRow([]any{
			r.ID, local.Format("2006-01-02"), local.Format("15:04"), r.Patient, r.Rut,
			r.Doctor, r.Specialty, r.Room, r.Status, r.Priority, r.Notes,
		}); err != nil {
			return nil, fmt.Errorf("write appointment %d: %w", r.ID, err)
		}
	}

	tables, err := s.store.GetTableNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("get table names: %w", err)
	}
	for _, table := range tables {
		if err := s.exportTable(ctx, wb, table); err != nil {
			s.logger.Error().Err(err).Str("table", table).Msg("Failed to export table")
		}
	}

	var buf bytes.Buffer
	if err := wb.Save(&buf); err != nil {
		return nil, fmt.Errorf("save workbook: %w", err)
	}

	report := &Report{
		Filename:     fmt.Sprintf("citas_%s.xlsx", from.Format("2006-01")),
		Month:        from,
		Appointments: len(rows),
		Data:         buf.Bytes(),
	}
	s.logger.Info().Str("filename", report.Filename).Int("appointments", len(rows)).Int("bytes", buf.Len()).Msg("Audit report built")
	return report, nil
}

func (s *Service) exportTable(ctx context.Context, wb Workbook, table string) error {
	data, columns, err := s.store.GetTableData(ctx, table)
	if err != nil {
		return err
	}
	if err := wb.AddSheet(table); err != nil {
		return err
	}
	if err := wb.WriteHeader(columns); err != nil {
		return err
	}
	for _, row := range data {
		values := make([]any, len(columns))
		for i, col := range columns {
			values[i] = row[col]
		}
		if err := wb.WriteRow(values); err != nil {
			return err
		}
	}
	s.logger.Debug().Str("table", table).Int("rows", len(data)).Msg("Exported table")
	return nil
}

func (s *Service) send(ctx context.Context, report *Report) {
	if s.queue == nil {
		return
	}
	admins, err := s.store.ListUsersByRole(ctx, RoleAdmin)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to load report recipients")
		return
	}
	if len(admins) == 0 {
		s.logger.Warn().Str("filename", report.Filename).Msg("No admin users to receive the audit report")
		return
	}

	caption := fmt.Sprintf("Reporte mensual de citas %s (%d citas)", report.Month.Format("01/2006"), report.Appointments)
	for i := range admins {
		ok := s.queue.Notify(notify.Notification{
			Recipient:  notify.RecipientFromUser(&admins[i]),
			Template:   notify.TemplateReport,
			Data:       notify.Data{Caption: caption},
			Attachment: &notify.Attachment{Filename: report.Filename, Data: report.Data},
		})
		if !ok {
			s.logger.Warn().Int64("user_id", admins[i].ID).Msg("Audit report not queued")
		}
	}
}

// Cleanup deletes cancelled and rescheduled appointments older than the
// retention period.
func (s *Service) Cleanup(ctx context.Context) (int64, error) {
	cutoff := s.now().AddDate(0, 0, -s.config.RetentionDays)
	deleted, err := s.store.DeleteAppointmentsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old appointments: %w", err)
	}
	s.logger.Info().Int64("deleted", deleted).Int("retention_days", s.config.RetentionDays).Msg("Cleaned up old appointments")
	return deleted, nil
}
