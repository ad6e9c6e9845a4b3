// Package reminders sends the pre-appointment reminder scheduled with every
// booking. Each reminder is claimed in the store before it is queued, so it
// goes out at most once even with several instances polling.
package reminders

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"citas/internal/metrics"
	"citas/internal/models"
	"citas/internal/notify"
	"citas/internal/repository"
)

// Config holds configuration for the reminder service.
type Config struct {
	// CheckInterval is how often due reminders are polled. Default: 1 minute.
	CheckInterval time.Duration
	// BatchSize caps reminders handled per check. Default: 100.
	BatchSize int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{CheckInterval: time.Minute, BatchSize: 100}
}

// Service polls due reminders and hands them to the notification queue.
type Service struct {
	config  Config
	store   repository.ReminderStore
	queue   notify.Enqueuer
	logger  *zerolog.Logger
	now     func() time.Time
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewService creates a new reminder service.
func NewService(cfg Config, store repository.ReminderStore, queue notify.Enqueuer, logger *zerolog.Logger) *Service {
	def := DefaultConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	l := logger.With().Str("component", "reminders").Logger()
	return &Service{
		config: cfg,
		store:  store,
		queue:  queue,
		logger: &l,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// Start begins the reminder check loop.
func (s *Service) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop()

	s.logger.Info().Dur("check_interval", s.config.CheckInterval).Msg("Reminder service started")
}

// Stop gracefully stops the reminder service.
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
	s.logger.Info().Msg("Reminder service stopped")
}

func (s *Service) loop() {
	defer s.wg.Done()

	s.CheckNow()

	ticker := time.NewTicker(s.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.CheckNow()
		}
	}
}

// CheckNow sends every reminder due at this moment and returns how many were
// queued.
func (s *Service) CheckNow() int {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	now := s.now()
	due, err := s.store.DueReminders(ctx, now, s.config.BatchSize)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to load due reminders")
		return 0
	}
	if len(due) == 0 {
		return 0
	}
	s.logger.Debug().Int("count", len(due)).Msg("Found due reminders")

	queued := 0
	for i := range due {
		if s.send(ctx, &due[i], now) {
			queued++
		}
	}
	return queued
}

func (s *Service) send(ctx context.Context, r *models.DueReminder, now time.Time) bool {
	log := s.logger.With().Int64("reminder_id", r.ID).Int64("appointment_id", r.AppointmentID).Logger()

	claimed, err := s.store.MarkReminderSent(ctx, r.ID, now)
	if err != nil {
		log.Error().Err(err).Msg("Failed to claim reminder")
		metrics.IncReminder("error")
		return false
	}
	if !claimed {
		metrics.IncReminder("skipped")
		return false
	}

	apptID := r.AppointmentID
	n := notify.Notification{
		Recipient:     notify.RecipientFromUser(&r.User),
		AppointmentID: &apptID,
		Template:      notify.TemplateReminder,
		Data: notify.Data{
			PatientName: r.User.Name,
			DoctorName:  r.DoctorName,
			Instant:     r.Appointment.Instant,
			Status:      string(r.Appointment.Status),
		},
	}
	if !s.queue.Notify(n) {
		log.Warn().Msg("Reminder claimed but not queued")
		metrics.IncReminder("dropped")
		return false
	}

	log.Info().Int64("user_id", r.User.ID).Time("starts_at", r.Appointment.Instant).Msg("Reminder queued")
	metrics.IncReminder("sent")
	return true
}
