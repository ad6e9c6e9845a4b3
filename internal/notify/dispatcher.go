package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"citas/internal/metrics"
	"citas/internal/models"
	"citas/internal/repository"
)

// Config holds configuration for the dispatcher.
type Config struct {
	Workers       int
	QueueSize     int
	RatePerSecond float64
	Burst         int
	MaxRetries    int
	RetryDelays   []time.Duration
	// SendTimeout bounds one notification including its retries.
	SendTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:       4,
		QueueSize:     256,
		RatePerSecond: 25,
		Burst:         5,
		MaxRetries:    3,
		RetryDelays:   []time.Duration{time.Second, 5 * time.Second, 30 * time.Second},
		SendTimeout:   2 * time.Minute,
	}
}

// Dispatcher queues notifications and delivers them on a bounded worker pool,
// rate limited across all workers.
type Dispatcher struct {
	cfg     Config
	sinks   []Sink
	log     repository.NotificationLog
	loc     *time.Location
	limiter *rate.Limiter
	queue   chan *Notification
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	logger  *zerolog.Logger
}

// NewDispatcher builds a dispatcher over sinks, tried in order. log may be nil.
func NewDispatcher(cfg Config, log repository.NotificationLog, loc *time.Location, logger *zerolog.Logger, sinks ...Sink) *Dispatcher {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = def.RatePerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if len(cfg.RetryDelays) == 0 {
		cfg.RetryDelays = def.RetryDelays
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if loc == nil {
		loc = time.UTC
	}

	l := logger.With().Str("component", "notify").Logger()
	return &Dispatcher{
		cfg:     cfg,
		sinks:   sinks,
		log:     log,
		loc:     loc,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		queue:   make(chan *Notification, cfg.QueueSize),
		stopCh:  make(chan struct{}),
		logger:  &l,
	}
}

// Start launches the workers.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.mu.Unlock()

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	d.logger.Info().Int("workers", d.cfg.Workers).Int("queue_size", d.cfg.QueueSize).Msg("Notification dispatcher started")
}

// Stop delivers what is already queued, then stops the workers.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.mu.Unlock()

	close(d.stopCh)
	d.wg.Wait()
	d.logger.Info().Msg("Notification dispatcher stopped")
}

// Notify enqueues n without blocking. It returns false when the queue is
// full or the dispatcher is stopped; the notification is then dropped.
func (d *Dispatcher) Notify(n Notification) bool {
	select {
	case <-d.stopCh:
		return false
	default:
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}

	select {
	case d.queue <- &n:
		metrics.SetNotificationQueue(len(d.queue))
		return true
	default:
		d.logger.Warn().
			Str("notification_id", n.ID).
			Str("template", n.Template).
			Int64("user_id", n.Recipient.UserID).
			Msg("Notification queue full, dropping")
		metrics.IncNotification("none", "dropped")
		return false
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case n := <-d.queue:
			d.deliver(n)
		case <-d.stopCh:
			for {
				select {
				case n := <-d.queue:
					d.deliver(n)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) sinkFor(r Recipient) Sink {
	for _, s := range d.sinks {
		if s.Accepts(r) {
			return s
		}
	}
	return nil
}

// deliver renders, records and sends one notification. Errors end here.
func (d *Dispatcher) deliver(n *Notification) {
	metrics.SetNotificationQueue(len(d.queue))
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SendTimeout)
	defer cancel()

	log := d.logger.With().Str("notification_id", n.ID).Str("template", n.Template).Int64("user_id", n.Recipient.UserID).Logger()

	if n.Message == "" {
		msg, err := Render(n, d.loc)
		if err != nil {
			log.Error().Err(err).Msg("Failed to render notification")
			return
		}
		n.Message = msg
	}

	sink := d.sinkFor(n.Recipient)
	if sink == nil {
		log.Warn().Msg("No sink accepts recipient, dropping notification")
		metrics.IncNotification("none", "dropped")
		return
	}

	recorded := d.record(ctx, n, sink.Channel(), &log)
	err := d.sendWithRetry(ctx, sink, n, &log)

	status, errMsg := models.NotificationSent, ""
	if err != nil {
		status, errMsg = models.NotificationFailed, err.Error()
		log.Error().Err(err).Str("channel", string(sink.Channel())).Msg("Notification delivery failed")
	} else {
		log.Debug().Str("channel", string(sink.Channel())).Msg("Notification delivered")
	}
	metrics.IncNotification(string(sink.Channel()), string(status))

	if recorded {
		if uerr := d.log.UpdateNotificationStatus(ctx, n.ID, status, errMsg, time.Now()); uerr != nil {
			log.Warn().Err(uerr).Msg("Failed to update notification log")
		}
	}
}

func (d *Dispatcher) record(ctx context.Context, n *Notification, channel models.NotificationChannel, log *zerolog.Logger) bool {
	if d.log == nil || n.Recipient.UserID == 0 {
		return false
	}
	rec := &models.NotificationRecord{
		ID:            n.ID,
		UserID:        n.Recipient.UserID,
		AppointmentID: n.AppointmentID,
		Channel:       channel,
		Template:      n.Template,
		Message:       n.Message,
		Status:        models.NotificationPending,
	}
	if err := d.log.RecordNotification(ctx, rec); err != nil {
		log.Warn().Err(err).Msg("Failed to record notification")
		return false
	}
	return true
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, sink Sink, n *Notification, log *zerolog.Logger) error {
	var lastErr error
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}

		err := sink.Send(ctx, n)
		if err == nil {
			return nil
		}
		lastErr = err

		wait := d.cfg.RetryDelays[min(attempt, len(d.cfg.RetryDelays)-1)]
		if se, ok := AsSendError(err); ok {
			if se.Permanent {
				return err
			}
			if se.RetryAfter > 0 {
				wait = se.RetryAfter
			}
		}
		if attempt == d.cfg.MaxRetries {
			break
		}

		log.Info().Err(err).Int("attempt", attempt+1).Dur("delay", wait).Msg("Retrying notification")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
