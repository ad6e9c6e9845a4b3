package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	bookingAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "citas",
			Name:      "booking_attempts_total",
			Help:      "Booking and update attempts by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	bookingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "citas",
			Name:      "booking_duration_seconds",
			Help:      "Time spent validating and committing a booking operation.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"operation"},
	)

	slotQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "citas",
			Name:      "slot_queries_total",
			Help:      "Slot queries by cache result.",
		},
		[]string{"cache"},
	)

	notificationsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "citas",
			Name:      "notifications_total",
			Help:      "Notifications by channel and status.",
		},
		[]string{"channel", "status"},
	)

	notificationQueue = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "citas",
			Name:      "notification_queue_size",
			Help:      "Notifications waiting for a worker.",
		},
	)

	remindersSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "citas",
			Name:      "reminders_sent_total",
			Help:      "Reminders processed by status.",
		},
		[]string{"status"},
	)
)

// Register registers metrics (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(bookingAttempts, bookingDuration, slotQueries,
			notificationsSent, notificationQueue, remindersSent)
	})
}

// ObserveBooking counts one booking operation and its duration.
func ObserveBooking(operation, outcome string, seconds float64) {
	bookingAttempts.WithLabelValues(operation, outcome).Inc()
	bookingDuration.WithLabelValues(operation).Observe(seconds)
}

func IncSlotQuery(cache string) {
	slotQueries.WithLabelValues(cache).Inc()
}

func IncNotification(channel, status string) {
	notificationsSent.WithLabelValues(channel, status).Inc()
}

func SetNotificationQueue(n int) {
	notificationQueue.Set(float64(n))
}

func IncReminder(status string) {
	remindersSent.WithLabelValues(status).Inc()
}
