package notifications

import (
	"time"

	"github.com/bissquit/salon-notify/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "salonnotify"

var (
	notificationsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "enqueued_total",
			Help:      "Total queue entries created",
		},
		[]string{"channel"},
	)

	notificationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "attempts_total",
			Help:      "Total delivery attempts by outcome",
		},
		[]string{"channel", "outcome"},
	)

	notificationSendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "send_duration_seconds",
			Help:      "Time spent in a channel provider per attempt",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"channel"},
	)

	notificationQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "queue_depth",
			Help:      "Number of queue entries by status",
		},
		[]string{"status"},
	)

	notificationsClaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "claimed_total",
			Help:      "Total entries claimed by workers. Sum of attempts_total should match this.",
		},
	)

	notificationsDiscarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "discarded_total",
			Help:      "Attempt outcomes dropped because the entry was cancelled or reclaimed mid-flight",
		},
		[]string{"channel"},
	)

	notificationsPurged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "purged_total",
			Help:      "Rows removed by the retention reaper",
		},
		[]string{"kind"},
	)
)

func recordEnqueued(channel domain.Channel) {
	notificationsEnqueued.WithLabelValues(string(channel)).Inc()
}

func recordAttempt(channel domain.Channel, outcome domain.NotificationStatus, duration time.Duration) {
	notificationAttempts.WithLabelValues(string(channel), string(outcome)).Inc()
	notificationSendDuration.WithLabelValues(string(channel)).Observe(duration.Seconds())
}

func recordClaimed(count int) {
	notificationsClaimed.Add(float64(count))
}

func recordDiscarded(channel domain.Channel) {
	notificationsDiscarded.WithLabelValues(string(channel)).Inc()
}

func recordPurged(entries, logs int64) {
	notificationsPurged.WithLabelValues("queue_entries").Add(float64(entries))
	notificationsPurged.WithLabelValues("log_entries").Add(float64(logs))
}

// RecordQueueStats updates queue depth gauges.
func RecordQueueStats(counts map[domain.NotificationStatus]int64) {
	for _, status := range []domain.NotificationStatus{
		domain.StatusPending,
		domain.StatusQueued,
		domain.StatusProcessing,
		domain.StatusRetrying,
	} {
		notificationQueueDepth.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
