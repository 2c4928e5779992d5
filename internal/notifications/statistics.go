package notifications

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/bissquit/salon-notify/internal/domain"
)

// ChannelStatistics aggregates attempts for one channel.
type ChannelStatistics struct {
	Total       int64   `json:"total"`
	Successful  int64   `json:"successful"`
	SuccessRate float64 `json:"success_rate"`
}

// Statistics summarises the delivery log over a window.
type Statistics struct {
	Start             time.Time                             `json:"start"`
	End               time.Time                             `json:"end"`
	TotalSent         int64                                 `json:"total_sent"`
	ChannelStatistics map[domain.Channel]*ChannelStatistics `json:"channel_statistics"`
	EventDistribution map[domain.EventType]int64            `json:"event_distribution"`
}

// Health is the lightweight liveness view of the queue.
type Health struct {
	Status        string `json:"status"`
	QueueDepth    int64  `json:"queue_depth"`
	Delivered24h  int64  `json:"delivered_24h"`
	Processing    int64  `json:"processing"`
	AwaitingRetry int64  `json:"awaiting_retry"`
}

// ComputeStatistics aggregates log rows. Cancellation records are not
// delivery attempts and are ignored. TotalSent counts every attempt.
func ComputeStatistics(logs []domain.LogEntry, start, end time.Time) *Statistics {
	stats := &Statistics{
		Start:             start,
		End:               end,
		ChannelStatistics: make(map[domain.Channel]*ChannelStatistics),
		EventDistribution: make(map[domain.EventType]int64),
	}

	for _, l := range logs {
		if l.Status == domain.StatusCancelled {
			continue
		}
		stats.TotalSent++

		cs, ok := stats.ChannelStatistics[l.Channel]
		if !ok {
			cs = &ChannelStatistics{}
			stats.ChannelStatistics[l.Channel] = cs
		}
		cs.Total++
		if l.Status.IsSuccess() {
			cs.Successful++
		}

		if l.EventType != "" {
			stats.EventDistribution[l.EventType]++
		}
	}

	for _, cs := range stats.ChannelStatistics {
		cs.SuccessRate = successRate(cs.Successful, cs.Total)
	}
	return stats
}

func successRate(successful, total int64) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(successful)/float64(total)*10000) / 100
}

// StatisticsReader is the subset of QueueStore the statistics need.
type StatisticsReader interface {
	ListLogs(ctx context.Context, filter LogFilter) ([]domain.LogEntry, error)
	CountByStatus(ctx context.Context) (map[domain.NotificationStatus]int64, error)
	CountDeliveredSince(ctx context.Context, since time.Time) (int64, error)
}

// GetStatistics scans the log in [start, end).
func GetStatistics(ctx context.Context, store StatisticsReader, start, end time.Time) (*Statistics, error) {
	if !end.After(start) {
		return nil, NewValidationError("end", "must be after start")
	}
	logs, err := store.ListLogs(ctx, LogFilter{Start: start, End: end})
	if err != nil {
		return nil, fmt.Errorf("list delivery log: %w", err)
	}
	return ComputeStatistics(logs, start, end), nil
}

// GetHealth reports queue depth and successful deliveries in the last 24h.
func GetHealth(ctx context.Context, store StatisticsReader, now time.Time) (*Health, error) {
	counts, err := store.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count queue entries: %w", err)
	}
	delivered, err := store.CountDeliveredSince(ctx, now.Add(-24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("count deliveries: %w", err)
	}

	RecordQueueStats(counts)

	var depth int64
	for _, s := range QueueDepthStatuses {
		depth += counts[s]
	}
	return &Health{
		Status:        "ok",
		QueueDepth:    depth,
		Delivered24h:  delivered,
		Processing:    counts[domain.StatusProcessing],
		AwaitingRetry: counts[domain.StatusRetrying],
	}, nil
}
