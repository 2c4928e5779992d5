package notifications

import (
	"errors"
	"time"

	"github.com/bissquit/salon-notify/internal/domain"
	"github.com/google/uuid"
)

const maxBackoffExponent = 20

// RetryBackoff returns the delay before the k-th retry: 2^k minutes.
func RetryBackoff(k int) time.Duration {
	if k < 0 {
		k = 0
	}
	if k > maxBackoffExponent {
		k = maxBackoffExponent
	}
	return time.Duration(1<<k) * time.Minute
}

// PullableStatuses are the states a worker may claim from.
var PullableStatuses = []domain.NotificationStatus{
	domain.StatusPending,
	domain.StatusQueued,
	domain.StatusRetrying,
}

// QueueDepthStatuses are counted as queue depth by the health view.
var QueueDepthStatuses = []domain.NotificationStatus{
	domain.StatusPending,
	domain.StatusQueued,
}

// ReleasedStatus is where a stale claim goes back to.
func ReleasedStatus(entry *domain.QueueEntry) domain.NotificationStatus {
	if entry.RetryCount > 0 {
		return domain.StatusRetrying
	}
	return domain.StatusQueued
}

// planOutcome applies the retry state machine to one attempt result.
//
// Success moves the entry to SENT, or DELIVERED when the provider confirmed
// delivery. A rejected recipient or missing handler fails the entry without
// consuming a retry. Any other failure counts as an attempt: while retries
// remain and the error is retryable the entry goes to RETRYING with a 2^k
// minute backoff, otherwise it fails for good.
func planOutcome(entry *domain.QueueEntry, workerID string, receipt *SendReceipt, sendErr error, now time.Time) AttemptOutcome {
	entryID := entry.ID
	out := AttemptOutcome{
		EntryID:    entryID,
		WorkerID:   workerID,
		RetryCount: entry.RetryCount,
		At:         now,
		Log: domain.LogEntry{
			ID:            uuid.NewString(),
			QueueID:       &entryID,
			UserID:        entry.UserID,
			Channel:       entry.Channel,
			EventType:     entry.EventType,
			Subject:       entry.Subject,
			CorrelationID: entry.CorrelationID,
			DeliveredAt:   now,
		},
	}

	if sendErr == nil {
		out.Status = domain.StatusSent
		if receipt != nil {
			if receipt.Delivered {
				out.Status = domain.StatusDelivered
			}
			out.ExternalID = receipt.ExternalID
			out.Log.ExternalID = receipt.ExternalID
			out.Log.ProviderResponse = receipt.ProviderResponse
		}
		out.Log.Status = out.Status
		return out
	}

	out.Status = domain.StatusFailed
	out.LastError = sendErr.Error()
	out.Log.Status = domain.StatusFailed
	out.Log.ErrorMessage = sendErr.Error()
	out.Log.ErrorCode = errorCode(sendErr)

	if isTerminalRecipientError(sendErr) {
		return out
	}

	next := entry.RetryCount + 1
	if isRetryable(sendErr) && next < entry.MaxRetries {
		retryAt := now.Add(RetryBackoff(next))
		out.Status = domain.StatusRetrying
		out.RetryCount = next
		out.NextRetryAt = &retryAt
		return out
	}

	out.RetryCount = min(next, max(entry.MaxRetries, entry.RetryCount))
	return out
}

func isTerminalRecipientError(err error) bool {
	return errors.Is(err, ErrInvalidRecipient) || errors.Is(err, ErrNoHandler)
}
