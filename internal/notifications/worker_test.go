package notifications

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bissquit/salon-notify/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryBackoff(t *testing.T) {
	tests := []struct {
		name     string
		retry    int
		expected time.Duration
	}{
		{"negative clamps to first", -1, 1 * time.Minute},
		{"zero", 0, 1 * time.Minute},
		{"first retry", 1, 2 * time.Minute},
		{"second retry", 2, 4 * time.Minute},
		{"third retry", 3, 8 * time.Minute},
		{"capped", 100, time.Duration(1<<maxBackoffExponent) * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, RetryBackoff(tt.retry))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "retryable error",
			err:      NewRetryableError(errors.New("temporary error")),
			expected: true,
		},
		{
			name:     "permanent error",
			err:      NewPermanentError(errors.New("permanent error")),
			expected: false,
		},
		{
			name:     "wrapped permanent error",
			err:      fmt.Errorf("send: %w", NewPermanentError(errors.New("rejected"))),
			expected: false,
		},
		{
			name:     "generic error defaults to retryable",
			err:      errors.New("unknown error"),
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, isRetryable(tt.err))
		})
	}
}

func TestProviderError(t *testing.T) {
	originalErr := errors.New("original error")

	t.Run("retryable error", func(t *testing.T) {
		err := NewRetryableError(originalErr)

		assert.Equal(t, "original error", err.Error())
		assert.True(t, err.IsRetryable())
		assert.Equal(t, originalErr, errors.Unwrap(err))
	})

	t.Run("permanent error", func(t *testing.T) {
		err := NewPermanentError(originalErr)

		assert.Equal(t, "original error", err.Error())
		assert.False(t, err.IsRetryable())
		assert.Equal(t, originalErr, errors.Unwrap(err))
	})
}

func TestValidationError(t *testing.T) {
	err := NewValidationError("channel", "unknown channel %q", "fax")

	assert.Equal(t, `channel: unknown channel "fax"`, err.Error())
	assert.ErrorIs(t, err, ErrValidation)
	assert.ErrorIs(t, fmt.Errorf("wrapped: %w", err), ErrValidation)
	assert.Equal(t, "bare", (&ValidationError{Message: "bare"}).Error())
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"provider code wins", &ProviderError{Err: errors.New("x"), Code: "twilio_21211"}, "twilio_21211"},
		{"invalid recipient", fmt.Errorf("%w: email address rejected", ErrInvalidRecipient), "invalid_recipient"},
		{"missing device", fmt.Errorf("%w: %w", ErrInvalidRecipient, ErrNoDeviceToken), "invalid_recipient"},
		{"timeout", fmt.Errorf("%w after 30s", ErrSendTimeout), "timeout"},
		{"no handler", fmt.Errorf("%w: sms", ErrNoHandler), "no_handler"},
		{"unknown is retryable", errors.New("boom"), "provider_error"},
		{"permanent without code", NewPermanentError(errors.New("no")), "provider_rejected"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, errorCode(tt.err))
		})
	}
}

func TestReleasedStatus(t *testing.T) {
	assert.Equal(t, domain.StatusQueued, ReleasedStatus(&domain.QueueEntry{RetryCount: 0}))
	assert.Equal(t, domain.StatusRetrying, ReleasedStatus(&domain.QueueEntry{RetryCount: 2}))
}

func TestPlanOutcome(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name          string
		retryCount    int
		maxRetries    int
		receipt       *SendReceipt
		err           error
		status        domain.NotificationStatus
		logStatus     domain.NotificationStatus // status when it differs from the entry's
		wantRetries   int
		wantNextRetry time.Duration
		wantCode      string
	}{
		{
			name:       "success",
			maxRetries: 3,
			receipt:    &SendReceipt{ExternalID: "SM123", ProviderResponse: `{"status":"queued"}`},
			status:     domain.StatusSent,
		},
		{
			name:       "synchronously delivered",
			maxRetries: 3,
			receipt:    &SendReceipt{ExternalID: "inbox-1", Delivered: true},
			status:     domain.StatusDelivered,
		},
		{
			name:          "first failure schedules retry",
			maxRetries:    3,
			err:           errors.New("connection reset"),
			status:        domain.StatusRetrying,
			logStatus:     domain.StatusFailed,
			wantRetries:   1,
			wantNextRetry: 2 * time.Minute,
			wantCode:      "provider_error",
		},
		{
			name:          "second failure doubles backoff",
			retryCount:    1,
			maxRetries:    3,
			err:           errors.New("connection reset"),
			status:        domain.StatusRetrying,
			logStatus:     domain.StatusFailed,
			wantRetries:   2,
			wantNextRetry: 4 * time.Minute,
			wantCode:      "provider_error",
		},
		{
			name:        "last attempt fails for good",
			retryCount:  2,
			maxRetries:  3,
			err:         errors.New("connection reset"),
			status:      domain.StatusFailed,
			wantRetries: 3,
			wantCode:    "provider_error",
		},
		{
			name:        "permanent error consumes the attempt",
			maxRetries:  3,
			err:         &ProviderError{Err: errors.New("unsubscribed"), Code: "twilio_21610"},
			status:      domain.StatusFailed,
			wantRetries: 1,
			wantCode:    "twilio_21610",
		},
		{
			name:       "invalid recipient does not consume a retry",
			maxRetries: 3,
			err:        fmt.Errorf("%w: email address rejected", ErrInvalidRecipient),
			status:     domain.StatusFailed,
			wantCode:   "invalid_recipient",
		},
		{
			name:        "missing handler does not consume a retry",
			retryCount:  1,
			maxRetries:  3,
			err:         fmt.Errorf("%w: whatsapp", ErrNoHandler),
			status:      domain.StatusFailed,
			wantRetries: 1,
			wantCode:    "no_handler",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := &domain.QueueEntry{
				ID:            "entry-1",
				UserID:        7,
				EventType:     domain.EventBookingReminder,
				Channel:       domain.ChannelSMS,
				Subject:       "Reminder",
				CorrelationID: "booking-42",
				RetryCount:    tt.retryCount,
				MaxRetries:    tt.maxRetries,
			}

			out := planOutcome(entry, "worker-a", tt.receipt, tt.err, now)

			assert.Equal(t, "entry-1", out.EntryID)
			assert.Equal(t, "worker-a", out.WorkerID)
			assert.Equal(t, tt.status, out.Status)
			wantLog := tt.status
			if tt.logStatus != "" {
				wantLog = tt.logStatus
			}
			assert.Equal(t, wantLog, out.Log.Status)
			assert.Equal(t, now, out.At)
			assert.Equal(t, now, out.Log.DeliveredAt)
			require.NotNil(t, out.Log.QueueID)
			assert.Equal(t, "entry-1", *out.Log.QueueID)
			assert.Equal(t, "booking-42", out.Log.CorrelationID)
			assert.NotEmpty(t, out.Log.ID)

			if tt.err == nil {
				assert.Equal(t, tt.retryCount, out.RetryCount)
				assert.Equal(t, tt.receipt.ExternalID, out.ExternalID)
				assert.Equal(t, tt.receipt.ExternalID, out.Log.ExternalID)
				assert.Empty(t, out.Log.ErrorCode)
				assert.Nil(t, out.NextRetryAt)
				return
			}

			assert.Equal(t, tt.wantRetries, out.RetryCount)
			assert.Equal(t, tt.wantCode, out.Log.ErrorCode)
			assert.Equal(t, tt.err.Error(), out.LastError)
			assert.Equal(t, tt.err.Error(), out.Log.ErrorMessage)
			if tt.wantNextRetry == 0 {
				assert.Nil(t, out.NextRetryAt)
			} else {
				require.NotNil(t, out.NextRetryAt)
				assert.Equal(t, now.Add(tt.wantNextRetry), *out.NextRetryAt)
			}
		})
	}
}

func TestBatchReport_Add(t *testing.T) {
	var r BatchReport
	r.add(domain.StatusSent, true)
	r.add(domain.StatusDelivered, true)
	r.add(domain.StatusRetrying, true)
	r.add(domain.StatusFailed, true)
	r.add(domain.StatusSent, false)

	assert.Equal(t, BatchReport{Sent: 2, Retrying: 1, Failed: 1, Discarded: 1}, r)
}

func TestDefaultWorkerConfig(t *testing.T) {
	config := DefaultWorkerConfig()

	assert.Equal(t, 100, config.BatchSize)
	assert.Equal(t, 5*time.Second, config.PollInterval)
	assert.Equal(t, 10, config.Concurrency)
	assert.Equal(t, 30*time.Second, config.SendTimeout)
	assert.Equal(t, 5*time.Minute, config.ClaimLease)
}

func TestNewWorker_AppliesDefaults(t *testing.T) {
	w := NewWorker(WorkerConfig{}, nil, NewHandlerRegistry(), nil, SystemClock{})

	assert.Equal(t, DefaultWorkerConfig(), w.config)
	assert.NotEmpty(t, w.ID())
}
