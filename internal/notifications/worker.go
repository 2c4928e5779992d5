package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/bissquit/salon-notify/internal/domain"
	"github.com/bissquit/salon-notify/internal/pkg/ctxlog"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// WorkerConfig contains worker configuration.
type WorkerConfig struct {
	BatchSize    int
	PollInterval time.Duration
	Concurrency  int
	SendTimeout  time.Duration
	ClaimLease   time.Duration
}

// DefaultWorkerConfig returns default worker configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BatchSize:    100,
		PollInterval: 5 * time.Second,
		Concurrency:  10,
		SendTimeout:  30 * time.Second,
		ClaimLease:   5 * time.Minute,
	}
}

// BatchReport counts the outcomes of one worker pass.
type BatchReport struct {
	Claimed   int `json:"claimed"`
	Sent      int `json:"sent"`
	Retrying  int `json:"retrying"`
	Failed    int `json:"failed"`
	Discarded int `json:"discarded"`
}

func (r *BatchReport) add(status domain.NotificationStatus, applied bool) {
	if !applied {
		r.Discarded++
		return
	}
	switch status {
	case domain.StatusSent, domain.StatusDelivered:
		r.Sent++
	case domain.StatusRetrying:
		r.Retrying++
	case domain.StatusFailed:
		r.Failed++
	}
}

// Worker claims due queue entries and delivers them through the channel
// handlers. Several workers may poll the same store; claims keep them from
// delivering an entry twice.
type Worker struct {
	id         string
	config     WorkerConfig
	queue      QueueStore
	handlers   *HandlerRegistry
	recipients *RecipientResolver
	clock      Clock

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewWorker creates a new notification worker.
func NewWorker(config WorkerConfig, queue QueueStore, handlers *HandlerRegistry, recipients *RecipientResolver, clock Clock) *Worker {
	defaults := DefaultWorkerConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = defaults.SendTimeout
	}
	if config.ClaimLease <= 0 {
		config.ClaimLease = defaults.ClaimLease
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		id:         workerID(),
		config:     config,
		queue:      queue,
		handlers:   handlers,
		recipients: recipients,
		clock:      clock,
		ctx:        ctx,
		cancel:     cancel,
		stopCh:     make(chan struct{}),
	}
}

func workerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

// ID returns the owner id written into claims.
func (w *Worker) ID() string {
	return w.id
}

// Start launches the polling loop.
func (w *Worker) Start(ctx context.Context) {
	slog.Info("starting notification worker",
		"worker_id", w.id,
		"concurrency", w.config.Concurrency,
		"batch_size", w.config.BatchSize,
		"poll_interval", w.config.PollInterval,
		"send_timeout", w.config.SendTimeout,
	)

	w.wg.Add(1)
	go w.run(ctx)
}

// Stop stops polling and waits for in-flight deliveries.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()

	close(w.stopCh)
	w.wg.Wait()
	w.cancel()
	slog.Info("notification worker stopped", "worker_id", w.id)
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.RecoverStuck(ctx)
			if _, err := w.ProcessOnce(ctx); err != nil {
				slog.Error("failed to process notification batch", "worker_id", w.id, "error", err)
			}
		}
	}
}

// Submit delivers the given entries in the background, without waiting for
// the next poll. Entries another worker already claimed are skipped.
func (w *Worker) Submit(ids []string) <-chan BatchReport {
	done := make(chan BatchReport, 1)

	w.mu.Lock()
	if w.stopped || len(ids) == 0 {
		w.mu.Unlock()
		done <- BatchReport{}
		close(done)
		return done
	}
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		defer close(done)

		entries, err := w.queue.ClaimByIDs(w.ctx, w.id, ids, w.clock.Now())
		if err != nil {
			slog.Error("failed to claim submitted notifications", "worker_id", w.id, "count", len(ids), "error", err)
			done <- BatchReport{}
			return
		}
		done <- w.process(w.ctx, entries)
	}()

	return done
}

// ProcessOnce claims one batch of due entries and delivers it.
func (w *Worker) ProcessOnce(ctx context.Context) (BatchReport, error) {
	entries, err := w.queue.ClaimReady(ctx, w.id, w.clock.Now(), w.config.BatchSize)
	if err != nil {
		return BatchReport{}, fmt.Errorf("claim ready notifications: %w", err)
	}
	if len(entries) == 0 {
		return BatchReport{}, nil
	}

	slog.Debug("processing notifications", "worker_id", w.id, "count", len(entries))
	return w.process(ctx, entries), nil
}

func (w *Worker) process(ctx context.Context, entries []*domain.QueueEntry) BatchReport {
	report := BatchReport{Claimed: len(entries)}
	if len(entries) == 0 {
		return report
	}
	recordClaimed(len(entries))

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(w.config.Concurrency)

	for _, entry := range entries {
		g.Go(func() error {
			status, applied := w.processEntry(ctx, entry)
			mu.Lock()
			report.add(status, applied)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return report
}

// processEntry runs one attempt and records its outcome. Nothing here may
// stop the rest of the batch.
func (w *Worker) processEntry(ctx context.Context, entry *domain.QueueEntry) (domain.NotificationStatus, bool) {
	ctx, logger := ctxlog.With(ctx, "worker_id", w.id, "entry_id", entry.ID, "channel", entry.Channel)

	start := time.Now()
	receipt, sendErr := w.attempt(ctx, entry)
	duration := time.Since(start)

	outcome := planOutcome(entry, w.id, receipt, sendErr, w.clock.Now())

	// The outcome is written even when the worker is shutting down.
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	applied, err := w.queue.CompleteAttempt(storeCtx, outcome)
	if err != nil {
		logger.Error("failed to record delivery attempt", "error", err)
		return outcome.Status, false
	}

	recordAttempt(entry.Channel, outcome.Status, duration)

	if !applied {
		recordDiscarded(entry.Channel)
		logger.Warn("delivery outcome discarded, entry no longer owned", "outcome", outcome.Status)
		return outcome.Status, false
	}

	switch outcome.Status {
	case domain.StatusRetrying:
		logger.Warn("send failed, retry scheduled",
			"retry_count", outcome.RetryCount,
			"next_retry_at", outcome.NextRetryAt,
			"error", sendErr,
		)
	case domain.StatusFailed:
		logger.Warn("send failed",
			"retry_count", outcome.RetryCount,
			"error_code", outcome.Log.ErrorCode,
			"error", sendErr,
		)
	default:
		logger.Debug("notification sent",
			"external_id", outcome.ExternalID,
			"duration", duration,
		)
	}
	return outcome.Status, true
}

func (w *Worker) attempt(ctx context.Context, entry *domain.QueueEntry) (receipt *SendReceipt, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("delivery panicked: %v", r)
		}
	}()

	handler, err := w.handlers.Get(entry.Channel)
	if err != nil {
		return nil, err
	}

	address, err := w.recipients.Resolve(ctx, entry.UserID, entry.Channel)
	if err != nil {
		return nil, err
	}
	if !handler.ValidateRecipient(address) {
		return nil, fmt.Errorf("%w: %s address rejected", ErrInvalidRecipient, entry.Channel)
	}

	return w.send(ctx, handler, Message{
		EntryID:       entry.ID,
		To:            address,
		Subject:       entry.Subject,
		Body:          entry.Body,
		CorrelationID: entry.CorrelationID,
		UserID:        entry.UserID,
		EventType:     entry.EventType,
		Context:       entry.ContextData,
	})
}

type sendResult struct {
	receipt *SendReceipt
	err     error
}

// send calls the handler under a hard timeout. A handler that ignores its
// context is abandoned and the attempt counts as a failure.
func (w *Worker) send(ctx context.Context, handler ChannelHandler, msg Message) (*SendReceipt, error) {
	sendCtx, cancel := context.WithTimeout(ctx, w.config.SendTimeout)
	defer cancel()

	done := make(chan sendResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- sendResult{err: fmt.Errorf("channel handler panicked: %v", r)}
			}
		}()
		receipt, err := handler.Send(sendCtx, msg)
		done <- sendResult{receipt: receipt, err: err}
	}()

	select {
	case res := <-done:
		return res.receipt, res.err
	case <-sendCtx.Done():
		if ctx.Err() != nil {
			return nil, fmt.Errorf("send interrupted: %w", ctx.Err())
		}
		return nil, fmt.Errorf("%w after %s", ErrSendTimeout, w.config.SendTimeout)
	}
}

// RecoverStuck releases claims older than the configured lease.
func (w *Worker) RecoverStuck(ctx context.Context) {
	released, err := w.queue.RecoverStuckProcessing(ctx, w.clock.Now().Add(-w.config.ClaimLease))
	if err != nil {
		slog.Error("failed to release stale claims", "worker_id", w.id, "error", err)
		return
	}
	if released > 0 {
		slog.Warn("released stale claims", "worker_id", w.id, "count", released)
	}
}
