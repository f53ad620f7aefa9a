package outbox

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/leakytokens/tokend/pkg/observability"
)

// DispatcherConfig tunes the delivery loop.
type DispatcherConfig struct {
	Interval  time.Duration
	BatchSize int
	Retry     RetryConfig
}

// DefaultDispatcherConfig returns the stock dispatcher settings.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Interval:  2 * time.Second,
		BatchSize: 100,
		Retry:     DefaultRetryConfig(),
	}
}

// Dispatcher drains pending records to the publisher. Records are
// delivered in creation order within each tenant; a failing record blocks
// later records of the same tenant until it is sent or parked as failed.
type Dispatcher struct {
	store       Store
	publisher   Publisher
	retryPolicy *RetryPolicy
	config      DispatcherConfig
	logger      *observability.Logger
	metrics     *observability.Metrics
	stopCh      chan struct{}
	ticker      *time.Ticker
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(store Store, publisher Publisher, config DispatcherConfig, logger *observability.Logger, metrics *observability.Metrics) *Dispatcher {
	if config.Interval <= 0 {
		config.Interval = 2 * time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	return &Dispatcher{
		store:       store,
		publisher:   publisher,
		retryPolicy: NewRetryPolicy(config.Retry),
		config:      config,
		logger:      logger,
		metrics:     metrics,
		stopCh:      make(chan struct{}),
	}
}

// Start runs the delivery loop until the context is cancelled or Stop is
// called.
func (d *Dispatcher) Start(ctx context.Context) {
	d.ticker = time.NewTicker(d.config.Interval)

	go func() {
		// Recover from panics to prevent crashing the process
		defer func() {
			if r := recover(); r != nil {
				d.logger.WithField("panic", r).Error("outbox dispatcher panicked\n" + string(debug.Stack()))
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case <-d.stopCh:
				return
			case <-d.ticker.C:
				d.ProcessBatch(ctx)
			}
		}
	}()
}

// Stop stops the delivery loop.
func (d *Dispatcher) Stop() {
	if d.ticker != nil {
		d.ticker.Stop()
	}
	close(d.stopCh)
}

// ProcessBatch delivers one batch of due records. Exported so tests and
// the admin surface can drain without waiting for the ticker.
func (d *Dispatcher) ProcessBatch(ctx context.Context) {
	now := time.Now()
	records, err := d.store.PendingBatch(ctx, now, d.config.BatchSize)
	if err != nil {
		d.logger.WithError(err).Error("failed to fetch pending outbox records")
		return
	}

	if d.metrics != nil {
		// Approximates the backlog; capped at the batch size.
		d.metrics.OutboxBacklog.Set(float64(len(records)))
	}

	// Tenants whose delivery failed in this batch; later records of the
	// same tenant are skipped to preserve order.
	stalled := make(map[string]bool)

	for _, rec := range records {
		if stalled[rec.TenantID] {
			continue
		}
		if err := d.deliver(ctx, rec); err != nil {
			stalled[rec.TenantID] = true
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, rec *Record) error {
	err := d.publisher.Publish(ctx, rec.Topic, rec.TenantID, rec.Payload)
	if err == nil {
		if markErr := d.store.MarkSent(ctx, rec.ID, time.Now()); markErr != nil {
			// The event went out but the mark did not; the next pass
			// redelivers and consumers dedupe on the idempotency key.
			d.logger.WithError(markErr).WithField("record_id", rec.ID).Error("failed to mark outbox record sent")
			return markErr
		}
		if d.metrics != nil {
			d.metrics.RecordOutboxDelivery(rec.Topic, "sent")
		}
		return nil
	}

	attempts := rec.Attempts + 1
	if d.retryPolicy.ShouldRetry(attempts) {
		next := d.retryPolicy.NextRetryTime(attempts, time.Now())
		if markErr := d.store.MarkRetry(ctx, rec.ID, attempts, next); markErr != nil {
			d.logger.WithError(markErr).WithField("record_id", rec.ID).Error("failed to schedule outbox retry")
		}
		if d.metrics != nil {
			d.metrics.RecordOutboxDelivery(rec.Topic, "retry")
		}
		d.logger.WithError(err).WithFields(map[string]interface{}{
			"record_id": rec.ID,
			"tenant_id": rec.TenantID,
			"topic":     rec.Topic,
			"attempts":  attempts,
		}).Warn("outbox delivery failed, will retry")
		return err
	}

	if markErr := d.store.MarkFailed(ctx, rec.ID, attempts); markErr != nil {
		d.logger.WithError(markErr).WithField("record_id", rec.ID).Error("failed to park outbox record")
	}
	if d.metrics != nil {
		d.metrics.RecordOutboxDelivery(rec.Topic, "failed")
	}
	d.logger.WithError(err).WithFields(map[string]interface{}{
		"record_id": rec.ID,
		"tenant_id": rec.TenantID,
		"topic":     rec.Topic,
		"attempts":  attempts,
	}).Error("outbox delivery exhausted retries, operator attention required")
	return err
}
