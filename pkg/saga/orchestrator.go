package saga

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leakytokens/tokend/pkg/ledger"
	"github.com/leakytokens/tokend/pkg/observability"
	"github.com/leakytokens/tokend/pkg/outbox"
	"github.com/leakytokens/tokend/pkg/payment"
	"github.com/leakytokens/tokend/pkg/quota"
)

// PurchaseRequest starts a purchase saga.
type PurchaseRequest struct {
	TenantID       string
	Tokens         int64
	AmountCents    int64
	IdempotencyKey string
}

// Config tunes the orchestrator.
type Config struct {
	// Enabled gates the saga surface. When false StartPurchase refuses.
	Enabled bool
	// MaxCreditAttempts bounds retries of the ledger credit after a
	// confirmed payment before the saga compensates.
	MaxCreditAttempts int
	CreditRetryDelay  time.Duration
	// MaxCompensationAttempts bounds refund retries before the saga is
	// parked in COMPENSATING for an operator.
	MaxCompensationAttempts int
}

// DefaultConfig returns the stock orchestrator settings.
func DefaultConfig() Config {
	return Config{
		Enabled:                 true,
		MaxCreditAttempts:       3,
		CreditRetryDelay:        50 * time.Millisecond,
		MaxCompensationAttempts: 5,
	}
}

// ErrDisabled is returned when purchases are switched off.
var ErrDisabled = errors.New("token purchases are disabled")

// Orchestrator drives purchase sagas to a terminal state.
type Orchestrator struct {
	sagas    Store
	engine   *quota.Engine
	payments payment.Client
	events   outbox.Store
	config   Config
	logger   *observability.Logger
	metrics  *observability.Metrics

	mu sync.RWMutex
}

// NewOrchestrator creates a purchase orchestrator. events and metrics
// may be nil.
func NewOrchestrator(sagas Store, engine *quota.Engine, payments payment.Client, events outbox.Store, config Config, logger *observability.Logger, metrics *observability.Metrics) *Orchestrator {
	if config.MaxCreditAttempts <= 0 {
		config.MaxCreditAttempts = 3
	}
	if config.CreditRetryDelay <= 0 {
		config.CreditRetryDelay = 50 * time.Millisecond
	}
	if config.MaxCompensationAttempts <= 0 {
		config.MaxCompensationAttempts = 5
	}
	return &Orchestrator{
		sagas:    sagas,
		engine:   engine,
		payments: payments,
		events:   events,
		config:   config,
		logger:   logger,
		metrics:  metrics,
	}
}

// StartPurchase creates a saga and drives it as far as it will go.
// Re-initiating with a known idempotency key resumes the existing saga
// instead of charging again. A non-terminal result plus a nil error
// means the saga is parked and will be resumed by the sweeper.
func (o *Orchestrator) StartPurchase(ctx context.Context, req PurchaseRequest) (*Saga, error) {
	if !o.Enabled() {
		return nil, ErrDisabled
	}
	if req.Tokens <= 0 {
		return nil, fmt.Errorf("tokens must be positive, got %d", req.Tokens)
	}
	if req.AmountCents < 0 {
		return nil, fmt.Errorf("amount must not be negative, got %d", req.AmountCents)
	}
	if req.IdempotencyKey == "" {
		return nil, fmt.Errorf("idempotency key is required")
	}

	sg := &Saga{
		ID:             uuid.New().String(),
		TenantID:       req.TenantID,
		Tokens:         req.Tokens,
		AmountCents:    req.AmountCents,
		State:          StateInitiated,
		IdempotencyKey: req.IdempotencyKey,
	}
	err := o.sagas.Create(ctx, sg)
	if errors.Is(err, ErrDuplicateKey) {
		existing, ferr := o.sagas.FindByIdempotencyKey(ctx, req.TenantID, req.IdempotencyKey)
		if ferr != nil {
			return nil, fmt.Errorf("failed to load saga for replayed key: %w", ferr)
		}
		if existing.State.Terminal() {
			return existing, nil
		}
		return o.drive(ctx, existing)
	}
	if err != nil {
		return nil, err
	}

	return o.drive(ctx, sg)
}

// Enabled reports whether the purchase surface is on.
func (o *Orchestrator) Enabled() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.config.Enabled
}

// SetEnabled flips the purchase surface at runtime. In-flight sagas are
// unaffected; the recovery sweep still drives them to a terminal state.
func (o *Orchestrator) SetEnabled(enabled bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.config.Enabled = enabled
}

// Get returns the saga by ID.
func (o *Orchestrator) Get(ctx context.Context, id string) (*Saga, error) {
	return o.sagas.Get(ctx, id)
}

// Resume reloads a saga and drives it onward. Used by the recovery sweep
// and by caller retries.
func (o *Orchestrator) Resume(ctx context.Context, id string) (*Saga, error) {
	sg, err := o.sagas.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sg.State.Terminal() {
		return sg, nil
	}
	return o.drive(ctx, sg)
}

// drive advances the saga step by step until it parks or terminates.
// Each step is individually resumable; an unknown-outcome external call
// leaves the saga in its current state for a later resume.
func (o *Orchestrator) drive(ctx context.Context, sg *Saga) (*Saga, error) {
	for !sg.State.Terminal() {
		var err error
		switch sg.State {
		case StateInitiated:
			err = o.transition(ctx, sg, StatePaymentPending)
		case StatePaymentPending:
			err = o.stepCharge(ctx, sg)
		case StatePaymentConfirmed:
			err = o.stepCredit(ctx, sg)
		case StateCreditFailed:
			err = o.transition(ctx, sg, StateCompensating)
		case StateCompensating:
			err = o.stepRefund(ctx, sg)
		default:
			return sg, fmt.Errorf("saga %s in unknown state %q", sg.ID, sg.State)
		}
		if errors.Is(err, ErrStaleTransition) {
			// Another driver won the race; report its progress.
			return o.sagas.Get(ctx, sg.ID)
		}
		if err != nil {
			return sg, err
		}
	}
	return sg, nil
}

// stepCharge issues the charge, keyed by the saga ID so a resumed saga
// re-asks for the same charge instead of creating a second one.
func (o *Orchestrator) stepCharge(ctx context.Context, sg *Saga) error {
	result, err := o.payments.Charge(ctx, payment.ChargeRequest{
		IdempotencyKey: sg.ID,
		TenantID:       sg.TenantID,
		AmountCents:    sg.AmountCents,
		Description:    fmt.Sprintf("purchase of %d tokens", sg.Tokens),
	})
	if err != nil {
		// Unknown outcome: stay PAYMENT_PENDING for the sweeper.
		return fmt.Errorf("charge outcome unknown for saga %s: %w", sg.ID, err)
	}

	if result.Status == payment.StatusDeclined {
		sg.FailureReason = result.DeclineReason
		if err := o.transition(ctx, sg, StatePaymentFailed); err != nil {
			return err
		}
		o.stageEvent(ctx, sg)
		return nil
	}

	sg.ProviderRef = result.ProviderRef
	return o.transition(ctx, sg, StatePaymentConfirmed)
}

// stepCredit lands the purchased tokens on the ledger. The purchase
// event is staged inside the credit transaction. If the credit cannot
// land within the attempt budget the saga moves to CREDIT_FAILED and the
// refund branch takes over.
func (o *Orchestrator) stepCredit(ctx context.Context, sg *Saga) error {
	var lastErr error
	for attempt := 0; attempt < o.config.MaxCreditAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(o.config.CreditRetryDelay):
			}
		}
		_, lastErr = o.engine.Credit(ctx, sg.TenantID, sg.Tokens, creditKey(sg.ID), ledger.KindPurchaseCredit, sg.ID, o.creditStage(sg))
		if lastErr == nil {
			return o.transition(ctx, sg, StateCredited)
		}
	}

	o.logger.WithError(lastErr).WithFields(map[string]interface{}{
		"saga_id":   sg.ID,
		"tenant_id": sg.TenantID,
	}).Error("credit failed after confirmed payment, compensating")

	sg.FailureReason = fmt.Sprintf("credit failed: %v", lastErr)
	return o.transition(ctx, sg, StateCreditFailed)
}

// stepRefund reverses the purchase: claws back any credit that actually
// landed, then refunds the confirmed charge. Both are keyed by the saga
// ID, so retries cannot double-apply.
func (o *Orchestrator) stepRefund(ctx context.Context, sg *Saga) error {
	if err := o.reverseCredit(ctx, sg); err != nil {
		return o.compensationFailed(ctx, sg, err, fmt.Sprintf("credit reversal failed for saga %s", sg.ID))
	}

	err := o.payments.Refund(ctx, payment.RefundRequest{
		IdempotencyKey: sg.ID,
		TenantID:       sg.TenantID,
		AmountCents:    sg.AmountCents,
		ChargeRef:      sg.ProviderRef,
	})
	if err != nil {
		return o.compensationFailed(ctx, sg, err, fmt.Sprintf("refund outcome unknown for saga %s", sg.ID))
	}

	if err := o.transition(ctx, sg, StateCompensated); err != nil {
		return err
	}
	o.stageEvent(ctx, sg)
	return nil
}

// reverseCredit debits back a credit that committed before the saga fell
// into compensation. An unknown-outcome commit error can leave the tokens
// landed even though the saga records CREDIT_FAILED; without the reversal
// the tenant would keep both the tokens and the refund. If the tenant has
// already spent the tokens the reversal hits insufficient balance and the
// attempt budget parks the saga for an operator.
func (o *Orchestrator) reverseCredit(ctx context.Context, sg *Saga) error {
	entry, err := o.engine.FindEntry(ctx, sg.TenantID, creditKey(sg.ID))
	if err != nil {
		return err
	}
	if entry == nil {
		return nil
	}
	_, err = o.engine.Credit(ctx, sg.TenantID, sg.Tokens, compensateKey(sg.ID), ledger.KindPurchaseCompensate, sg.ID, nil)
	return err
}

// compensationFailed records one failed compensation attempt and parks
// the saga once the attempt budget is spent.
func (o *Orchestrator) compensationFailed(ctx context.Context, sg *Saga, cause error, msg string) error {
	sg.CompensationAttempts++
	if terr := o.persistState(ctx, sg); terr != nil {
		return terr
	}
	if sg.CompensationAttempts >= o.config.MaxCompensationAttempts {
		o.logger.WithError(cause).WithFields(map[string]interface{}{
			"saga_id":  sg.ID,
			"attempts": sg.CompensationAttempts,
		}).Error("compensation attempts exhausted, saga parked for operator")
		return fmt.Errorf("saga %s: %w", sg.ID, ErrCompensationFailed)
	}
	return fmt.Errorf("%s: %w", msg, cause)
}

// transition applies the state change and records it.
func (o *Orchestrator) transition(ctx context.Context, sg *Saga, to State) error {
	if err := o.sagas.Transition(ctx, sg, to); err != nil {
		return err
	}
	if o.metrics != nil {
		o.metrics.RecordSagaTransition(string(to))
	}
	o.logger.WithFields(map[string]interface{}{
		"saga_id":   sg.ID,
		"tenant_id": sg.TenantID,
		"state":     string(to),
	}).Info("saga transition")
	return nil
}

// persistState rewrites the saga's mutable fields without changing
// state.
func (o *Orchestrator) persistState(ctx context.Context, sg *Saga) error {
	return o.sagas.Transition(ctx, sg, sg.State)
}

// creditStage stages the CREDITED purchase event inside the ledger
// transaction that lands the tokens.
func (o *Orchestrator) creditStage(sg *Saga) ledger.StageFunc {
	if o.events == nil {
		return nil
	}
	return func(ctx context.Context, tx *sql.Tx, entry *ledger.Entry) error {
		rec, err := outbox.NewPurchaseRecord(outbox.PurchaseEvent{
			SagaID:         sg.ID,
			TenantID:       sg.TenantID,
			Tokens:         sg.Tokens,
			AmountCents:    sg.AmountCents,
			State:          string(StateCredited),
			IdempotencyKey: sg.IdempotencyKey,
			Timestamp:      time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		return o.events.StageTx(ctx, tx, rec)
	}
}

// stageEvent emits a purchase event for terminal states that carry no
// ledger transaction. Staging failures are logged, not fatal: the saga
// outcome is already durable.
func (o *Orchestrator) stageEvent(ctx context.Context, sg *Saga) {
	if o.events == nil {
		return
	}
	rec, err := outbox.NewPurchaseRecord(outbox.PurchaseEvent{
		SagaID:         sg.ID,
		TenantID:       sg.TenantID,
		Tokens:         sg.Tokens,
		AmountCents:    sg.AmountCents,
		State:          string(sg.State),
		IdempotencyKey: sg.IdempotencyKey,
		Timestamp:      time.Now().UTC(),
	})
	if err == nil {
		err = o.events.Stage(ctx, rec)
	}
	if err != nil {
		o.logger.WithError(err).WithField("saga_id", sg.ID).Error("failed to stage purchase event")
	}
}

func creditKey(sagaID string) string {
	return "credit-" + sagaID
}

func compensateKey(sagaID string) string {
	return "compensate-" + sagaID
}
