package saga

import (
	"context"
	"time"

	"github.com/leakytokens/tokend/pkg/async"
	"github.com/leakytokens/tokend/pkg/observability"
)

// SweeperConfig tunes the stalled-saga recovery sweep.
type SweeperConfig struct {
	// StallAfter is how long a saga may sit untouched in a non-terminal
	// state before the sweep picks it up.
	StallAfter time.Duration
	BatchSize  int
	// Workers bounds concurrent resumes. Sagas for different tenants are
	// independent; the compare-and-swap transition keeps a concurrent
	// caller retry safe.
	Workers int
	// MaxCompensationAttempts mirrors the orchestrator setting so parked
	// compensations are left for the operator.
	MaxCompensationAttempts int
	// ResumeTimeout bounds a single saga resume.
	ResumeTimeout time.Duration
}

// DefaultSweeperConfig returns the stock sweep settings.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		StallAfter:              2 * time.Minute,
		BatchSize:               50,
		Workers:                 4,
		MaxCompensationAttempts: 5,
		ResumeTimeout:           30 * time.Second,
	}
}

// Sweeper resumes sagas that stalled mid-flight, typically after a crash
// or a payment provider outage. Run it on a schedule.
type Sweeper struct {
	sagas        Store
	orchestrator *Orchestrator
	config       SweeperConfig
	logger       *observability.Logger
	metrics      *observability.Metrics
}

// NewSweeper creates a recovery sweeper.
func NewSweeper(sagas Store, orchestrator *Orchestrator, config SweeperConfig, logger *observability.Logger, metrics *observability.Metrics) *Sweeper {
	if config.StallAfter <= 0 {
		config.StallAfter = 2 * time.Minute
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.MaxCompensationAttempts <= 0 {
		config.MaxCompensationAttempts = 5
	}
	if config.ResumeTimeout <= 0 {
		config.ResumeTimeout = 30 * time.Second
	}
	return &Sweeper{
		sagas:        sagas,
		orchestrator: orchestrator,
		config:       config,
		logger:       logger,
		metrics:      metrics,
	}
}

// Sweep resumes one batch of stalled sagas and returns how many it
// picked up.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.config.StallAfter)
	stalled, err := s.sagas.Stalled(ctx, cutoff, s.config.MaxCompensationAttempts, s.config.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(stalled) == 0 {
		return 0, nil
	}

	s.logger.WithField("count", len(stalled)).Info("resuming stalled sagas")

	errs := async.Batch(ctx, stalled, s.config.Workers, "saga recovery", s.config.ResumeTimeout,
		func(ctx context.Context, sg *Saga) error {
			if s.metrics != nil {
				s.metrics.SagasRecoveredTotal.Inc()
			}
			_, err := s.orchestrator.Resume(ctx, sg.ID)
			return err
		})
	for _, err := range errs {
		// Resume errors are expected while an outage persists; the next
		// sweep tries again.
		s.logger.WithError(err).Warn("saga resume incomplete")
	}
	return len(stalled), nil
}
