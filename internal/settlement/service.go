package settlement

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ContestLedger/internal/contest"
	"ContestLedger/internal/observability"
)

// Service runs settlements as their own unit of work. It is never invoked
// inside the lifecycle controller's transaction: the controller releases its
// lock, calls Execute, then reacquires the lock and re-checks status before
// applying the transition.
type Service struct {
	engine  *Engine
	store   *Store
	source  ResultsSource
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewService(store *Store, source ResultsSource, metrics *observability.Metrics) *Service {
	return &Service{
		engine:  NewEngine(),
		store:   store,
		source:  source,
		metrics: metrics,
		log:     observability.NewLogger("settlement"),
	}
}

// Ready is the read-only readiness predicate. No side effects.
func (s *Service) Ready(ctx context.Context, contestID uuid.UUID) (bool, string, error) {
	snap, err := s.source.Snapshot(ctx, contestID)
	if err != nil {
		return false, "", err
	}
	ok, reason := s.engine.Ready(snap)
	return ok, reason, nil
}

// Execute computes and persists the settlement for one contest. Safe to
// retry: a replay recomputes the identical outcome and converges on the
// existing record.
func (s *Service) Execute(ctx context.Context, inst *contest.Instance) (*contest.SettlementRecord, error) {
	start := time.Now()

	snap, err := s.source.Snapshot(ctx, inst.ID)
	if err != nil {
		s.metrics.SettlementsExecuted.WithLabelValues("failed").Inc()
		return nil, err
	}

	out, err := s.engine.Compute(inst.ID, inst.Config, snap)
	if err != nil {
		s.metrics.SettlementsExecuted.WithLabelValues("failed").Inc()
		return nil, err
	}

	rec, created, err := s.store.Create(ctx, out)
	if err != nil {
		s.metrics.SettlementsExecuted.WithLabelValues("failed").Inc()
		return nil, err
	}

	outcome := "replayed"
	if created {
		outcome = "created"
	}
	s.metrics.SettlementsExecuted.WithLabelValues(outcome).Inc()
	s.metrics.SettlementDuration.Observe(time.Since(start).Seconds())

	s.log.Info().
		Str("contest_id", inst.ID.String()).
		Str("settlement_id", rec.ID.String()).
		Str("results_hash", rec.ResultsHash).
		Int("participants", rec.ParticipantCount).
		Int64("total_pool_cents", rec.TotalPoolCents).
		Bool("created", created).
		Msg("settlement executed")

	return rec, nil
}

// Store exposes the underlying store for verification reads.
func (s *Service) Store() *Store {
	return s.store
}
