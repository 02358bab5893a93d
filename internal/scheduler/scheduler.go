// Package scheduler runs the time-driven sweeps. Every sweep is a durable
// backstop: it re-derives work from table state, so a missed signal or a
// crashed in-flight operation is picked up on the next tick.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"ContestLedger/internal/contest"
	"ContestLedger/internal/lifecycle"
	"ContestLedger/internal/observability"
	"ContestLedger/internal/payout"
)

type Config struct {
	LockSpec       string
	StartSpec      string
	SettlementSpec string
	PayoutSpec     string
	BatchSize      int
}

// Scheduler owns the cron instance and the four sweeps.
type Scheduler struct {
	cron         *cron.Cron
	cfg          Config
	controller   *lifecycle.Controller
	store        *lifecycle.Store
	orchestrator *payout.Orchestrator
	metrics      *observability.Metrics
	log          zerolog.Logger
	now          func() time.Time
}

func New(cfg Config, controller *lifecycle.Controller, store *lifecycle.Store, orchestrator *payout.Orchestrator, metrics *observability.Metrics) *Scheduler {
	return &Scheduler{
		cron:         cron.New(cron.WithSeconds()),
		cfg:          cfg,
		controller:   controller,
		store:        store,
		orchestrator: orchestrator,
		metrics:      metrics,
		log:          observability.NewLogger("scheduler"),
		now:          time.Now,
	}
}

// Start registers the sweeps and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	sweeps := []struct {
		name string
		spec string
		run  func(context.Context)
	}{
		{"lock", s.cfg.LockSpec, s.lockSweep},
		{"start", s.cfg.StartSpec, s.startSweep},
		{"settlement", s.cfg.SettlementSpec, s.settlementSweep},
		{"payout", s.cfg.PayoutSpec, s.payoutSweep},
	}
	for _, sw := range sweeps {
		sw := sw
		_, err := s.cron.AddFunc(sw.spec, func() {
			s.metrics.SweepRuns.WithLabelValues(sw.name).Inc()
			sw.run(ctx)
		})
		if err != nil {
			return err
		}
	}
	s.cron.Start()
	s.log.Info().Msg("scheduler started")
	return nil
}

// Stop halts the cron loop and waits for running sweeps to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// lockSweep moves SCHEDULED contests past lock_time to LOCKED.
func (s *Scheduler) lockSweep(ctx context.Context) {
	s.transitionSweep(ctx, "lock", s.store.DueForLock, func(ctx context.Context, id uuid.UUID) error {
		_, err := s.controller.Lock(ctx, id, "lock_time reached")
		return err
	})
}

// startSweep moves LOCKED contests past start_time to LIVE.
func (s *Scheduler) startSweep(ctx context.Context) {
	s.transitionSweep(ctx, "start", s.store.DueForStart, func(ctx context.Context, id uuid.UUID) error {
		_, err := s.controller.Start(ctx, id, "start_time reached")
		return err
	})
}

// settlementSweep triggers settlement for LIVE contests past end_time.
func (s *Scheduler) settlementSweep(ctx context.Context) {
	s.transitionSweep(ctx, "settlement", s.store.DueForSettlement, func(ctx context.Context, id uuid.UUID) error {
		_, err := s.controller.TriggerSettlement(ctx, id, "end_time reached")
		return err
	})
}

// payoutSweep schedules payout jobs for settlements that lost their signal
// and closes jobs stranded by a crash after their last transfer committed.
func (s *Scheduler) payoutSweep(ctx context.Context) {
	n, err := s.orchestrator.ScheduleMissing(ctx, s.cfg.BatchSize)
	if err != nil {
		s.metrics.SweepErrors.WithLabelValues("payout").Inc()
		s.log.Error().Err(err).Msg("payout sweep failed")
		return
	}
	if n > 0 {
		s.log.Info().Int("scheduled", n).Msg("payout sweep re-drove settlements")
	}

	closed, err := s.orchestrator.CompleteStalled(ctx, s.cfg.BatchSize)
	if err != nil {
		s.metrics.SweepErrors.WithLabelValues("payout").Inc()
		s.log.Error().Err(err).Msg("stalled job sweep failed")
		return
	}
	if closed > 0 {
		s.log.Info().Int("completed", closed).Msg("payout sweep closed stalled jobs")
	}
}

func (s *Scheduler) transitionSweep(
	ctx context.Context,
	name string,
	due func(context.Context, time.Time, int) ([]uuid.UUID, error),
	apply func(context.Context, uuid.UUID) error,
) {
	ids, err := due(ctx, s.now(), s.cfg.BatchSize)
	if err != nil {
		s.metrics.SweepErrors.WithLabelValues(name).Inc()
		s.log.Error().Err(err).Str("sweep", name).Msg("due query failed")
		return
	}
	for _, id := range ids {
		if err := apply(ctx, id); err != nil {
			// Rejections are expected when the sweep races an operator; only
			// infrastructure errors count as sweep failures.
			var coded contest.Coded
			if !errors.As(err, &coded) {
				s.metrics.SweepErrors.WithLabelValues(name).Inc()
				s.log.Error().Err(err).Str("sweep", name).Str("contest_id", id.String()).Msg("sweep apply failed")
			}
		}
	}
}
