package payout

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"ContestLedger/internal/observability"
)

// Pool runs a fixed set of executor workers. Each worker loops on RunOnce;
// when no transfer is due it backs off exponentially, resetting as soon as
// work appears. SKIP LOCKED in the claim keeps the workers from contending.
type Pool struct {
	executor *Executor
	workers  int
}

func NewPool(executor *Executor, workers int) *Pool {
	return &Pool{executor: executor, workers: workers}
}

// Run blocks until ctx is cancelled and every worker has drained.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.workerLoop(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) workerLoop(ctx context.Context, id int) {
	log := observability.NewLogger("payout-worker").With().Int("worker", id).Logger()

	idle := backoff.NewExponentialBackOff()
	idle.InitialInterval = 100 * time.Millisecond
	idle.MaxInterval = 5 * time.Second
	idle.MaxElapsedTime = 0 // never give up
	idle.Reset()

	for {
		claimed, err := p.executor.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("executor pass failed")
		}
		if claimed {
			idle.Reset()
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(idle.NextBackOff()):
		}
	}
}
