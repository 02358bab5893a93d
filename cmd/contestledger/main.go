package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ContestLedger/internal/audit"
	"ContestLedger/internal/config"
	"ContestLedger/internal/ledger"
	"ContestLedger/internal/lifecycle"
	"ContestLedger/internal/observability"
	"ContestLedger/internal/payout"
	"ContestLedger/internal/persistence"
	"ContestLedger/internal/scheduler"
	"ContestLedger/internal/server"
	"ContestLedger/internal/settlement"
	natsignal "ContestLedger/internal/signal"
)

func main() {
	log := observability.NewLogger("main")
	log.Info().Msg("contestledger starting")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := persistence.Open(ctx, cfg.PostgresDSN, cfg.MaxOpenConns)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()
	log.Info().Msg("postgres connected")

	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, observability.NewLogger("migrator"))
	if err := migrator.Up(ctx); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker("postgres", "nats")
	healthChecker.SetComponentReady("postgres", true)

	// --- NATS ---
	nc, js, err := natsignal.Connect(cfg.NATSURL)
	if err != nil {
		log.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()
	if err := natsignal.EnsureStreams(ctx, js); err != nil {
		log.Fatal().Err(err).Msg("ensure nats streams")
	}
	healthChecker.SetComponentReady("nats", true)
	log.Info().Msg("nats connected")

	// --- Stores and services ---
	audits := audit.NewStore(db)
	ledgerStore := ledger.NewStore(db)
	resultsStore := settlement.NewResultsStore(db)
	settlementStore := settlement.NewStore(db)
	settlementSvc := settlement.NewService(settlementStore, resultsStore, metrics)

	publisher := natsignal.NewPublisher(js, metrics)

	lifecycleStore := lifecycle.NewStore(db)
	controller := lifecycle.NewController(db, lifecycleStore, audits, settlementSvc, publisher, metrics)

	payoutStore := payout.NewStore(db)
	orchestrator := payout.NewOrchestrator(db, payoutStore, settlementStore, ledgerStore, metrics, cfg.TransferMaxAttempts)

	adapter := payout.NewHTTPAdapter(cfg.ProcessorURL, cfg.ProcessorTimeout)
	executor := payout.NewExecutor(db, payoutStore, ledgerStore, adapter, payout.RetryPolicy{
		Base: cfg.RetryBase,
		Max:  cfg.RetryMax,
	}, metrics)
	pool := payout.NewPool(executor, cfg.PayoutWorkers)

	// --- Settlement-completed consumer ---
	consumer := natsignal.NewSettlementConsumer(js, orchestrator, metrics)
	if err := consumer.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start settlement consumer")
	}
	defer consumer.Stop()

	// --- Scheduler sweeps ---
	sched := scheduler.New(scheduler.Config{
		LockSpec:       cfg.LockSweepSpec,
		StartSpec:      cfg.StartSweepSpec,
		SettlementSpec: cfg.SettlementSweepSpec,
		PayoutSpec:     cfg.PayoutSweepSpec,
		BatchSize:      cfg.SweepBatchSize,
	}, controller, lifecycleStore, orchestrator, metrics)
	if err := sched.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start scheduler")
	}
	defer sched.Stop()

	// --- Servers ---
	errChan := make(chan error, 4)

	httpServer := server.NewHTTPServer(cfg.HTTPAddr, controller, audits, settlementStore, payoutStore, orchestrator, resultsStore, healthChecker)
	go func() { errChan <- httpServer.Run(ctx) }()

	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, healthChecker)
	go func() { errChan <- grpcServer.Run(ctx) }()

	go func() { errChan <- runMetricsServer(ctx, cfg.MetricsAddr) }()

	// --- Payout workers ---
	workersDone := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(workersDone)
	}()

	log.Info().
		Str("http", cfg.HTTPAddr).
		Str("grpc", cfg.GRPCAddr).
		Str("metrics", cfg.MetricsAddr).
		Int("payout_workers", cfg.PayoutWorkers).
		Msg("contestledger ready")

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		log.Error().Err(err).Msg("component failed, shutting down")
	}

	cancel()

	select {
	case <-workersDone:
	case <-time.After(30 * time.Second):
		log.Warn().Msg("payout workers did not drain in time")
	}

	log.Info().Msg("contestledger shutdown complete")
}

func runMetricsServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
