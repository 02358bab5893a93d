package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"ContestLedger/internal/contest"
	"ContestLedger/internal/lifecycle"
	"ContestLedger/internal/observability"
)

// Scheduler is the payout orchestrator surface the consumer drives.
type Scheduler interface {
	ScheduleForSettlement(ctx context.Context, settlementID uuid.UUID) (*contest.PayoutJob, error)
}

// SettlementConsumer feeds settlement-completed signals into payout
// scheduling. Explicit ACK with redelivery: a failed scheduling attempt is
// NAKed and retried, and the insert-or-ignore scheduling makes redelivery
// harmless.
type SettlementConsumer struct {
	js        jetstream.JetStream
	scheduler Scheduler
	metrics   *observability.Metrics
	log       zerolog.Logger
	consume   jetstream.ConsumeContext
}

func NewSettlementConsumer(js jetstream.JetStream, scheduler Scheduler, metrics *observability.Metrics) *SettlementConsumer {
	return &SettlementConsumer{
		js:        js,
		scheduler: scheduler,
		metrics:   metrics,
		log:       observability.NewLogger("signal-consumer"),
	}
}

// Start creates the durable consumer and begins processing.
func (c *SettlementConsumer) Start(ctx context.Context) error {
	consumer, err := c.js.CreateOrUpdateConsumer(ctx, streamSettlement, jetstream.ConsumerConfig{
		Durable:       "payout-scheduler",
		FilterSubject: SubjectSettlementCompleted,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return err
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		c.handle(ctx, msg)
	})
	if err != nil {
		return err
	}
	c.consume = cc
	c.log.Info().Str("subject", SubjectSettlementCompleted).Msg("settlement consumer started")
	return nil
}

func (c *SettlementConsumer) handle(ctx context.Context, msg jetstream.Msg) {
	var sig lifecycle.CompletedSignal
	if err := json.Unmarshal(msg.Data(), &sig); err != nil {
		// Malformed payloads never become parseable; drop them.
		c.log.Error().Err(err).Msg("malformed settlement signal, dropping")
		c.metrics.SignalsConsumed.WithLabelValues("settlement", "malformed").Inc()
		msg.Ack()
		return
	}

	if _, err := c.scheduler.ScheduleForSettlement(ctx, sig.SettlementID); err != nil {
		c.log.Warn().Err(err).
			Str("settlement_id", sig.SettlementID.String()).
			Msg("payout scheduling failed, will redeliver")
		c.metrics.SignalsConsumed.WithLabelValues("settlement", "error").Inc()
		msg.Nak()
		return
	}

	c.metrics.SignalsConsumed.WithLabelValues("settlement", "ok").Inc()
	msg.Ack()
}

// Stop drains the consumer.
func (c *SettlementConsumer) Stop() {
	if c.consume != nil {
		c.consume.Stop()
	}
}
