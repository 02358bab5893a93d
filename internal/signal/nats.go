// Package signal carries committed facts over NATS JetStream. Signals are a
// latency optimization, not a correctness mechanism: the scheduler sweeps
// re-derive everything a lost message would have triggered.
package signal

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"ContestLedger/internal/observability"
)

const (
	// SubjectAuditPrefix fans out every audit record: contest.audit.<action>.
	SubjectAuditPrefix = "contest.audit"
	// SubjectSettlementCompleted announces a committed settlement.
	SubjectSettlementCompleted = "contest.settlement.completed"

	streamAudit      = "CONTEST_AUDIT"
	streamSettlement = "CONTEST_SETTLEMENT"
)

// Connect establishes the NATS connection and JetStream context with
// unbounded reconnects.
func Connect(url string) (*nats.Conn, jetstream.JetStream, error) {
	log := observability.NewLogger("nats")

	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}

// EnsureStreams creates the JetStream streams if they don't exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      streamAudit,
			Subjects:  []string{SubjectAuditPrefix + ".>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      streamSettlement,
			Subjects:  []string{"contest.settlement.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}
	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}
