package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"ContestLedger/internal/audit"
	"ContestLedger/internal/lifecycle"
	"ContestLedger/internal/observability"
)

// Publisher implements lifecycle.Publisher over JetStream. Publish failures
// are reported to the caller but never block a committed operation.
type Publisher struct {
	js      jetstream.JetStream
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewPublisher(js jetstream.JetStream, metrics *observability.Metrics) *Publisher {
	return &Publisher{
		js:      js,
		metrics: metrics,
		log:     observability.NewLogger("signal"),
	}
}

var _ lifecycle.Publisher = (*Publisher)(nil)

// SettlementCompleted announces a committed settlement for payout scheduling.
func (p *Publisher) SettlementCompleted(ctx context.Context, sig lifecycle.CompletedSignal) error {
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal settlement signal: %w", err)
	}
	if _, err := p.js.Publish(ctx, SubjectSettlementCompleted, data); err != nil {
		return fmt.Errorf("publish settlement signal: %w", err)
	}
	p.metrics.SignalsPublished.WithLabelValues("settlement").Inc()
	return nil
}

// AuditRecorded fans out one audit record to contest.audit.<action>.
func (p *Publisher) AuditRecorded(ctx context.Context, rec audit.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	subject := SubjectAuditPrefix + "." + sanitizeToken(rec.Action)
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish audit record: %w", err)
	}
	p.metrics.SignalsPublished.WithLabelValues("audit").Inc()
	return nil
}

// sanitizeToken keeps actions safe as NATS subject tokens.
func sanitizeToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ':
			return '_'
		}
		return r
	}, s)
}
