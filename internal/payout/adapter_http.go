package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"ContestLedger/internal/contest"
)

// HTTPAdapter talks to the payment processor over HTTP/JSON. The idempotency
// key rides in the Idempotency-Key header, the processor's standard dedup
// mechanism.
type HTTPAdapter struct {
	baseURL string
	client  *http.Client
}

func NewHTTPAdapter(baseURL string, timeout time.Duration) *HTTPAdapter {
	return &HTTPAdapter{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

var _ PaymentAdapter = (*HTTPAdapter)(nil)

type httpTransferRequest struct {
	ContestID   string `json:"contest_id"`
	UserID      string `json:"user_id"`
	AmountCents int64  `json:"amount_cents"`
}

type httpTransferResponse struct {
	TransferID string `json:"transfer_id"`
	Error      string `json:"error,omitempty"`
}

func (a *HTTPAdapter) CreateTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	body, err := json.Marshal(httpTransferRequest{
		ContestID:   req.ContestID.String(),
		UserID:      req.UserID.String(),
		AmountCents: req.AmountCents,
	})
	if err != nil {
		return nil, &contest.ProcessorError{Classification: contest.ClassPermanent, Reason: err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/transfers", bytes.NewReader(body))
	if err != nil {
		return nil, &contest.ProcessorError{Classification: contest.ClassPermanent, Reason: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		// Network-level failures: the transfer may or may not have landed.
		// The idempotency key makes the retry safe either way.
		return nil, &contest.ProcessorError{Classification: contest.ClassTransient, Reason: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &contest.ProcessorError{Classification: contest.ClassTransient, Reason: err.Error()}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out httpTransferResponse
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, &contest.ProcessorError{Classification: contest.ClassTransient, Reason: fmt.Sprintf("malformed response: %v", err)}
		}
		if out.TransferID == "" {
			return nil, &contest.ProcessorError{Classification: contest.ClassTransient, Reason: "response missing transfer_id"}
		}
		return &TransferResult{ExternalTransferID: out.TransferID}, nil

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &contest.ProcessorError{
			Classification: contest.ClassTransient,
			Reason:         fmt.Sprintf("processor status %d: %s", resp.StatusCode, truncate(data, 200)),
		}

	default:
		// 4xx other than rate limiting: the request itself is unacceptable
		// and repeating it cannot succeed.
		return nil, &contest.ProcessorError{
			Classification: contest.ClassPermanent,
			Reason:         fmt.Sprintf("processor status %d: %s", resp.StatusCode, truncate(data, 200)),
		}
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
