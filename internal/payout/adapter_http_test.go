package payout

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"ContestLedger/internal/contest"
)

func testTransferRequest() TransferRequest {
	return TransferRequest{
		IdempotencyKey: "transfer:test:test",
		ContestID:      uuid.New(),
		UserID:         uuid.New(),
		AmountCents:    1500,
	}
}

func TestHTTPAdapterSuccess(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/transfers" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotKey = r.Header.Get("Idempotency-Key")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"transfer_id": "pp_12345"}`))
	}))
	defer srv.Close()

	adapter := NewHTTPAdapter(srv.URL, 5*time.Second)
	result, err := adapter.CreateTransfer(context.Background(), testTransferRequest())
	if err != nil {
		t.Fatalf("create transfer: %v", err)
	}
	if result.ExternalTransferID != "pp_12345" {
		t.Errorf("external id = %q", result.ExternalTransferID)
	}
	if gotKey != "transfer:test:test" {
		t.Errorf("idempotency header = %q", gotKey)
	}
}

func TestHTTPAdapterStatusClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   contest.Classification
	}{
		{"server error", http.StatusInternalServerError, "oops", contest.ClassTransient},
		{"unavailable", http.StatusServiceUnavailable, "maintenance", contest.ClassTransient},
		{"rate limited", http.StatusTooManyRequests, "slow down", contest.ClassTransient},
		{"bad request", http.StatusBadRequest, "invalid amount", contest.ClassPermanent},
		{"unprocessable", http.StatusUnprocessableEntity, "account closed", contest.ClassPermanent},
		{"missing transfer id", http.StatusOK, `{}`, contest.ClassTransient},
		{"malformed body", http.StatusOK, `not json`, contest.ClassTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			adapter := NewHTTPAdapter(srv.URL, 5*time.Second)
			_, err := adapter.CreateTransfer(context.Background(), testTransferRequest())
			if err == nil {
				t.Fatal("expected error")
			}
			var perr *contest.ProcessorError
			if !errors.As(err, &perr) {
				t.Fatalf("expected *ProcessorError, got %T", err)
			}
			if perr.Classification != tc.want {
				t.Errorf("classification = %s, want %s", perr.Classification, tc.want)
			}
		})
	}
}

func TestHTTPAdapterNetworkErrorTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	adapter := NewHTTPAdapter(srv.URL, time.Second)
	_, err := adapter.CreateTransfer(context.Background(), testTransferRequest())
	var perr *contest.ProcessorError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *ProcessorError, got %T", err)
	}
	if perr.Classification != contest.ClassTransient {
		t.Errorf("network error classified %s, want transient", perr.Classification)
	}
}
