package settlement

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solaceprotocol/acp-core/pkg/protocol"
)

func acceptedTx() *protocol.Transaction {
	id := protocol.NewTransactionID()
	return &protocol.Transaction{
		ID:        id,
		Requester: "agent-req",
		Provider:  "agent-prov",
		Phase:     protocol.PhaseAccepted,
		Value:     100,
		Winning: &protocol.Proposal{
			TransactionID: id,
			Agent:         "agent-prov",
			Round:         1,
			Price:         80,
			Terms:         protocol.Terms{"format": "csv"},
		},
	}
}

func TestStaticSettler(t *testing.T) {
	tx := acceptedTx()

	receipt, err := NewStaticSettler().SubmitSettlement(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, receipt.TransactionID)
	assert.NotEmpty(t, receipt.Reference)

	_, err = NewFailingSettler("ledger down").SubmitSettlement(context.Background(), tx)
	assert.ErrorIs(t, err, protocol.ErrSettlement)
}

func TestHTTPSettlerSuccess(t *testing.T) {
	tx := acceptedTx()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req settlementRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, tx.ID, req.TransactionID)
		assert.Equal(t, 80.0, req.Price)

		_ = json.NewEncoder(w).Encode(Receipt{
			TransactionID: req.TransactionID,
			Reference:     "ledger-123",
			SettledAt:     time.Now().UTC(),
		})
	}))
	defer srv.Close()

	receipt, err := NewHTTPSettler(srv.URL).SubmitSettlement(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, "ledger-123", receipt.Reference)
}

func TestHTTPSettlerRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(Receipt{Reference: "after-retries"})
	}))
	defer srv.Close()

	receipt, err := NewHTTPSettler(srv.URL, WithMaxRetries(3)).
		SubmitSettlement(context.Background(), acceptedTx())
	require.NoError(t, err)
	assert.Equal(t, "after-retries", receipt.Reference)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPSettlerNoRetryOnRejection(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	_, err := NewHTTPSettler(srv.URL, WithMaxRetries(3)).
		SubmitSettlement(context.Background(), acceptedTx())
	assert.ErrorIs(t, err, protocol.ErrSettlement)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPSettlerRequiresWinner(t *testing.T) {
	tx := acceptedTx()
	tx.Winning = nil
	_, err := NewHTTPSettler("http://localhost:0").SubmitSettlement(context.Background(), tx)
	assert.ErrorIs(t, err, protocol.ErrValidation)
}

func TestCircuitOpensAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewHTTPSettler(srv.URL, WithMaxRetries(0))
	s.breaker = newCircuitBreaker(2, time.Minute)

	ctx := context.Background()
	tx := acceptedTx()
	for i := 0; i < 2; i++ {
		_, err := s.SubmitSettlement(ctx, tx)
		assert.ErrorIs(t, err, protocol.ErrSettlement)
	}

	_, err := s.SubmitSettlement(ctx, tx)
	require.ErrorIs(t, err, protocol.ErrSettlement)
	assert.Contains(t, err.Error(), "circuit open")
}

func TestHalfOpenAdmitsOneCaller(t *testing.T) {
	cb := newCircuitBreaker(1, time.Minute)

	cb.failure()
	assert.False(t, cb.allow())

	// Reset window elapsed: the first caller goes through, the rest
	// are held back until its verdict.
	cb.lastFailure = time.Now().Add(-2 * time.Minute)
	assert.True(t, cb.allow())
	assert.False(t, cb.allow())

	cb.success()
	assert.True(t, cb.allow())

	// A failed trial request reopens the circuit immediately.
	cb.failure()
	assert.False(t, cb.allow())
}
