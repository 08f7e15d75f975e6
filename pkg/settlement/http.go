package settlement

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/solaceprotocol/acp-core/pkg/protocol"
)

// HTTPSettler posts settlement requests to a ledger service endpoint.
// Transient failures are retried with exponential backoff and jitter
// behind a circuit breaker; once the policy is exhausted the error
// surfaces as protocol.ErrSettlement.
type HTTPSettler struct {
	endpoint   string
	client     *http.Client
	maxRetries int
	breaker    *circuitBreaker
}

type HTTPOption func(*HTTPSettler)

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPSettler) { s.client = c }
}

func WithMaxRetries(n int) HTTPOption {
	return func(s *HTTPSettler) { s.maxRetries = n }
}

func NewHTTPSettler(endpoint string, opts ...HTTPOption) *HTTPSettler {
	s := &HTTPSettler{
		endpoint:   endpoint,
		client:     &http.Client{Timeout: 30 * time.Second},
		maxRetries: 3,
		breaker:    newCircuitBreaker(5, 10*time.Second),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type settlementRequest struct {
	TransactionID protocol.TransactionID `json:"transaction_id"`
	Requester     protocol.AgentID       `json:"requester"`
	Provider      protocol.AgentID       `json:"provider"`
	Price         float64                `json:"price"`
	Terms         protocol.Terms         `json:"terms"`
}

func (s *HTTPSettler) SubmitSettlement(ctx context.Context, tx *protocol.Transaction) (Receipt, error) {
	if tx.Winning == nil {
		return Receipt{}, fmt.Errorf("%w: transaction %s has no winning proposal", protocol.ErrValidation, tx.ID)
	}
	if !s.breaker.allow() {
		return Receipt{}, fmt.Errorf("%w: circuit open for %s", protocol.ErrSettlement, s.endpoint)
	}

	body, err := json.Marshal(settlementRequest{
		TransactionID: tx.ID,
		Requester:     tx.Requester,
		Provider:      tx.Provider,
		Price:         tx.Winning.Price,
		Terms:         tx.Winning.Terms,
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("marshal settlement request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		receipt, retryable, err := s.post(ctx, body)
		if err == nil {
			s.breaker.success()
			return receipt, nil
		}
		lastErr = err
		if !retryable || attempt == s.maxRetries {
			break
		}

		backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
		if n, rndErr := rand.Int(rand.Reader, big.NewInt(50)); rndErr == nil {
			backoff += time.Duration(n.Int64()) * time.Millisecond
		}
		select {
		case <-ctx.Done():
			s.breaker.failure()
			return Receipt{}, fmt.Errorf("%w: %v", protocol.ErrSettlement, ctx.Err())
		case <-time.After(backoff):
		}
	}

	s.breaker.failure()
	return Receipt{}, fmt.Errorf("%w: %v", protocol.ErrSettlement, lastErr)
}

// post performs one attempt. 5xx responses are retryable, 4xx are not.
func (s *HTTPSettler) post(ctx context.Context, body []byte) (Receipt, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Receipt{}, true, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 500:
		return Receipt{}, true, fmt.Errorf("ledger returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return Receipt{}, false, fmt.Errorf("ledger rejected settlement: %d", resp.StatusCode)
	}

	var receipt Receipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		return Receipt{}, false, fmt.Errorf("decode receipt: %w", err)
	}
	return receipt, false, nil
}

// circuitBreaker is a minimal CLOSED/OPEN/HALF_OPEN state machine.
type circuitBreaker struct {
	mu           sync.Mutex
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        string
	inFlight     bool
}

func newCircuitBreaker(threshold int, timeout time.Duration) *circuitBreaker {
	return &circuitBreaker{
		threshold:    threshold,
		resetTimeout: timeout,
		state:        "CLOSED",
	}
}

func (cb *circuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case "OPEN":
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = "HALF_OPEN"
			cb.inFlight = true
			return true
		}
		return false
	case "HALF_OPEN":
		// One trial request at a time; everyone else waits for its
		// verdict.
		if cb.inFlight {
			return false
		}
		cb.inFlight = true
		return true
	}
	return true
}

func (cb *circuitBreaker) success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = "CLOSED"
	cb.failureCount = 0
	cb.inFlight = false
}

func (cb *circuitBreaker) failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = time.Now()
	if cb.state == "HALF_OPEN" || cb.failureCount >= cb.threshold {
		cb.state = "OPEN"
	}
	cb.inFlight = false
}
