package coordinator

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LimiterStore answers whether an agent may perform another operation
// right now.
type LimiterStore interface {
	Allow(ctx context.Context, actor string) (bool, error)
}

// InMemoryLimiterStore keeps one token bucket per agent. Stale buckets
// are dropped to keep the map bounded.
type InMemoryLimiterStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rps     rate.Limit
	burst   int

	stop     chan struct{}
	stopOnce sync.Once
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewInMemoryLimiterStore(rps float64, burst int) *InMemoryLimiterStore {
	s := &InMemoryLimiterStore{
		buckets: make(map[string]*bucket),
		rps:     rate.Limit(rps),
		burst:   burst,
		stop:    make(chan struct{}),
	}
	go s.cleanup()
	return s
}

// Close stops the background cleanup goroutine. Safe to call more
// than once.
func (s *InMemoryLimiterStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

func (s *InMemoryLimiterStore) Allow(_ context.Context, actor string) (bool, error) {
	s.mu.Lock()
	b, ok := s.buckets[actor]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(s.rps, s.burst)}
		s.buckets[actor] = b
	}
	b.lastSeen = time.Now()
	s.mu.Unlock()

	return b.limiter.Allow(), nil
}

func (s *InMemoryLimiterStore) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.prune(time.Now())
		}
	}
}

func (s *InMemoryLimiterStore) prune(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for actor, b := range s.buckets {
		if now.Sub(b.lastSeen) > 3*time.Minute {
			delete(s.buckets, actor)
		}
	}
}

// NopLimiterStore allows everything.
type NopLimiterStore struct{}

func (NopLimiterStore) Allow(context.Context, string) (bool, error) { return true, nil }
