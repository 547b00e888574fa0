package resilience

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/AletheiaFact/ai-task-processor/pkg/metrics"
)

// BreakerConfig bounds the circuit breakers created for each upstream host.
type BreakerConfig struct {
	// Threshold is the failure count that trips the breaker open. Counts
	// accumulate while closed and reset only on a successful half-open trial.
	Threshold uint32
	// RecoveryTimeout is how long the breaker stays open before allowing a
	// single half-open trial request.
	RecoveryTimeout time.Duration
}

// DefaultBreakerConfig matches the worker's configuration defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Threshold: 5, RecoveryTimeout: 60 * time.Second}
}

// breakerSet lazily creates one circuit breaker per upstream host, so
// endpoints sharing a host share failure state.
type breakerSet struct {
	cfg     BreakerConfig
	log     *zap.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func newBreakerSet(cfg BreakerConfig, log *zap.Logger, m *metrics.Metrics) *breakerSet {
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultBreakerConfig().Threshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultBreakerConfig().RecoveryTimeout
	}
	return &breakerSet{
		cfg:      cfg,
		log:      log,
		metrics:  m,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (s *breakerSet) get(host string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.breakers[host]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: host,
		// Exactly one trial request is permitted in half-open.
		MaxRequests: 1,
		Timeout:     s.cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.TotalFailures >= s.cfg.Threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.log.Warn("circuit breaker state change",
				zap.String("service", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if s.metrics != nil {
				s.metrics.SetCircuitBreakerState(name, breakerGauge(to))
			}
		},
	})
	if s.metrics != nil {
		s.metrics.SetCircuitBreakerState(host, metrics.BreakerClosed)
	}
	s.breakers[host] = cb
	return cb
}

func breakerGauge(st gobreaker.State) float64 {
	switch st {
	case gobreaker.StateOpen:
		return metrics.BreakerOpen
	case gobreaker.StateHalfOpen:
		return metrics.BreakerHalfOpen
	default:
		return metrics.BreakerClosed
	}
}
