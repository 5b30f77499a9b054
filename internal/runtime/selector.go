package runtime

import (
	"errors"

	"github.com/carepath/cds-gateway/internal/config"
)

// ErrNoRuntime means no runtime is currently available to take a request.
var ErrNoRuntime = errors.New("no model runtime available")

// Selector owns the primary and optional secondary runtime, each behind its
// own circuit breaker. The secondary is only tried once, after a transient
// failure on the primary; safety and validation failures never trigger it.
type Selector struct {
	primary   Runtime
	secondary Runtime

	primaryCB   *CircuitBreaker
	secondaryCB *CircuitBreaker
}

// BuildFromConfig wires runtimes and breakers from the runtime config.
func BuildFromConfig(cfg config.RuntimeConfig) *Selector {
	s := &Selector{
		primary:   NewClient(cfg.Primary),
		primaryCB: NewCircuitBreaker(cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.RecoveryProbeInterval),
	}
	if cfg.Secondary.BaseURL != "" {
		s.secondary = NewClient(cfg.Secondary)
		s.secondaryCB = NewCircuitBreaker(cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.RecoveryProbeInterval)
	}
	return s
}

// Pick returns the runtime to use first, preferring the primary when its
// breaker allows requests.
func (s *Selector) Pick() (Runtime, error) {
	if s.primary != nil && s.primaryCB.Allow() {
		return s.primary, nil
	}
	if s.secondary != nil && s.secondaryCB.Allow() {
		return s.secondary, nil
	}
	return nil, ErrNoRuntime
}

// Fallback returns the runtime to try after a transient failure on failed,
// or nil when there is no other option.
func (s *Selector) Fallback(failed Runtime) Runtime {
	if failed == nil {
		return nil
	}
	if failed == s.primary && s.secondary != nil && s.secondaryCB.Allow() {
		return s.secondary
	}
	if failed == s.secondary && s.primary != nil && s.primaryCB.Allow() {
		return s.primary
	}
	return nil
}

// RecordSuccess feeds the breaker for the given runtime.
func (s *Selector) RecordSuccess(r Runtime) {
	if cb := s.breakerFor(r); cb != nil {
		cb.RecordSuccess()
	}
}

// RecordFailure feeds the breaker for the given runtime.
func (s *Selector) RecordFailure(r Runtime) {
	if cb := s.breakerFor(r); cb != nil {
		cb.RecordFailure()
	}
}

func (s *Selector) breakerFor(r Runtime) *CircuitBreaker {
	switch r {
	case s.primary:
		return s.primaryCB
	case s.secondary:
		return s.secondaryCB
	}
	return nil
}
