// Package circuit pauses new order placement after repeated fatal exchange
// rejections. Reduce-only and exit orders are never gated by it.
package circuit

import (
	"fmt"
	"sync"
	"time"

	"gridbot/internal/events"
)

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	StateClosed   BreakerState = "closed"    // Normal operation
	StateOpen     BreakerState = "open"      // Placement halted
	StateHalfOpen BreakerState = "half_open" // Testing recovery
)

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled                bool `json:"enabled"`
	MaxConsecutiveFailures int  `json:"max_consecutive_failures"` // Fatal rejections in a row
	MaxFailuresPerMinute   int  `json:"max_failures_per_minute"`  // Fatal rejections in a rolling minute
	CooldownSeconds        int  `json:"cooldown_seconds"`         // Cooldown after trip
}

// DefaultCircuitBreakerConfig returns safe defaults
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Enabled:                true,
		MaxConsecutiveFailures: 5,
		MaxFailuresPerMinute:   10,
		CooldownSeconds:        60,
	}
}

// CircuitBreaker implements the circuit breaker pattern for order placement
type CircuitBreaker struct {
	config              *CircuitBreakerConfig
	state               BreakerState
	consecutiveFailures int
	failuresLastMinute  int
	totalTrips          int
	lastTripTime        time.Time
	lastFailureTime     time.Time
	minuteResetTime     time.Time
	tripReason          string
	mu                  sync.RWMutex
	onTrip              func(reason string)
	onReset             func()
	bus                 *events.EventBus
	now                 func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config *CircuitBreakerConfig) *CircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}

	now := time.Now()
	return &CircuitBreaker{
		config:          config,
		state:           StateClosed,
		minuteResetTime: now.Add(time.Minute),
		now:             time.Now,
	}
}

// SetEventBus makes trips and resets visible on the bus
func (cb *CircuitBreaker) SetEventBus(bus *events.EventBus) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.bus = bus
}

// OnTrip sets callback for when breaker trips
func (cb *CircuitBreaker) OnTrip(handler func(reason string)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onTrip = handler
}

// OnReset sets callback for when breaker resets
func (cb *CircuitBreaker) OnReset(handler func()) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onReset = handler
}

// Allow checks if a new order may be placed
func (cb *CircuitBreaker) Allow() (bool, string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.config.Enabled {
		return true, ""
	}

	cb.resetCountersIfNeeded()

	if cb.state == StateOpen {
		elapsed := cb.now().Sub(cb.lastTripTime)
		cooldown := time.Duration(cb.config.CooldownSeconds) * time.Second

		if elapsed < cooldown {
			remaining := cooldown - elapsed
			return false, fmt.Sprintf("circuit breaker open, cooldown remaining: %v (reason: %s)",
				remaining.Round(time.Second), cb.tripReason)
		}

		// Cooldown passed, let one order probe
		cb.state = StateHalfOpen
	}

	return true, ""
}

// RecordSuccess records an accepted order. A success while half-open closes the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	cb.consecutiveFailures = 0
	recovered := cb.state == StateHalfOpen
	if recovered {
		cb.state = StateClosed
		cb.tripReason = ""
	}
	onReset, bus := cb.onReset, cb.bus
	cb.mu.Unlock()

	if recovered {
		if onReset != nil {
			go onReset()
		}
		bus.Publish(events.Event{
			Type: events.EventCircuitBreaker,
			Data: map[string]interface{}{"state": string(StateClosed), "action": "recovered"},
		})
	}
}

// RecordFailure records a fatal rejection and trips the breaker when a limit is reached
func (cb *CircuitBreaker) RecordFailure(reason string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.config.Enabled {
		return
	}

	cb.resetCountersIfNeeded()
	cb.lastFailureTime = cb.now()
	cb.consecutiveFailures++
	cb.failuresLastMinute++

	// a failed probe reopens immediately
	if cb.state == StateHalfOpen {
		cb.trip(fmt.Sprintf("probe failed: %s", reason))
		return
	}
	cb.checkAndTrip(reason)
}

// checkAndTrip checks conditions and trips if needed
func (cb *CircuitBreaker) checkAndTrip(last string) {
	var reason string

	if cb.config.MaxConsecutiveFailures > 0 && cb.consecutiveFailures >= cb.config.MaxConsecutiveFailures {
		reason = fmt.Sprintf("consecutive failures: %d (last: %s)", cb.consecutiveFailures, last)
	} else if cb.config.MaxFailuresPerMinute > 0 && cb.failuresLastMinute >= cb.config.MaxFailuresPerMinute {
		reason = fmt.Sprintf("failures in last minute: %d (last: %s)", cb.failuresLastMinute, last)
	}

	if reason != "" && cb.state != StateOpen {
		cb.trip(reason)
	}
}

// trip opens the circuit breaker
func (cb *CircuitBreaker) trip(reason string) {
	cb.state = StateOpen
	cb.lastTripTime = cb.now()
	cb.tripReason = reason
	cb.totalTrips++

	if cb.onTrip != nil {
		go cb.onTrip(reason)
	}

	cb.bus.Publish(events.Event{
		Type: events.EventCircuitBreaker,
		Data: map[string]interface{}{
			"state":                string(StateOpen),
			"action":               "tripped",
			"reason":               reason,
			"consecutive_failures": cb.consecutiveFailures,
		},
	})
}

// resetCountersIfNeeded resets time-based counters
func (cb *CircuitBreaker) resetCountersIfNeeded() {
	now := cb.now()
	if now.After(cb.minuteResetTime) {
		cb.failuresLastMinute = 0
		cb.minuteResetTime = now.Add(time.Minute)
	}
}

// ForceReset manually resets the circuit breaker
func (cb *CircuitBreaker) ForceReset() {
	cb.mu.Lock()
	cb.state = StateClosed
	cb.consecutiveFailures = 0
	cb.failuresLastMinute = 0
	cb.tripReason = ""
	onReset, bus := cb.onReset, cb.bus
	cb.mu.Unlock()

	if onReset != nil {
		go onReset()
	}
	bus.Publish(events.Event{
		Type: events.EventCircuitBreaker,
		Data: map[string]interface{}{"state": string(StateClosed), "action": "reset"},
	})
}

// GetState returns current breaker state
func (cb *CircuitBreaker) GetState() BreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// GetStats returns current statistics
func (cb *CircuitBreaker) GetStats() map[string]interface{} {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return map[string]interface{}{
		"state":                string(cb.state),
		"consecutive_failures": cb.consecutiveFailures,
		"failures_last_minute": cb.failuresLastMinute,
		"total_trips":          cb.totalTrips,
		"trip_reason":          cb.tripReason,
		"last_trip_time":       cb.lastTripTime,
	}
}

// IsEnabled returns if circuit breaker is enabled
func (cb *CircuitBreaker) IsEnabled() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.config.Enabled
}

// GetConfig returns a copy of the current configuration
func (cb *CircuitBreaker) GetConfig() CircuitBreakerConfig {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return *cb.config
}

// UpdateConfig updates the circuit breaker configuration
func (cb *CircuitBreaker) UpdateConfig(updates *CircuitBreakerConfig) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if updates.MaxConsecutiveFailures > 0 {
		cb.config.MaxConsecutiveFailures = updates.MaxConsecutiveFailures
	}
	if updates.MaxFailuresPerMinute > 0 {
		cb.config.MaxFailuresPerMinute = updates.MaxFailuresPerMinute
	}
	if updates.CooldownSeconds > 0 {
		cb.config.CooldownSeconds = updates.CooldownSeconds
	}
}

// SetEnabled enables or disables the circuit breaker
func (cb *CircuitBreaker) SetEnabled(enabled bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.config.Enabled = enabled
}
