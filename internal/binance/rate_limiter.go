package binance

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ==================== PRIORITY TYPES ====================

// RequestPriority defines priority levels for API requests
// Higher priority requests get more lenient rate limiting thresholds
type RequestPriority int

const (
	// PriorityCritical - Orders, cancellations, emergency flattening
	PriorityCritical RequestPriority = iota
	// PriorityHigh - Position and open-order reads
	PriorityHigh
	// PriorityNormal - Exchange info, settings
	PriorityNormal
)

// String returns a human-readable priority name
func (p RequestPriority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	default:
		return "UNKNOWN"
	}
}

// threshold returns the share of the weight budget a priority may use
func (p RequestPriority) threshold() float64 {
	switch p {
	case PriorityCritical:
		return 0.95
	case PriorityHigh:
		return 0.80
	default:
		return 0.60
	}
}

// AcquireResult represents the result of a non-blocking TryAcquire attempt
type AcquireResult struct {
	Acquired     bool
	WaitTime     time.Duration
	Reason       string
	CurrentUsage float64 // percent of max weight
}

// ==================== RATE LIMITER ====================

const (
	defaultMaxWeight      = 2400 // per minute, futures
	defaultRequestsPerSec = 20
	maxWaitSlice          = 5 * time.Second
	maxDefaultBan         = 5 * time.Minute
)

// RateLimiter tracks the exchange request-weight budget and IP bans.
// Request bursts are smoothed with a token bucket.
type RateLimiter struct {
	mu sync.Mutex

	banUntil        time.Time
	consecutiveBans int

	currentWeight int
	weightResetAt time.Time
	maxWeight     int

	requests *rate.Limiter
	now      func() time.Time
	logger   zerolog.Logger
}

// Endpoint weights for Binance Futures API
var endpointWeights = map[string]int{
	"/fapi/v2/positionRisk":      5,
	"/fapi/v1/positionSide/dual": 30,
	"/fapi/v1/leverage":          1,
	"/fapi/v1/marginType":        1,

	"/fapi/v1/order":         1,
	"/fapi/v1/openOrders":    1, // 1 with symbol, 40 without
	"/fapi/v1/allOpenOrders": 1,

	"/fapi/v1/algoOrder":      1,
	"/fapi/v1/openAlgoOrders": 1,
	"/fapi/v1/algoOpenOrders": 1,

	"/fapi/v1/ticker/bookTicker": 2,
	"/fapi/v1/premiumIndex":      1,
	"/fapi/v1/exchangeInfo":      1,

	"/fapi/v1/listenKey": 1,
}

// NewRateLimiter creates a limiter; zero values take the futures defaults
func NewRateLimiter(maxWeight int, requestsPerSecond float64, logger zerolog.Logger) *RateLimiter {
	if maxWeight <= 0 {
		maxWeight = defaultMaxWeight
	}
	if requestsPerSecond <= 0 {
		requestsPerSecond = defaultRequestsPerSec
	}
	return &RateLimiter{
		maxWeight:     maxWeight,
		weightResetAt: time.Now().Add(time.Minute),
		requests:      rate.NewLimiter(rate.Limit(requestsPerSecond), int(requestsPerSecond)),
		now:           time.Now,
		logger:        logger.With().Str("component", "rate_limiter").Logger(),
	}
}

// TryAcquire atomically checks the budget and records the endpoint weight
func (r *RateLimiter) TryAcquire(endpoint string, priority RequestPriority) AcquireResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if now.After(r.weightResetAt) {
		r.currentWeight = 0
		r.weightResetAt = now.Add(time.Minute)
	}

	if now.Before(r.banUntil) {
		return AcquireResult{
			WaitTime:     r.banUntil.Sub(now),
			Reason:       "ip_banned",
			CurrentUsage: 100,
		}
	}

	weight := getEndpointWeight(endpoint)
	threshold := int(float64(r.maxWeight) * priority.threshold())
	if r.currentWeight+weight > threshold {
		wait := r.weightResetAt.Sub(now)
		if wait <= 0 {
			wait = 100 * time.Millisecond
		}
		return AcquireResult{
			WaitTime:     wait,
			Reason:       fmt.Sprintf("weight_limit_exceeded_for_%s_priority", priority),
			CurrentUsage: r.usageLocked(),
		}
	}

	r.currentWeight += weight
	return AcquireResult{Acquired: true, CurrentUsage: r.usageLocked()}
}

// Wait blocks until the endpoint may be called. An active ban returns
// ErrBanned immediately so callers skip the cycle instead of stalling.
func (r *RateLimiter) Wait(ctx context.Context, endpoint string, priority RequestPriority) error {
	for {
		res := r.TryAcquire(endpoint, priority)
		if res.Acquired {
			break
		}
		if res.Reason == "ip_banned" {
			return fmt.Errorf("%w for %s", ErrBanned, res.WaitTime.Round(time.Second))
		}
		wait := res.WaitTime
		if wait > maxWaitSlice {
			wait = maxWaitSlice
		}
		r.logger.Debug().Str("endpoint", endpoint).Str("reason", res.Reason).Dur("wait", wait).Msg("Rate limit wait")
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return r.requests.Wait(ctx)
}

// RecordBan opens the ban window. A zero timestamp backs off exponentially.
func (r *RateLimiter) RecordBan(banUntilMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.consecutiveBans++
	var until time.Time
	if banUntilMs > 0 {
		until = time.UnixMilli(banUntilMs)
	} else {
		backoff := time.Duration(5<<uint(min(r.consecutiveBans, 6))) * time.Second
		if backoff > maxDefaultBan {
			backoff = maxDefaultBan
		}
		until = r.now().Add(backoff)
	}
	if until.After(r.banUntil) {
		r.banUntil = until
	}

	r.logger.Warn().
		Time("ban_until", r.banUntil).
		Int("consecutive", r.consecutiveBans).
		Msg("Request weight ban recorded")
}

// RecordSuccess clears the ban streak once a request goes through
func (r *RateLimiter) RecordSuccess() {
	r.mu.Lock()
	r.consecutiveBans = 0
	r.mu.Unlock()
}

// BanRemaining returns how long the current ban lasts
func (r *RateLimiter) BanRemaining() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d := r.banUntil.Sub(r.now()); d > 0 {
		return d
	}
	return 0
}

// UpdateFromHeaders adopts the exchange's reported 1m weight when it is higher
func (r *RateLimiter) UpdateFromHeaders(usedWeight1m int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if usedWeight1m > r.currentWeight {
		r.currentWeight = usedWeight1m
	}
	if usage := r.usageLocked(); usage > 60 {
		r.logger.Debug().
			Int("weight", r.currentWeight).
			Int("max", r.maxWeight).
			Float64("usage_pct", usage).
			Msg("Weight usage high")
	}
}

// Usage returns the tracked weight and budget
func (r *RateLimiter) Usage() (current, limit int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentWeight, r.maxWeight
}

func (r *RateLimiter) usageLocked() float64 {
	return float64(r.currentWeight) / float64(r.maxWeight) * 100
}

// getEndpointWeight returns the weight for an endpoint
func getEndpointWeight(endpoint string) int {
	if weight, ok := endpointWeights[endpoint]; ok {
		return weight
	}
	return 1
}

var banUntilPattern = regexp.MustCompile(`banned until (\d{13})`)

// ParseBanUntilFromError extracts the ban timestamp from a Binance error message
// such as "Way too many requests; IP banned until 1766824120342."
func ParseBanUntilFromError(errMsg string, now time.Time) int64 {
	m := banUntilPattern.FindStringSubmatch(errMsg)
	if m == nil {
		return 0
	}
	banUntil, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0
	}
	if banUntil > now.UnixMilli() && banUntil < now.Add(24*time.Hour).UnixMilli() {
		return banUntil
	}
	return 0
}
