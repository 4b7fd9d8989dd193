package binance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(maxWeight int) (*RateLimiter, *time.Time) {
	now := time.Date(2025, 12, 27, 8, 0, 0, 0, time.UTC)
	r := NewRateLimiter(maxWeight, 1000, zerolog.Nop())
	r.now = func() time.Time { return now }
	r.weightResetAt = now.Add(time.Minute)
	return r, &now
}

func TestRateLimiter_PriorityThresholds(t *testing.T) {
	r, _ := newTestLimiter(100)

	// fill to 60% with normal traffic
	for i := 0; i < 60; i++ {
		require.True(t, r.TryAcquire("/fapi/v1/order", PriorityNormal).Acquired, "request %d", i)
	}
	res := r.TryAcquire("/fapi/v1/order", PriorityNormal)
	assert.False(t, res.Acquired)
	assert.Contains(t, res.Reason, "weight_limit_exceeded")

	// critical traffic still goes through
	assert.True(t, r.TryAcquire("/fapi/v1/order", PriorityCritical).Acquired)

	current, limit := r.Usage()
	assert.Equal(t, 61, current)
	assert.Equal(t, 100, limit)
}

func TestRateLimiter_WindowReset(t *testing.T) {
	r, now := newTestLimiter(10)
	for i := 0; i < 6; i++ {
		r.TryAcquire("/fapi/v1/order", PriorityNormal)
	}
	require.False(t, r.TryAcquire("/fapi/v1/order", PriorityNormal).Acquired)

	*now = now.Add(61 * time.Second)
	assert.True(t, r.TryAcquire("/fapi/v1/order", PriorityNormal).Acquired)
}

func TestRateLimiter_BanShortCircuitsWait(t *testing.T) {
	r, now := newTestLimiter(0)
	r.RecordBan(now.Add(30 * time.Second).UnixMilli())

	err := r.Wait(context.Background(), "/fapi/v1/order", PriorityCritical)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBanned))
	assert.Equal(t, 30*time.Second, r.BanRemaining())

	*now = now.Add(31 * time.Second)
	assert.Equal(t, time.Duration(0), r.BanRemaining())
	assert.NoError(t, r.Wait(context.Background(), "/fapi/v1/order", PriorityCritical))
}

func TestRateLimiter_DefaultBanBackoff(t *testing.T) {
	r, _ := newTestLimiter(0)

	r.RecordBan(0)
	first := r.BanRemaining()
	r.RecordBan(0)
	second := r.BanRemaining()

	assert.Equal(t, 10*time.Second, first)
	assert.Equal(t, 20*time.Second, second)

	for i := 0; i < 10; i++ {
		r.RecordBan(0)
	}
	assert.Equal(t, maxDefaultBan, r.BanRemaining())

	r.RecordSuccess()
	r.mu.Lock()
	assert.Equal(t, 0, r.consecutiveBans)
	r.mu.Unlock()
}

func TestRateLimiter_UpdateFromHeaders(t *testing.T) {
	r, _ := newTestLimiter(100)
	r.UpdateFromHeaders(55)
	current, _ := r.Usage()
	assert.Equal(t, 55, current)

	// lower values never reduce local tracking
	r.UpdateFromHeaders(10)
	current, _ = r.Usage()
	assert.Equal(t, 55, current)
}

func TestParseBanUntilFromError(t *testing.T) {
	now := time.UnixMilli(1766824000000)

	tests := []struct {
		name string
		msg  string
		want int64
	}{
		{"valid", "Way too many requests; IP(1.2.3.4) banned until 1766824120342. Please use websocket.", 1766824120342},
		{"past", "banned until 1766823000000", 0},
		{"too far", "banned until 1766999999999", 0},
		{"missing", "Too many requests", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseBanUntilFromError(tt.msg, now); got != tt.want {
				t.Errorf("ParseBanUntilFromError() = %d, want %d", got, tt.want)
			}
		})
	}
}
