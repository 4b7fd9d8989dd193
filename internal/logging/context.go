package logging

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// FromContext retrieves the logger from context, falling back to Default
func FromContext(ctx context.Context) zerolog.Logger {
	if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
		return *l
	}
	return Default()
}

// NewContext creates a new context carrying the logger
func NewContext(ctx context.Context, l zerolog.Logger) context.Context {
	return l.WithContext(ctx)
}

// Throttled emits at most one log line per key per interval. A key whose
// message signature changes is logged immediately.
type Throttled struct {
	mu       sync.Mutex
	interval time.Duration
	entries  map[string]*throttleEntry
}

type throttleEntry struct {
	sometimes *rate.Sometimes
	signature string
}

// NewThrottled creates a throttle with the given minimum interval between lines
func NewThrottled(interval time.Duration) *Throttled {
	return &Throttled{
		interval: interval,
		entries:  make(map[string]*throttleEntry),
	}
}

// SetInterval changes the interval for keys created after the call and resets existing keys
func (t *Throttled) SetInterval(interval time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if interval == t.interval {
		return
	}
	t.interval = interval
	t.entries = make(map[string]*throttleEntry)
}

// Do runs fn if key (with this signature) has not been logged within the interval.
// It reports whether fn ran.
func (t *Throttled) Do(key, signature string, fn func()) bool {
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok || e.signature != signature {
		e = &throttleEntry{
			sometimes: &rate.Sometimes{First: 1, Interval: t.interval},
			signature: signature,
		}
		t.entries[key] = e
	}
	t.mu.Unlock()

	ran := false
	e.sometimes.Do(func() {
		ran = true
		fn()
	})
	return ran
}
