package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus_TypedAndAllSubscribers(t *testing.T) {
	bus := NewEventBus()

	var mu sync.Mutex
	var typed, all []EventType
	bus.Subscribe(EventOrderFilled, func(e Event) {
		mu.Lock()
		typed = append(typed, e.Type)
		mu.Unlock()
	})
	bus.SubscribeAll(func(e Event) {
		mu.Lock()
		all = append(all, e.Type)
		mu.Unlock()
	})

	bus.PublishStageChanged("long", 0, 1, 410)
	bus.PublishFill(Fill{Symbol: "ETHUSDT", Side: "long", Price: 2000, Quantity: 0.01, Time: time.Now()})
	require.True(t, bus.Drain(time.Second))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{EventOrderFilled}, typed)
	assert.ElementsMatch(t, []EventType{EventStageChanged, EventOrderFilled}, all)
}

func TestEventBus_TimestampDefaulted(t *testing.T) {
	bus := NewEventBus()
	got := make(chan Event, 1)
	bus.Subscribe(EventError, func(e Event) { got <- e })

	bus.PublishError("gateway", "place failed", nil)
	select {
	case e := <-got:
		assert.False(t, e.Timestamp.IsZero())
		assert.Equal(t, "gateway", e.String("source"))
		_, hasErr := e.Data["error"]
		assert.False(t, hasErr)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestFillRoundTrip(t *testing.T) {
	bus := NewEventBus()
	got := make(chan Fill, 1)
	bus.Subscribe(EventOrderFilled, func(e Event) { got <- FillFrom(e) })

	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	in := Fill{
		Symbol: "ETHUSDT", Side: "short", OrderSide: "SELL", ClientOrderID: "AFSA0123456789ab",
		OrderID: 9, TradeID: 77, Price: 2010.5, Quantity: 0.02, RealizedPNL: 0, Fee: 0.016, FeeAsset: "USDT",
		Time: at,
	}
	bus.PublishFill(in)

	select {
	case out := <-got:
		assert.Equal(t, in, out)
	case <-time.After(time.Second):
		t.Fatal("fill not delivered")
	}
}

func TestNilBusIsSafe(t *testing.T) {
	var bus *EventBus
	bus.PublishError("x", "y", nil)
	assert.True(t, bus.Drain(time.Millisecond))
}
