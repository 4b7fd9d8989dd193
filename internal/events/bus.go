// Package events is the in-process publish/subscribe bus the engine uses to
// fan out fills, exits and state changes to the journal, metrics and status.
package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventOrderPlaced    EventType = "ORDER_PLACED"
	EventOrderRejected  EventType = "ORDER_REJECTED"
	EventOrderCancelled EventType = "ORDER_CANCELLED"
	EventOrderFilled    EventType = "ORDER_FILLED"
	EventStageChanged   EventType = "STAGE_CHANGED"
	EventStopMoved      EventType = "STOP_MOVED"
	EventEmergencyExit  EventType = "EMERGENCY_EXIT"
	EventConfigReloaded EventType = "CONFIG_RELOADED"
	EventStreamState    EventType = "STREAM_STATE"
	EventCircuitBreaker EventType = "CIRCUIT_BREAKER"
	EventEngineStarted  EventType = "ENGINE_STARTED"
	EventEngineStopped  EventType = "ENGINE_STOPPED"
	EventError          EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// String returns a string field of the payload, "" when absent
func (e Event) String(key string) string {
	s, _ := e.Data[key].(string)
	return s
}

// Float returns a numeric field of the payload, 0 when absent
func (e Event) Float(key string) float64 {
	switch v := e.Data[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// Int returns an integer field of the payload, 0 when absent
func (e Event) Int(key string) int64 {
	switch v := e.Data[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions. Subscribers run on
// their own goroutine; Drain waits for the ones in flight.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
	inflight    sync.WaitGroup
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers. A nil bus drops the event.
func (eb *EventBus) Publish(event Event) {
	if eb == nil {
		return
	}
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	// Set timestamp if not provided
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Notify specific subscribers
	for _, sub := range eb.subscribers[event.Type] {
		eb.dispatch(sub, event)
	}

	// Notify all-event subscribers
	for _, sub := range eb.allSubs {
		eb.dispatch(sub, event)
	}
}

func (eb *EventBus) dispatch(sub Subscriber, event Event) {
	eb.inflight.Add(1)
	go func() {
		defer eb.inflight.Done()
		sub(event)
	}()
}

// Drain blocks until every dispatched subscriber call has returned or the
// timeout expires. It reports whether the bus drained.
func (eb *EventBus) Drain(timeout time.Duration) bool {
	if eb == nil {
		return true
	}
	done := make(chan struct{})
	go func() {
		eb.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// PublishOrderPlaced publishes an order placed event
func (eb *EventBus) PublishOrderPlaced(orderID int64, clientID, side, role string, price, quantity float64) {
	eb.Publish(Event{
		Type: EventOrderPlaced,
		Data: map[string]interface{}{
			"order_id":  orderID,
			"client_id": clientID,
			"side":      side,
			"role":      role,
			"price":     price,
			"quantity":  quantity,
		},
	})
}

// PublishOrderRejected publishes a rejected placement with its error kind
func (eb *EventBus) PublishOrderRejected(clientID, side, role, kind, message string) {
	eb.Publish(Event{
		Type: EventOrderRejected,
		Data: map[string]interface{}{
			"client_id": clientID,
			"side":      side,
			"role":      role,
			"kind":      kind,
			"message":   message,
		},
	})
}

// Fill is the journaled form of one trade execution
type Fill struct {
	Symbol        string
	Side          string // grid side: long / short
	OrderSide     string // BUY / SELL
	ClientOrderID string
	OrderID       int64
	TradeID       int64
	Price         float64
	Quantity      float64
	RealizedPNL   float64
	Fee           float64
	FeeAsset      string
	ReduceOnly    bool
	Time          time.Time
}

// PublishFill publishes an order filled event
func (eb *EventBus) PublishFill(f Fill) {
	eb.Publish(Event{
		Type:      EventOrderFilled,
		Timestamp: f.Time,
		Data: map[string]interface{}{
			"symbol":       f.Symbol,
			"side":         f.Side,
			"order_side":   f.OrderSide,
			"client_id":    f.ClientOrderID,
			"order_id":     f.OrderID,
			"trade_id":     f.TradeID,
			"price":        f.Price,
			"quantity":     f.Quantity,
			"realized_pnl": f.RealizedPNL,
			"fee":          f.Fee,
			"fee_asset":    f.FeeAsset,
			"reduce_only":  f.ReduceOnly,
		},
	})
}

// FillFrom rebuilds a Fill from an ORDER_FILLED event
func FillFrom(e Event) Fill {
	reduce, _ := e.Data["reduce_only"].(bool)
	return Fill{
		Symbol:        e.String("symbol"),
		Side:          e.String("side"),
		OrderSide:     e.String("order_side"),
		ClientOrderID: e.String("client_id"),
		OrderID:       e.Int("order_id"),
		TradeID:       e.Int("trade_id"),
		Price:         e.Float("price"),
		Quantity:      e.Float("quantity"),
		RealizedPNL:   e.Float("realized_pnl"),
		Fee:           e.Float("fee"),
		FeeAsset:      e.String("fee_asset"),
		ReduceOnly:    reduce,
		Time:          e.Timestamp,
	}
}

// PublishStageChanged publishes a committed risk stage transition
func (eb *EventBus) PublishStageChanged(side string, from, to int, notional float64) {
	eb.Publish(Event{
		Type: EventStageChanged,
		Data: map[string]interface{}{
			"side":     side,
			"from":     from,
			"to":       to,
			"notional": notional,
		},
	})
}

// PublishStopMoved publishes a new standing stop price
func (eb *EventBus) PublishStopMoved(side string, oldStop, newStop float64) {
	eb.Publish(Event{
		Type: EventStopMoved,
		Data: map[string]interface{}{
			"side":     side,
			"old_stop": oldStop,
			"new_stop": newStop,
		},
	})
}

// PublishEmergencyExit publishes the outcome of a forced flatten
func (eb *EventBus) PublishEmergencyExit(side, reason string, closedQty, price float64, flat bool, attempts int) {
	eb.Publish(Event{
		Type: EventEmergencyExit,
		Data: map[string]interface{}{
			"side":       side,
			"reason":     reason,
			"closed_qty": closedQty,
			"price":      price,
			"flat":       flat,
			"attempts":   attempts,
		},
	})
}

// PublishConfigReloaded publishes an accepted strategy config version
func (eb *EventBus) PublishConfigReloaded(version int64, digest string) {
	eb.Publish(Event{
		Type: EventConfigReloaded,
		Data: map[string]interface{}{
			"version": version,
			"digest":  digest,
		},
	})
}

// PublishStreamState publishes a websocket connect/disconnect
func (eb *EventBus) PublishStreamState(stream string, connected bool) {
	eb.Publish(Event{
		Type: EventStreamState,
		Data: map[string]interface{}{
			"stream":    stream,
			"connected": connected,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
