package notification

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"gridbot/internal/events"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capture struct {
	mu     sync.Mutex
	paths  []string
	bodies []map[string]interface{}
}

func (c *capture) server(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]interface{}
		json.Unmarshal(raw, &body)
		c.mu.Lock()
		c.paths = append(c.paths, r.URL.Path)
		c.bodies = append(c.bodies, body)
		c.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func TestSubscribe_ExitAndBreakerAlerts(t *testing.T) {
	var tg, dc capture
	tgSrv := tg.server(t, http.StatusOK)
	dcSrv := dc.server(t, http.StatusNoContent)

	m := NewManager(zerolog.Nop())
	m.AddNotifier(NewTelegramNotifier(TelegramConfig{Enabled: true, BotToken: "tok", ChatID: "42", BaseURL: tgSrv.URL}))
	m.AddNotifier(NewDiscordNotifier(DiscordConfig{Enabled: true, WebhookURL: dcSrv.URL + "/hook"}))
	require.True(t, m.Enabled())

	bus := events.NewEventBus()
	m.Subscribe(bus, "eth-long", "ETHUSDT")

	bus.PublishEmergencyExit("long", "hard_stoploss", 0.1, 1895, false, 5)
	bus.Publish(events.Event{Type: events.EventCircuitBreaker, Data: map[string]interface{}{"action": "recovered"}})
	require.True(t, bus.Drain(5*time.Second))

	require.Equal(t, 1, tg.count())
	require.Equal(t, 1, dc.count())
	assert.Equal(t, "/bottok/sendMessage", tg.paths[0])
	assert.Equal(t, "42", tg.bodies[0]["chat_id"])
	assert.Contains(t, tg.bodies[0]["text"], "[CRITICAL] Emergency exit (hard_stoploss)")
	assert.Contains(t, tg.bodies[0]["text"], "POSITION STILL OPEN")

	embeds := dc.bodies[0]["embeds"].([]interface{})
	embed := embeds[0].(map[string]interface{})
	assert.Equal(t, float64(0xFF0000), embed["color"])

	bus.Publish(events.Event{Type: events.EventCircuitBreaker, Data: map[string]interface{}{"action": "tripped", "reason": "too many rejects"}})
	require.True(t, bus.Drain(5*time.Second))
	assert.Equal(t, 2, tg.count())
}

func TestDisabledNotifiersAreSkipped(t *testing.T) {
	m := NewManager(zerolog.Nop())
	m.AddNotifier(NewTelegramNotifier(TelegramConfig{Enabled: true}))
	m.AddNotifier(NewDiscordNotifier(DiscordConfig{Enabled: false, WebhookURL: "http://x"}))
	assert.False(t, m.Enabled())
}

func TestSendReportsProviderError(t *testing.T) {
	var tg capture
	srv := tg.server(t, http.StatusBadRequest)
	n := NewTelegramNotifier(TelegramConfig{Enabled: true, BotToken: "t", ChatID: "1", BaseURL: srv.URL})

	m := NewManager(zerolog.Nop())
	m.AddNotifier(n)
	err := m.Send(context.Background(), &Notification{Title: "x"})
	assert.Error(t, err)
}

func TestExitNotification(t *testing.T) {
	e := events.Event{Data: map[string]interface{}{
		"side": "short", "reason": "take_profit", "closed_qty": 0.5, "price": 2100.0, "flat": true, "attempts": 1,
	}}
	n := ExitNotification(e)
	assert.False(t, n.Critical)
	assert.Equal(t, "Emergency exit (take_profit)", n.Title)
	assert.Contains(t, n.Message, "position closed")
	assert.InDelta(t, 2100, n.Price, 1e-9)
}
