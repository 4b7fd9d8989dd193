// Package notification sends operator alerts for emergency exits, breaker
// trips and engine stops to Telegram and Discord.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"gridbot/internal/events"

	"github.com/rs/zerolog"
)

const sendTimeout = 10 * time.Second

// NotificationType represents the type of notification
type NotificationType string

const (
	NotifyExit    NotificationType = "exit"
	NotifyCircuit NotificationType = "circuit"
	NotifyStopped NotificationType = "stopped"
	NotifyError   NotificationType = "error"
)

// Notification represents a notification message
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Instance  string
	Symbol    string
	Price     float64
	Critical  bool
	Timestamp time.Time
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(ctx context.Context, n *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans a notification out to every enabled provider
type Manager struct {
	notifiers []Notifier
	logger    zerolog.Logger
}

// NewManager creates a new notification manager
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{logger: logger.With().Str("component", "notification").Logger()}
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	if n.IsEnabled() {
		m.notifiers = append(m.notifiers, n)
	}
}

// Enabled reports whether any provider is configured
func (m *Manager) Enabled() bool {
	return len(m.notifiers) > 0
}

// Send sends a notification to all enabled providers and returns the last error
func (m *Manager) Send(ctx context.Context, n *Notification) error {
	var lastErr error
	for _, p := range m.notifiers {
		if err := p.Send(ctx, n); err != nil {
			m.logger.Warn().Err(err).Str("provider", p.Name()).Str("title", n.Title).Msg("Notification failed")
			lastErr = err
		}
	}
	return lastErr
}

// Subscribe turns bus events into alerts
func (m *Manager) Subscribe(bus *events.EventBus, instanceID, symbol string) {
	send := func(n *Notification) {
		n.Instance = instanceID
		n.Symbol = symbol
		if n.Timestamp.IsZero() {
			n.Timestamp = time.Now()
		}
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		m.Send(ctx, n)
	}

	bus.Subscribe(events.EventEmergencyExit, func(e events.Event) {
		send(ExitNotification(e))
	})
	bus.Subscribe(events.EventCircuitBreaker, func(e events.Event) {
		if e.String("action") != "tripped" {
			return
		}
		send(&Notification{
			Type:      NotifyCircuit,
			Title:     "Order placement halted",
			Message:   fmt.Sprintf("Circuit breaker tripped: %s", e.String("reason")),
			Critical:  true,
			Timestamp: e.Timestamp,
		})
	})
	bus.Subscribe(events.EventEngineStopped, func(e events.Event) {
		send(&Notification{
			Type:      NotifyStopped,
			Title:     "Engine stopped",
			Message:   fmt.Sprintf("Reason: %s, exit code %d", e.String("reason"), e.Int("code")),
			Critical:  e.Int("code") != 0,
			Timestamp: e.Timestamp,
		})
	})
}

// ExitNotification formats an emergency exit event
func ExitNotification(e events.Event) *Notification {
	flat, _ := e.Data["flat"].(bool)
	outcome := "position closed"
	if !flat {
		outcome = "POSITION STILL OPEN"
	}
	return &Notification{
		Type:  NotifyExit,
		Title: fmt.Sprintf("Emergency exit (%s)", e.String("reason")),
		Message: fmt.Sprintf("Side: %s\nClosed: %.6f @ %.4f\nAttempts: %d\nResult: %s",
			e.String("side"), e.Float("closed_qty"), e.Float("price"), e.Int("attempts"), outcome),
		Price:     e.Float("price"),
		Critical:  !flat,
		Timestamp: e.Timestamp,
	}
}

func postJSON(ctx context.Context, client *http.Client, url string, payload interface{}) (*http.Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return client.Do(req)
}

// =============================================================================
// TELEGRAM NOTIFIER
// =============================================================================

// TelegramNotifier sends notifications via Telegram
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	enabled  bool
	client   *http.Client
}

// TelegramConfig holds Telegram configuration
type TelegramConfig struct {
	BotToken string
	ChatID   string
	Enabled  bool
	BaseURL  string // defaults to https://api.telegram.org
}

// NewTelegramNotifier creates a new Telegram notifier
func NewTelegramNotifier(config TelegramConfig) *TelegramNotifier {
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	return &TelegramNotifier{
		botToken: config.BotToken,
		chatID:   config.ChatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		enabled:  config.Enabled && config.BotToken != "" && config.ChatID != "",
		client:   &http.Client{Timeout: sendTimeout},
	}
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

func (t *TelegramNotifier) Send(ctx context.Context, n *Notification) error {
	if !t.enabled {
		return nil
	}

	title := n.Title
	if n.Critical {
		title = "[CRITICAL] " + title
	}
	message := fmt.Sprintf("*%s*\n%s %s\n\n%s", title, n.Instance, n.Symbol, n.Message)

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       message,
		"parse_mode": "Markdown",
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	resp, err := postJSON(ctx, t.client, url, payload)
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

// =============================================================================
// DISCORD NOTIFIER
// =============================================================================

// DiscordNotifier sends notifications via Discord webhook
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

// DiscordConfig holds Discord configuration
type DiscordConfig struct {
	WebhookURL string
	Enabled    bool
}

// NewDiscordNotifier creates a new Discord notifier
func NewDiscordNotifier(config DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: config.WebhookURL,
		enabled:    config.Enabled && config.WebhookURL != "",
		client:     &http.Client{Timeout: sendTimeout},
	}
}

func (d *DiscordNotifier) Name() string {
	return "discord"
}

func (d *DiscordNotifier) IsEnabled() bool {
	return d.enabled
}

func (d *DiscordNotifier) Send(ctx context.Context, n *Notification) error {
	if !d.enabled {
		return nil
	}

	color := 0x00FF00 // Green
	if n.Critical {
		color = 0xFF0000 // Red
	} else if n.Type == NotifyExit || n.Type == NotifyCircuit {
		color = 0xFFA500
	}

	fields := []map[string]interface{}{
		{"name": "Instance", "value": n.Instance, "inline": true},
	}
	if n.Symbol != "" {
		fields = append(fields, map[string]interface{}{"name": "Symbol", "value": n.Symbol, "inline": true})
	}
	if n.Price > 0 {
		fields = append(fields, map[string]interface{}{
			"name": "Price", "value": fmt.Sprintf("%.4f", n.Price), "inline": true,
		})
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{{
			"title":       n.Title,
			"description": n.Message,
			"color":       color,
			"timestamp":   n.Timestamp.Format(time.RFC3339),
			"fields":      fields,
		}},
	}

	resp, err := postJSON(ctx, d.client, d.webhookURL, payload)
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}
	return nil
}
