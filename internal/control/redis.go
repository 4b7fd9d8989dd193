package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis key constants for instance control
const (
	// KeyControl is the pub/sub channel for commands to one instance
	KeyControl = "gridbot:control:%s"

	// KeyLeader holds the run id that owns an instance id
	KeyLeader = "gridbot:leader:%s"

	// LeaderTTL is the TTL of the leadership key
	LeaderTTL = 30 * time.Second

	// LeaderRefresh is how often the leadership key is extended
	LeaderRefresh = 5 * time.Second
)

// ErrNotLeader is returned when another process already runs the instance
var ErrNotLeader = errors.New("control: instance is owned by another process")

// Message is the pub/sub payload
type Message struct {
	Command   Command `json:"command"`
	From      string  `json:"from,omitempty"`
	Timestamp int64   `json:"timestamp"`
}

// Publish sends cmd to an instance's control channel
func Publish(ctx context.Context, client *redis.Client, instanceID string, cmd Command, from string) error {
	data, err := json.Marshal(Message{Command: cmd, From: from, Timestamp: time.Now().Unix()})
	if err != nil {
		return err
	}
	return client.Publish(ctx, fmt.Sprintf(KeyControl, instanceID), data).Err()
}

// RedisListener delivers commands published on the instance channel
type RedisListener struct {
	client   *redis.Client
	channel  string
	commands chan Command
	logger   zerolog.Logger
}

// NewRedisListener creates a listener for instanceID
func NewRedisListener(client *redis.Client, instanceID string, logger zerolog.Logger) *RedisListener {
	return &RedisListener{
		client:   client,
		channel:  fmt.Sprintf(KeyControl, instanceID),
		commands: make(chan Command, 4),
		logger:   logger.With().Str("component", "control").Logger(),
	}
}

// Commands returns the command channel
func (l *RedisListener) Commands() <-chan Command {
	return l.commands
}

// Run subscribes until ctx is cancelled
func (l *RedisListener) Run(ctx context.Context) error {
	pubsub := l.client.Subscribe(ctx, l.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("control: subscribe %s: %w", l.channel, err)
	}
	l.logger.Info().Str("channel", l.channel).Msg("Listening for control commands")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			cmd, err := decodeMessage(msg.Payload)
			if err != nil {
				l.logger.Warn().Err(err).Str("payload", msg.Payload).Msg("Ignoring control message")
				continue
			}
			select {
			case l.commands <- cmd:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// decodeMessage accepts a JSON Message or a bare command name
func decodeMessage(payload string) (Command, error) {
	var m Message
	if err := json.Unmarshal([]byte(payload), &m); err == nil && m.Command != "" {
		return ParseCommand(string(m.Command))
	}
	return ParseCommand(payload)
}

// Lock makes sure only one process trades an instance id. The key is
// claimed with SETNX and kept alive by a TTL heartbeat; a crashed owner
// releases it when the TTL lapses.
type Lock struct {
	client *redis.Client
	key    string
	owner  string
	logger zerolog.Logger
}

// NewLock creates a lock for instanceID held under owner (the run id)
func NewLock(client *redis.Client, instanceID, owner string, logger zerolog.Logger) *Lock {
	return &Lock{
		client: client,
		key:    fmt.Sprintf(KeyLeader, instanceID),
		owner:  owner,
		logger: logger.With().Str("component", "leader-lock").Logger(),
	}
}

// Acquire claims the key or returns ErrNotLeader
func (l *Lock) Acquire(ctx context.Context) error {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, LeaderTTL).Result()
	if err != nil {
		return fmt.Errorf("control: claim %s: %w", l.key, err)
	}
	if ok {
		l.logger.Info().Str("key", l.key).Msg("Leadership acquired")
		return nil
	}
	current, err := l.client.Get(ctx, l.key).Result()
	if err == nil && current == l.owner {
		return nil
	}
	return fmt.Errorf("%w (held by %s)", ErrNotLeader, current)
}

// Hold refreshes the TTL until ctx ends. Losing the key is returned as
// ErrNotLeader so the engine stops trading.
func (l *Lock) Hold(ctx context.Context) error {
	ticker := time.NewTicker(LeaderRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			current, err := l.client.Get(ctx, l.key).Result()
			switch {
			case errors.Is(err, redis.Nil):
				// expired while we were unreachable; reclaim
				if err := l.Acquire(ctx); err != nil {
					return err
				}
			case err != nil:
				l.logger.Warn().Err(err).Msg("Leadership refresh failed")
			case current != l.owner:
				return fmt.Errorf("%w (taken by %s)", ErrNotLeader, current)
			default:
				if err := l.client.Expire(ctx, l.key, LeaderTTL).Err(); err != nil {
					l.logger.Warn().Err(err).Msg("Leadership refresh failed")
				}
			}
		}
	}
}

// Release deletes the key if this process still owns it
func (l *Lock) Release(ctx context.Context) {
	current, err := l.client.Get(ctx, l.key).Result()
	if err != nil || current != l.owner {
		return
	}
	if err := l.client.Del(ctx, l.key).Err(); err != nil {
		l.logger.Warn().Err(err).Msg("Failed to release leadership")
		return
	}
	l.logger.Info().Str("key", l.key).Msg("Leadership released")
}
