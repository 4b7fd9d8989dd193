package strategy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gridbot/internal/logging"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// ErrNotModified is returned by Reload when the file has not changed
var ErrNotModified = errors.New("strategy config not modified")

// Parse decodes a strategy document, merges it onto Defaults and validates it.
// format is "json" or "yaml".
func Parse(data []byte, format string) (*Config, error) {
	raw := make(map[string]any)
	switch format {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, &ValidationError{Msg: fmt.Sprintf("yaml: %v", err)}
		}
	default:
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, &ValidationError{Msg: fmt.Sprintf("json: %v", err)}
		}
	}

	merged, err := json.Marshal(normalize(raw))
	if err != nil {
		return nil, fmt.Errorf("re-encode strategy config: %w", err)
	}

	cfg := Defaults()
	if err := json.Unmarshal(merged, &cfg); err != nil {
		return nil, &ValidationError{Msg: err.Error()}
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func formatFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	}
	return "json"
}

// Store holds the active configuration. Each successful load yields a new
// snapshot with a higher Version; a failed load leaves the active one in place.
type Store struct {
	mu       sync.RWMutex
	path     string
	current  *Config
	version  int64
	modTime  time.Time
	digest   string
	lastErr  error
	override Side

	logger   zerolog.Logger
	throttle *logging.Throttled
}

// NewStore loads path once. The initial load must succeed.
func NewStore(path string, logger zerolog.Logger) (*Store, error) {
	s := &Store{
		path:     path,
		logger:   logger.With().Str("component", "strategy-config").Logger(),
		throttle: logging.NewThrottled(10 * time.Second),
	}
	if v, ok := ParseSide(os.Getenv("STRATEGY_DIRECTION")); ok {
		s.override = v
	}
	if err := s.load(true); err != nil {
		return nil, err
	}
	return s, nil
}

// NewStaticStore wraps an already-built config, mainly for tests and tools.
func NewStaticStore(cfg Config) *Store {
	cfg.Version = 1
	return &Store{
		current:  &cfg,
		version:  1,
		digest:   "static",
		logger:   zerolog.Nop(),
		throttle: logging.NewThrottled(10 * time.Second),
	}
}

// Current returns the active snapshot. Callers must not mutate it.
func (s *Store) Current() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Version returns the active config version
func (s *Store) Version() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Digest returns a short content hash of the active file
func (s *Store) Digest() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.digest
}

// Path returns the watched file path
func (s *Store) Path() string {
	return s.path
}

// LastError returns the most recent load error, nil after a successful load
func (s *Store) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Reload re-reads the file if its modification time advanced.
// Returns ErrNotModified when there is nothing to do.
func (s *Store) Reload() error {
	return s.load(false)
}

// ForceReload re-reads the file regardless of modification time
func (s *Store) ForceReload() error {
	return s.load(true)
}

func (s *Store) load(force bool) error {
	if s.path == "" {
		return ErrNotModified
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return s.fail(fmt.Errorf("stat strategy config: %w", err))
	}

	s.mu.RLock()
	unchanged := !force && s.current != nil && !info.ModTime().After(s.modTime)
	s.mu.RUnlock()
	if unchanged {
		return ErrNotModified
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return s.fail(fmt.Errorf("read strategy config: %w", err))
	}
	cfg, err := Parse(data, formatFor(s.path))
	if err != nil {
		// Record the mtime so an unchanged broken file is not re-parsed every tick.
		s.mu.Lock()
		if s.current != nil {
			s.modTime = info.ModTime()
		}
		s.mu.Unlock()
		return s.fail(err)
	}
	if s.override != "" {
		cfg.Direction = s.override
	}

	s.mu.Lock()
	s.version++
	cfg.Version = s.version
	s.current = cfg
	s.modTime = info.ModTime()
	s.digest = digestOf(data)
	s.lastErr = nil
	s.mu.Unlock()

	s.throttle.SetInterval(cfg.ConfigErrorLogInterval())
	s.logger.Info().
		Str("path", filepath.Base(s.path)).
		Int64("version", cfg.Version).
		Str("direction", string(cfg.Direction)).
		Int("stages", len(cfg.Stages())).
		Msg("Strategy config loaded")
	return nil
}

func (s *Store) fail(err error) error {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	s.throttle.Do("reload", err.Error(), func() {
		s.logger.Error().Err(err).Msg("Strategy config rejected, keeping previous version")
	})
	return err
}

// Watch polls the file until ctx is done and calls onChange after each
// successful reload. Polling honours hot_reload_enabled and the configured
// watch interval of the active snapshot.
func (s *Store) Watch(ctx context.Context, onChange func(*Config)) {
	for {
		cfg := s.Current()
		interval := time.Second
		if cfg != nil && cfg.ConfigWatchInterval() > 0 {
			interval = cfg.ConfigWatchInterval()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		if cfg != nil && !cfg.HotReloadEnabled {
			continue
		}
		if err := s.Reload(); err == nil && onChange != nil {
			onChange(s.Current())
		}
	}
}

func digestOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:6])
}
