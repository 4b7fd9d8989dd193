// Package status builds the per-instance status artifact consumed by the
// external control panel and writes it to disk and, optionally, redis.
package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gridbot/internal/state"
)

// Engine states reported in Health.State
const (
	StateStarting = "starting"
	StateRunning  = "running"
	StatePaused   = "paused"
	StateHalted   = "halted"
	StateExiting  = "exiting"
	StateStopped  = "stopped"
)

// Payload is the status document
type Payload struct {
	InstanceID string    `json:"instance_id"`
	RunID      string    `json:"run_id"`
	Timestamp  time.Time `json:"ts"`
	Symbol     string    `json:"symbol"`
	Direction  string    `json:"direction"`
	DryRun     bool      `json:"dry_run"`

	Health     Health           `json:"health"`
	Config     ConfigInfo       `json:"config"`
	Accounting state.Accounting `json:"accounting"`
	Position   state.Position   `json:"position"`
	Counters   state.Counters   `json:"orders"`
	Risk       Risk             `json:"risk"`
	Market     Market           `json:"market"`
	Exit       *Exit            `json:"exit,omitempty"`
}

// Health summarises liveness of the engine and its feeds
type Health struct {
	State           string    `json:"state"`
	StreamReady     bool      `json:"stream_ready"`
	UserStream      bool      `json:"user_stream_connected"`
	Ticker          bool      `json:"ticker_connected"`
	CircuitState    string    `json:"circuit_state,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	LastErrorAt     time.Time `json:"last_error_at,omitempty"`
	LastUserEvent   time.Time `json:"last_ws_event,omitempty"`
	LastTick        time.Time `json:"last_ticker,omitempty"`
	LastResync      time.Time `json:"last_resync,omitempty"`
	LastOrderUpdate time.Time `json:"last_order_update,omitempty"`
}

type ConfigInfo struct {
	Path      string `json:"path,omitempty"`
	Version   int64  `json:"version"`
	Digest    string `json:"digest"`
	LastError string `json:"last_error,omitempty"`
}

// Risk is the exit and staging view of the active side
type Risk struct {
	Stage             int     `json:"stage"`
	StageCount        int     `json:"stage_count"`
	HardStopPrice     float64 `json:"hard_stop_price"`
	TrailingEnabled   bool    `json:"trailing_enabled"`
	StopPrice         float64 `json:"stop_price"`
	TakeProfitEnabled bool    `json:"take_profit_enabled"`
	TakeProfitPrice   float64 `json:"take_profit_price"`
}

type Market struct {
	Bid  float64 `json:"bid"`
	Ask  float64 `json:"ask"`
	Mark float64 `json:"mark"`
}

// Exit describes why the engine stopped
type Exit struct {
	Reason string    `json:"reason"`
	Code   int       `json:"code"`
	At     time.Time `json:"at"`
}

// Writer writes the payload to <dir>/<instance>.json
type Writer struct {
	path string
}

// NewWriter creates the status directory if needed
func NewWriter(dir, instanceID string) (*Writer, error) {
	if instanceID == "" {
		return nil, errors.New("status: empty instance id")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("status: create dir: %w", err)
	}
	return &Writer{path: filepath.Join(dir, instanceID+".json")}, nil
}

// Path returns the artifact location
func (w *Writer) Path() string {
	return w.path
}

// Write replaces the artifact atomically. Readers never see a partial file.
func (w *Writer) Write(p Payload) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("status: marshal: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(w.path), filepath.Base(w.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("status: temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("status: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("status: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("status: close: %w", err)
	}
	if err := os.Rename(tmpName, w.path); err != nil {
		return fmt.Errorf("status: rename: %w", err)
	}
	return nil
}

// Read loads a status artifact, used by the operator CLI
func Read(path string) (Payload, error) {
	var p Payload
	data, err := os.ReadFile(path)
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("status: parse %s: %w", path, err)
	}
	return p, nil
}
