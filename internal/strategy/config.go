// Package strategy holds the hot-reloadable grid strategy configuration:
// typed schema, alias normalisation, defaults, validation and the versioned store.
package strategy

import (
	"strings"
	"time"
)

// Side is the active grid direction
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Opposite returns the other side
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// Char is the single-letter side tag used in client order ids
func (s Side) Char() string {
	if s == SideShort {
		return "S"
	}
	return "L"
}

// ParseSide normalises direction aliases. ok is false for unknown values.
func ParseSide(v string) (Side, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "long", "l", "buy", "做多", "多":
		return SideLong, true
	case "short", "s", "sell", "做空", "空":
		return SideShort, true
	}
	return "", false
}

// Stage is one row of the risk stage table. Stage 0 is the base stage; its
// thresholds are ignored.
type Stage struct {
	EnterNotional float64 `json:"enter_notional" yaml:"enter_notional"`
	ExitNotional  float64 `json:"exit_notional" yaml:"exit_notional"`
	AddSpacing    float64 `json:"add_spacing" yaml:"add_spacing"`
	AddNotional   float64 `json:"add_notional" yaml:"add_notional"`
	TPSpacing     float64 `json:"tp_spacing" yaml:"tp_spacing"`
	TPNotional    float64 `json:"tp_notional" yaml:"tp_notional"`
}

// StopLadderStep moves the stop to entry*(1±StopRatio) once profit reaches TriggerRatio
type StopLadderStep struct {
	TriggerRatio float64 `json:"trigger_ratio" yaml:"trigger_ratio"`
	StopRatio    float64 `json:"stop_ratio" yaml:"stop_ratio"`
}

// PullbackStep allows PullbackRatio retracement from the peak once profit reaches TriggerRatio
type PullbackStep struct {
	TriggerRatio  float64 `json:"trigger_ratio" yaml:"trigger_ratio"`
	PullbackRatio float64 `json:"pullback_ratio" yaml:"pullback_ratio"`
}

// Config is an immutable snapshot of the strategy tunables.
type Config struct {
	Direction        Side    `json:"direction"`
	Symbol           string  `json:"symbol"`
	QuoteAsset       string  `json:"quote_asset"`
	AllocatedCapital float64 `json:"allocated_capital"`

	GridSpacing   float64 `json:"grid_spacing"`
	OrderNotional float64 `json:"order_notional"`

	RiskStages         []Stage `json:"risk_stages"`
	StageConfirmations int     `json:"stage_confirmations"`
	StageCooldownSec   float64 `json:"stage_cooldown_sec"`

	MakerOnly bool `json:"maker_only"`

	HardStopPrice     float64 `json:"hard_stop_price"`
	StopOnHardStop    bool    `json:"stop_on_hardstop"`
	TakeProfitEnabled bool    `json:"take_profit_enabled"`
	TakeProfitPrice   float64 `json:"take_profit_price"`

	TrailingStopEnabled    bool             `json:"trailing_stop_enabled"`
	TrailingStopBaseRatio  float64          `json:"trailing_stop_base_ratio"`
	TrailingStopLadder     []StopLadderStep `json:"trailing_stop_ladder"`
	TrailingPullbackLadder []PullbackStep   `json:"trailing_pullback_ladder"`

	PendingEntryEnabled  bool    `json:"pending_entry_enabled"`
	PendingEntryPrice    float64 `json:"pending_entry_price"`
	PendingEntryNotional float64 `json:"pending_entry_notional"`

	ClientIDPrefix string `json:"client_id_prefix"`

	RestSyncIntervalSec       float64 `json:"rest_sync_interval_sec"`
	OrderRefreshSec           float64 `json:"order_refresh_sec"`
	GridActionCooldownSec     float64 `json:"grid_action_cooldown_sec"`
	PostOnlyRejectCooldownSec float64 `json:"post_only_reject_cooldown_sec"`
	RiskEvalMinIntervalSec    float64 `json:"risk_eval_min_interval_sec"`
	OpenOrdersCacheTTLSec     float64 `json:"open_orders_cache_ttl_sec"`

	HotReloadEnabled          bool    `json:"hot_reload_enabled"`
	ConfigWatchIntervalSec    float64 `json:"config_watch_interval_sec"`
	ConfigErrorLogIntervalSec float64 `json:"config_error_log_interval_sec"`
	StatusIntervalSec         float64 `json:"status_interval_sec"`

	Leverage   int    `json:"leverage"`
	MarginType string `json:"margin_type"`

	TradeIDMemory       int `json:"trade_id_memory"`
	ExitConfirmAttempts int `json:"exit_confirm_attempts"`

	// Version is assigned by the Store on each successful load.
	Version int64 `json:"-"`
}

// Defaults returns the baseline configuration every file is merged onto
func Defaults() Config {
	return Config{
		Direction:                 SideLong,
		Symbol:                    "ETHUSDT",
		QuoteAsset:                "USDT",
		GridSpacing:               0.0025,
		OrderNotional:             40,
		StageConfirmations:        2,
		StageCooldownSec:          30,
		StopOnHardStop:            true,
		ClientIDPrefix:            "AF",
		RestSyncIntervalSec:       10,
		OrderRefreshSec:           10,
		GridActionCooldownSec:     1.2,
		PostOnlyRejectCooldownSec: 3,
		RiskEvalMinIntervalSec:    0.8,
		OpenOrdersCacheTTLSec:     1,
		HotReloadEnabled:          true,
		ConfigWatchIntervalSec:    1,
		ConfigErrorLogIntervalSec: 10,
		StatusIntervalSec:         1,
		Leverage:                  5,
		MarginType:                "CROSSED",
		TradeIDMemory:             5000,
		ExitConfirmAttempts:       3,
	}
}

// Stages returns the full stage table with the base stage at index 0.
// Without configured stages the table has exactly one row, which makes the
// engine non-staged.
func (c *Config) Stages() []Stage {
	base := Stage{
		AddSpacing:  c.GridSpacing,
		AddNotional: c.OrderNotional,
		TPSpacing:   c.GridSpacing,
		TPNotional:  c.OrderNotional,
	}
	if len(c.RiskStages) == 0 {
		return []Stage{base}
	}
	if c.RiskStages[0].EnterNotional <= 0 {
		out := make([]Stage, len(c.RiskStages))
		copy(out, c.RiskStages)
		return out
	}
	out := make([]Stage, 0, len(c.RiskStages)+1)
	out = append(out, base)
	return append(out, c.RiskStages...)
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func (c *Config) RestSyncInterval() time.Duration       { return seconds(c.RestSyncIntervalSec) }
func (c *Config) OrderRefresh() time.Duration           { return seconds(c.OrderRefreshSec) }
func (c *Config) GridActionCooldown() time.Duration     { return seconds(c.GridActionCooldownSec) }
func (c *Config) PostOnlyRejectCooldown() time.Duration { return seconds(c.PostOnlyRejectCooldownSec) }
func (c *Config) RiskEvalMinInterval() time.Duration    { return seconds(c.RiskEvalMinIntervalSec) }
func (c *Config) OpenOrdersCacheTTL() time.Duration     { return seconds(c.OpenOrdersCacheTTLSec) }
func (c *Config) ConfigWatchInterval() time.Duration    { return seconds(c.ConfigWatchIntervalSec) }
func (c *Config) ConfigErrorLogInterval() time.Duration { return seconds(c.ConfigErrorLogIntervalSec) }
func (c *Config) StatusInterval() time.Duration         { return seconds(c.StatusIntervalSec) }
func (c *Config) StageCooldown() time.Duration          { return seconds(c.StageCooldownSec) }
