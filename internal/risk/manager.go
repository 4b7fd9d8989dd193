package risk

import (
	"fmt"

	"gridbot/internal/strategy"
)

// Config holds the exit thresholds the manager enforces
type Config struct {
	HardStopPrice     float64
	TakeProfitEnabled bool
	TakeProfitPrice   float64
}

// ConfigFrom extracts exit thresholds from a strategy snapshot
func ConfigFrom(cfg *strategy.Config) Config {
	return Config{
		HardStopPrice:     cfg.HardStopPrice,
		TakeProfitEnabled: cfg.TakeProfitEnabled,
		TakeProfitPrice:   cfg.TakeProfitPrice,
	}
}

// RiskManager bundles per-side stage calculators, the trailing stop manager
// and the absolute exit thresholds. It has no lock of its own; the engine
// serialises all calls.
type RiskManager struct {
	config   Config
	stages   map[strategy.Side]*StageCalculator
	Trailing *TrailingStopManager
}

// NewRiskManager creates a risk manager from a strategy snapshot
func NewRiskManager(cfg *strategy.Config) *RiskManager {
	rm := &RiskManager{
		stages:   make(map[strategy.Side]*StageCalculator, 2),
		Trailing: NewTrailingStopManager(TrailingConfigFrom(cfg)),
	}
	for _, side := range []strategy.Side{strategy.SideLong, strategy.SideShort} {
		rm.stages[side] = NewStageCalculator(cfg.Stages(), cfg.StageConfirmations, cfg.StageCooldown())
	}
	rm.config = ConfigFrom(cfg)
	return rm
}

// Apply swaps in a reloaded strategy snapshot without resetting state
func (rm *RiskManager) Apply(cfg *strategy.Config) {
	rm.config = ConfigFrom(cfg)
	rm.Trailing.SetConfig(TrailingConfigFrom(cfg))
	for _, calc := range rm.stages {
		calc.Configure(cfg.Stages(), cfg.StageConfirmations, cfg.StageCooldown())
	}
}

// Stage returns the stage calculator of a side
func (rm *RiskManager) Stage(side strategy.Side) *StageCalculator {
	return rm.stages[side]
}

// ResetSide clears stage and trailing anchor, called on the transition to flat
func (rm *RiskManager) ResetSide(side strategy.Side) {
	rm.stages[side].Reset()
	rm.Trailing.Reset(side)
}

// HardStopBreached checks the mark price against the absolute stop
func (rm *RiskManager) HardStopBreached(side strategy.Side, mark float64) bool {
	hs := rm.config.HardStopPrice
	if hs <= 0 || mark <= 0 {
		return false
	}
	if side == strategy.SideShort {
		return mark >= hs
	}
	return mark <= hs
}

// TakeProfitHit checks the executable book side against the take-profit price.
// Long sells into the bid, short buys from the ask.
func (rm *RiskManager) TakeProfitHit(side strategy.Side, bid, ask float64) bool {
	if !rm.config.TakeProfitEnabled || rm.config.TakeProfitPrice <= 0 {
		return false
	}
	tp := rm.config.TakeProfitPrice
	if side == strategy.SideShort {
		return ask > 0 && ask <= tp
	}
	return bid > 0 && bid >= tp
}

// Describe renders the thresholds for log lines
func (rm *RiskManager) Describe(side strategy.Side) string {
	return fmt.Sprintf("side=%s stage=%d/%d hard_stop=%.4f tp=%v@%.4f",
		side, rm.stages[side].Current(), rm.stages[side].StageCount()-1,
		rm.config.HardStopPrice, rm.config.TakeProfitEnabled, rm.config.TakeProfitPrice)
}

// HardStopPrice returns the configured absolute stop, 0 when unset
func (rm *RiskManager) HardStopPrice() float64 {
	return rm.config.HardStopPrice
}
