package strategy

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ValidationError reports a rejected configuration value
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid strategy config: " + e.Msg
	}
	return fmt.Sprintf("invalid strategy config: %s %s", e.Field, e.Msg)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

var prefixPattern = regexp.MustCompile(`^[A-Za-z0-9]{1,8}$`)

// Validate checks c and normalises it in place (direction aliases, ladder
// ordering, stop ratios at or above their trigger).
func Validate(c *Config) error {
	side, ok := ParseSide(string(c.Direction))
	if !ok {
		return invalid("direction", "must be long or short, got %q", c.Direction)
	}
	c.Direction = side

	c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
	if c.Symbol == "" {
		return invalid("symbol", "is required")
	}
	c.QuoteAsset = strings.ToUpper(strings.TrimSpace(c.QuoteAsset))

	if c.AllocatedCapital < 0 {
		return invalid("allocated_capital", "must be >= 0")
	}
	if c.GridSpacing <= 0 {
		return invalid("grid_spacing", "must be > 0")
	}
	if c.OrderNotional <= 0 {
		return invalid("order_notional", "must be > 0")
	}

	if err := validateStages(c); err != nil {
		return err
	}
	if c.StageConfirmations < 1 {
		return invalid("stage_confirmations", "must be >= 1")
	}
	if c.StageCooldownSec < 0 {
		return invalid("stage_cooldown_sec", "must be >= 0")
	}

	if c.HardStopPrice < 0 {
		return invalid("hard_stop_price", "must be >= 0")
	}
	if c.TakeProfitPrice < 0 {
		return invalid("take_profit_price", "must be >= 0")
	}
	if c.TakeProfitEnabled && c.TakeProfitPrice <= 0 {
		return invalid("take_profit_price", "must be > 0 when take profit is enabled")
	}
	if c.TrailingStopBaseRatio < 0 || c.TrailingStopBaseRatio >= 1 {
		return invalid("trailing_stop_base_ratio", "must be in [0, 1)")
	}
	c.TrailingStopLadder = normalizeStopLadder(c.TrailingStopLadder)
	ladder, err := normalizePullbackLadder(c.TrailingPullbackLadder)
	if err != nil {
		return err
	}
	c.TrailingPullbackLadder = ladder

	if c.PendingEntryPrice < 0 || c.PendingEntryNotional < 0 {
		return invalid("pending_entry_price", "must be >= 0")
	}
	if c.PendingEntryEnabled && c.PendingEntryPrice <= 0 {
		return invalid("pending_entry_price", "must be > 0 when pending entry is enabled")
	}

	c.ClientIDPrefix = strings.TrimSpace(c.ClientIDPrefix)
	if !prefixPattern.MatchString(c.ClientIDPrefix) {
		return invalid("client_id_prefix", "must be 1-8 alphanumeric characters")
	}

	if c.RestSyncIntervalSec <= 0 {
		return invalid("rest_sync_interval_sec", "must be > 0")
	}
	if c.OrderRefreshSec < 0 {
		return invalid("order_refresh_sec", "must be >= 0")
	}
	if c.GridActionCooldownSec < 0 {
		return invalid("grid_action_cooldown_sec", "must be >= 0")
	}
	if c.PostOnlyRejectCooldownSec < 0 {
		return invalid("post_only_reject_cooldown_sec", "must be >= 0")
	}
	if c.RiskEvalMinIntervalSec < 0 {
		return invalid("risk_eval_min_interval_sec", "must be >= 0")
	}
	if c.OpenOrdersCacheTTLSec <= 0 || c.OpenOrdersCacheTTLSec > 1 {
		return invalid("open_orders_cache_ttl_sec", "must be in (0, 1]")
	}
	if c.ConfigWatchIntervalSec <= 0 {
		return invalid("config_watch_interval_sec", "must be > 0")
	}
	if c.ConfigErrorLogIntervalSec <= 0 {
		c.ConfigErrorLogIntervalSec = 10
	}
	if c.StatusIntervalSec <= 0 {
		return invalid("status_interval_sec", "must be > 0")
	}

	if c.Leverage < 1 || c.Leverage > 125 {
		return invalid("leverage", "must be between 1 and 125")
	}
	c.MarginType = strings.ToUpper(strings.TrimSpace(c.MarginType))
	if c.MarginType != "CROSSED" && c.MarginType != "ISOLATED" {
		return invalid("margin_type", "must be CROSSED or ISOLATED")
	}
	if c.TradeIDMemory < 100 {
		return invalid("trade_id_memory", "must be >= 100")
	}
	if c.ExitConfirmAttempts < 1 {
		return invalid("exit_confirm_attempts", "must be >= 1")
	}
	return nil
}

func validateStages(c *Config) error {
	stages := c.Stages()
	for i, st := range stages {
		field := fmt.Sprintf("risk_stages[%d]", i)
		if st.AddSpacing <= 0 || st.TPSpacing <= 0 {
			return invalid(field, "spacing must be > 0")
		}
		if st.AddNotional <= 0 || st.TPNotional <= 0 {
			return invalid(field, "notional must be > 0")
		}
		if i == 0 {
			continue
		}
		if st.EnterNotional <= 0 {
			return invalid(field, "enter_notional must be > 0")
		}
		if st.ExitNotional < 0 {
			return invalid(field, "exit_notional must be >= 0")
		}
		if st.ExitNotional >= st.EnterNotional {
			return invalid(field, "exit_notional (%g) must be below enter_notional (%g)", st.ExitNotional, st.EnterNotional)
		}
		if i > 1 && st.EnterNotional <= stages[i-1].EnterNotional {
			return invalid(field, "enter_notional must be strictly ascending")
		}
	}
	return nil
}

func normalizeStopLadder(in []StopLadderStep) []StopLadderStep {
	out := make([]StopLadderStep, 0, len(in))
	for _, step := range in {
		if step.TriggerRatio <= 0 || step.StopRatio < 0 {
			continue
		}
		if step.StopRatio >= step.TriggerRatio {
			step.StopRatio = step.TriggerRatio * 0.95
		}
		out = append(out, step)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TriggerRatio < out[j].TriggerRatio })
	return out
}

func normalizePullbackLadder(in []PullbackStep) ([]PullbackStep, error) {
	out := make([]PullbackStep, 0, len(in))
	for i, step := range in {
		if step.TriggerRatio < 0 {
			return nil, invalid(fmt.Sprintf("trailing_pullback_ladder[%d]", i), "trigger_ratio must be >= 0")
		}
		if step.PullbackRatio <= 0 || step.PullbackRatio >= 1 {
			return nil, invalid(fmt.Sprintf("trailing_pullback_ladder[%d]", i), "pullback_ratio must be in (0, 1)")
		}
		out = append(out, step)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TriggerRatio < out[j].TriggerRatio })
	return out, nil
}
