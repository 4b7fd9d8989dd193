package strategy

import (
	"reflect"
	"strconv"
	"strings"
)

// keyAliases maps panel labels and legacy UPPER_SNAKE keys to canonical keys.
// Legacy keys whose lower-case form is already canonical are handled by lookup
// against the schema and need no entry here.
var keyAliases = map[string]string{
	"交易方向":     "direction",
	"方向":       "direction",
	"交易对":      "symbol",
	"分配资金":     "allocated_capital",
	"只做MAKER":  "maker_only",
	"只做Maker":  "maker_only",
	"基础网格间距":   "grid_spacing",
	"基础下单金额USDC": "order_notional",
	"基础下单金额USDT": "order_notional",
	"状态同步间隔秒":  "rest_sync_interval_sec",
	"首次下单等待秒":  "order_refresh_sec",
	"最小重挂间隔秒":  "grid_action_cooldown_sec",
	"风控最小评估间隔秒": "risk_eval_min_interval_sec",
	"硬止损后停止策略": "stop_on_hardstop",
	"硬止损价格":    "hard_stop_price",
	"止盈启用":     "take_profit_enabled",
	"止盈价格":     "take_profit_price",
	"启用移动止损":   "trailing_stop_enabled",
	"移动止损初始止损比例": "trailing_stop_base_ratio",
	"移动止损阶梯":   "trailing_stop_ladder",
	"移动止损回撤阶梯": "trailing_pullback_ladder",
	"订单ID前缀":   "client_id_prefix",
	"启用热加载":    "hot_reload_enabled",
	"热加载检查间隔秒": "config_watch_interval_sec",
	"热加载错误日志间隔秒": "config_error_log_interval_sec",
	"风险阶段":     "risk_stages",

	"ALLOCATED_CAPITAL_USDC":        "allocated_capital",
	"ALLOCATED_CAPITAL_USDT":        "allocated_capital",
	"BASE_GRID_SPACING":             "grid_spacing",
	"BASE_ORDER_SIZE_USDC":          "order_notional",
	"BASE_ORDER_SIZE_USDT":          "order_notional",
	"ORDER_FIRST_TIME_SEC":          "order_refresh_sec",
	"HARD_STOPLOSS_PRICE":           "hard_stop_price",
	"TRAILING_STOP_BASE_STOP_RATIO": "trailing_stop_base_ratio",
	"ORDER_CLIENT_ID_PREFIX":        "client_id_prefix",
}

// nestedAliases flattens the panel's grouped layout, e.g. {"止盈": {"价格": 2100}}.
var nestedAliases = map[string]map[string]string{
	"网格": {
		"方向":      "direction",
		"间距比例":    "grid_spacing",
		"每格金额":    "order_notional",
		"只做MAKER": "maker_only",
		"只做Maker": "maker_only",
	},
	"资金":  {"分配资金": "allocated_capital"},
	"同步":  {"状态同步间隔秒": "rest_sync_interval_sec", "最小重挂间隔秒": "grid_action_cooldown_sec"},
	"热加载": {"启用": "hot_reload_enabled", "检查间隔秒": "config_watch_interval_sec"},
	"硬止损": {"价格": "hard_stop_price"},
	"止盈":  {"启用": "take_profit_enabled", "价格": "take_profit_price"},
	"移动止损": {
		"启用":     "trailing_stop_enabled",
		"初始止损比例": "trailing_stop_base_ratio",
		"阶梯":     "trailing_stop_ladder",
		"回撤阶梯":   "trailing_pullback_ladder",
	},
	"挂单": {"启用": "pending_entry_enabled", "价格": "pending_entry_price", "金额": "pending_entry_notional"},
}

// ladderItemAliases applies to entries of both trailing ladders
var ladderItemAliases = map[string]string{
	"触发盈利比例": "trigger_ratio",
	"止损盈利比例": "stop_ratio",
	"回撤比例":   "pullback_ratio",
}

// schemaKinds maps each canonical json key to its Go kind, for value coercion.
var schemaKinds = func() map[string]reflect.Kind {
	out := make(map[string]reflect.Kind)
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		tag := strings.Split(t.Field(i).Tag.Get("json"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}
		out[tag] = t.Field(i).Type.Kind()
	}
	return out
}()

func canonicalKey(k string) (string, bool) {
	if v, ok := keyAliases[k]; ok {
		return v, true
	}
	lower := strings.ToLower(strings.TrimSpace(k))
	if _, ok := schemaKinds[lower]; ok {
		return lower, true
	}
	return "", false
}

// normalize turns a raw decoded document into a map keyed by canonical names.
// Nested groups are applied after top-level keys, so they win on conflict.
func normalize(raw map[string]any) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		if _, isGroup := nestedAliases[k]; isGroup {
			continue
		}
		if ck, ok := canonicalKey(k); ok {
			out[ck] = coerce(ck, v)
		}
	}
	for group, keys := range nestedAliases {
		sub, ok := raw[group].(map[string]any)
		if !ok {
			continue
		}
		for k, v := range sub {
			if ck, ok := keys[k]; ok {
				out[ck] = coerce(ck, v)
			}
		}
	}
	for _, key := range []string{"trailing_stop_ladder", "trailing_pullback_ladder"} {
		if items, ok := out[key].([]any); ok {
			out[key] = normalizeLadder(items)
		}
	}
	return out
}

func normalizeLadder(items []any) []any {
	out := make([]any, 0, len(items))
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		norm := make(map[string]any, len(m))
		for k, v := range m {
			if ck, ok := ladderItemAliases[k]; ok {
				k = ck
			}
			if s, ok := v.(string); ok {
				if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
					v = f
				}
			}
			norm[k] = v
		}
		out = append(out, norm)
	}
	return out
}

// coerce converts string-typed scalars from hand-edited files into the schema kind.
// Values that cannot be converted are passed through and fail at decode time.
func coerce(key string, v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	s = strings.TrimSpace(s)
	switch schemaKinds[key] {
	case reflect.Bool:
		if b, ok := parseBool(s); ok {
			return b
		}
	case reflect.Float64:
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	case reflect.Int:
		if f, err := strconv.ParseFloat(s, 64); err == nil && f == float64(int64(f)) {
			return int64(f)
		}
	}
	return v
}

func parseBool(s string) (bool, bool) {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "y", "on", "是":
		return true, true
	case "0", "false", "no", "n", "off", "否":
		return false, true
	}
	return false, false
}
