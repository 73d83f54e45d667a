package agent

// defaultAssets 是无法从任何来源提取资产清单时的兜底。
var defaultAssets = []string{"BTC", "ETH"}

// ExtractAssets 是两个角色共用的资产清单提取规则，按以下优先级取第一个
// 命中的来源：
//
//  1. source.market_analysis.assets —— 行情分析结果里内嵌的资产清单；
//  2. source.assets —— 顶层资产清单；
//  3. source.goals.assets —— 交易目标里声明的资产清单；
//  4. 兜底 ["BTC", "ETH"]。
func ExtractAssets(source map[string]any) []string {
	if source == nil {
		return defaultAssets
	}
	if market, ok := source["market_analysis"].(map[string]any); ok {
		if assets := stringSlice(market["assets"]); len(assets) > 0 {
			return assets
		}
	}
	if assets := stringSlice(source["assets"]); len(assets) > 0 {
		return assets
	}
	if goals, ok := source["goals"].(map[string]any); ok {
		if assets := stringSlice(goals["assets"]); len(assets) > 0 {
			return assets
		}
	}
	return defaultAssets
}

// stringSlice 兼容 JSON 反序列化产生的 []any 和原生 []string。
func stringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// numberOr 从载荷里取一个数值字段，缺失或类型不符时返回默认值。
func numberOr(m map[string]any, key string, fallback float64) float64 {
	if m == nil {
		return fallback
	}
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return fallback
}
