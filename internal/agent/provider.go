package agent

import (
	"context"
	"time"
)

// Provider 是行情与风险数据的外部边界。真实接入（行情 API、风控模型）
// 实现这个接口即可替换内置的静态数据源。
type Provider interface {
	// Analyze 分析给定资产在某个时间窗口内的行情。
	Analyze(ctx context.Context, assets []string, timeframe string) (map[string]any, error)
	// AssessRisk 评估一个交易策略在给定市况下的风险。
	AssessRisk(ctx context.Context, strategy, marketConditions map[string]any) (map[string]any, error)
}

// StaticProvider 返回固定的演示数据，形状与真实数据源保持一致。
type StaticProvider struct{}

func (StaticProvider) Analyze(ctx context.Context, assets []string, timeframe string) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return map[string]any{
		"assets":     assets,
		"timeframe":  timeframe,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"trend":      "bullish",
		"volatility": "moderate",
		"volume":     "high",
		"recommendations": []string{
			"Consider long positions",
			"Watch for resistance levels",
			"Monitor volume trends",
		},
	}, nil
}

func (StaticProvider) AssessRisk(ctx context.Context, strategy, marketConditions map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return map[string]any{
		"strategy":          strategy,
		"market_conditions": marketConditions,
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
		"risk_metrics": map[string]any{
			"overall_risk":    0.35,
			"volatility_risk": 0.4,
			"liquidity_risk":  0.2,
			"market_risk":     0.3,
			"recommendations": []string{
				"Risk level is acceptable",
				"Consider position sizing",
				"Monitor market volatility",
			},
		},
	}, nil
}
