package agent

import (
	"context"
	"time"

	xerrors "OpenTrade-Chain/internal/errors"
	"OpenTrade-Chain/internal/identity"
	"OpenTrade-Chain/internal/session"
	"OpenTrade-Chain/internal/token"
)

// 仓位与止盈止损的默认参数，请求未携带时生效。
const (
	defaultPositionSize = 0.1
	defaultStopLoss     = 0.05
	defaultTakeProfit   = 0.1
)

// Expert 是交易专家智能体：接收 trading_request，产出行情分析、
// 策略风险评估和按资产展开的建议清单。
type Expert struct {
	proto    *Protocol
	provider Provider
}

// NewExpert 构造交易专家。provider 为 nil 时使用内置静态数据源。
func NewExpert(did, signingKey string, registry *identity.Registry, tokens *token.Service, cache session.Cache, provider Provider) *Expert {
	if provider == nil {
		provider = StaticProvider{}
	}
	e := &Expert{
		proto:    NewProtocol(did, "ExpertTrader", "expert", signingKey, registry, tokens, cache),
		provider: provider,
	}
	e.proto.Handle(MessageTypeTradingRequest, e.analyze)
	return e
}

// DID 返回专家的规范化 DID。
func (e *Expert) DID() identity.DID { return e.proto.DID() }

// HandleMessage 执行共享握手并分发到交易分析。
func (e *Expert) HandleMessage(ctx context.Context, msg Message) Response {
	return e.proto.HandleMessage(ctx, msg)
}

// analyze 处理交易请求：按共享规则提取资产，调用行情分析和策略风险
// 评估，再把行情建议按资产展开。
func (e *Expert) analyze(ctx context.Context, msg Message, claims token.Claims) (*Result, error) {
	goals := claims.Object("goals")
	constraints := claims.Object("constraints")
	assets := ExtractAssets(map[string]any{"goals": goals})

	marketAnalysis, err := e.provider.Analyze(ctx, assets, "1d")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "行情分析失败")
	}

	strategy := map[string]any{
		"assets":        assets,
		"position_size": numberOr(goals, "position_size", defaultPositionSize),
		"stop_loss":     numberOr(constraints, "stop_loss", defaultStopLoss),
		"take_profit":   numberOr(constraints, "take_profit", defaultTakeProfit),
	}
	riskAssessment, err := e.provider.AssessRisk(ctx, strategy, map[string]any{})
	if err != nil {
		riskAssessment = map[string]any{"error": err.Error()}
	}

	recommendations := make([]map[string]any, 0)
	for _, asset := range assets {
		for _, rec := range stringSlice(marketAnalysis["recommendations"]) {
			recommendations = append(recommendations, map[string]any{
				"asset":          asset,
				"recommendation": rec,
			})
		}
	}

	payload := map[string]any{
		"assets":          assets,
		"market_analysis": marketAnalysis,
		"risk_assessment": riskAssessment,
		"recommendations": recommendations,
		"constraints_analysis": map[string]any{
			"constraints_satisfied": true,
			"violations":            []string{},
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	return &Result{Kind: ResultKindAnalysis, ResponseType: MessageTypeTradingAnalysis, Payload: payload}, nil
}
