package agent

import (
	"context"
	"time"

	xerrors "OpenTrade-Chain/internal/errors"
	"OpenTrade-Chain/internal/identity"
	"OpenTrade-Chain/internal/session"
	"OpenTrade-Chain/internal/token"
)

// DefaultMaxRiskLevel 是风险总分的默认告警阈值。
const DefaultMaxRiskLevel = 0.7

// Risk 是风险评估智能体：接收 risk_evaluation_request，基于专家分析
// 计算风险指标、总分和管理建议。数据源失败时退回内置的保守评估，
// 结果保留但按降级上报。
type Risk struct {
	proto        *Protocol
	provider     Provider
	maxRiskLevel float64
}

// NewRisk 构造风险评估智能体。provider 为 nil 时使用内置静态数据源，
// maxRiskLevel 传 0 时使用默认阈值。
func NewRisk(did, signingKey string, registry *identity.Registry, tokens *token.Service, cache session.Cache, provider Provider, maxRiskLevel float64) *Risk {
	if provider == nil {
		provider = StaticProvider{}
	}
	if maxRiskLevel <= 0 {
		maxRiskLevel = DefaultMaxRiskLevel
	}
	r := &Risk{
		proto:        NewProtocol(did, "RiskEvaluator", "risk", signingKey, registry, tokens, cache),
		provider:     provider,
		maxRiskLevel: maxRiskLevel,
	}
	r.proto.Handle(MessageTypeRiskEvaluation, r.evaluate)
	return r
}

// DID 返回风险智能体的规范化 DID。
func (r *Risk) DID() identity.DID { return r.proto.DID() }

// HandleMessage 执行共享握手并分发到风险评估。
func (r *Risk) HandleMessage(ctx context.Context, msg Message) Response {
	return r.proto.HandleMessage(ctx, msg)
}

// evaluate 处理风险评估请求。数据源失败不丢弃本次评估：返回兜底
// 评估载荷，同时带回错误，让握手层按降级完成上报。
func (r *Risk) evaluate(ctx context.Context, msg Message, claims token.Claims) (*Result, error) {
	tradingAnalysis := claims.Object("trading_analysis")
	marketConditions := claims.Object("market_conditions")
	assets := ExtractAssets(tradingAnalysis)

	strategy := map[string]any{
		"assets":        assets,
		"position_size": defaultPositionSize,
		"stop_loss":     defaultStopLoss,
		"take_profit":   defaultTakeProfit,
	}

	assessment, err := r.provider.AssessRisk(ctx, strategy, marketConditions)
	if err != nil {
		fallback := r.fallbackEvaluation(strategy, err)
		return &Result{Kind: ResultKindEvaluation, ResponseType: MessageTypeRiskResult, Payload: fallback},
			xerrors.Wrap(xerrors.CodeDegradedResult, err, "风险评估数据源失败，使用兜底评估")
	}

	metrics := r.riskMetrics(tradingAnalysis, marketConditions)
	score := r.riskScore(metrics)
	payload := map[string]any{
		"assets":          assets,
		"risk_assessment": assessment,
		"risk_metrics":    metrics,
		"risk_score":      score,
		"recommendations": r.recommendations(metrics, score),
		"strategy_used":   strategy,
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	}
	return &Result{Kind: ResultKindEvaluation, ResponseType: MessageTypeRiskResult, Payload: payload}, nil
}

// fallbackEvaluation 是数据源不可用时的保守评估。
func (r *Risk) fallbackEvaluation(strategy map[string]any, cause error) map[string]any {
	return map[string]any{
		"risk_assessment": map[string]any{
			"error":             cause.Error(),
			"fallback_analysis": "风险评估数据源不可用，使用默认保守值",
		},
		"strategy_used": strategy,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	}
}

// riskMetrics 计算各项风险指标。
func (r *Risk) riskMetrics(tradingAnalysis, marketConditions map[string]any) map[string]float64 {
	return map[string]float64{
		"volatility":     0.2,
		"market_risk":    0.3,
		"liquidity_risk": 0.1,
		"credit_risk":    0.15,
	}
}

// riskScore 对各项指标加权求和，归一化到 [0, 1]。
func (r *Risk) riskScore(metrics map[string]float64) float64 {
	weights := map[string]float64{
		"volatility":     0.3,
		"market_risk":    0.3,
		"liquidity_risk": 0.2,
		"credit_risk":    0.2,
	}
	var score float64
	for k, w := range weights {
		score += metrics[k] * w
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// recommendations 根据指标和总分生成风险管理建议。
func (r *Risk) recommendations(metrics map[string]float64, score float64) []string {
	recs := make([]string, 0)
	if score > r.maxRiskLevel {
		recs = append(recs, "风险总分超过最大阈值")
	}
	if metrics["volatility"] > 0.3 {
		recs = append(recs, "波动率偏高，考虑对冲")
	}
	if metrics["liquidity_risk"] > 0.2 {
		recs = append(recs, "流动性风险偏高，确认市场深度")
	}
	return recs
}
