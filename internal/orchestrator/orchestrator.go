// Package orchestrator 驱动一次交易请求的固定流水线：验证人类请求方，
// 依次调用交易专家和风险评估智能体，容忍降级结果，汇总最终结论。
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"OpenTrade-Chain/internal/agent"
	"OpenTrade-Chain/internal/agentreg"
	xerrors "OpenTrade-Chain/internal/errors"
	"OpenTrade-Chain/internal/identity"
	"OpenTrade-Chain/internal/reputation"
	"OpenTrade-Chain/internal/session"
	"OpenTrade-Chain/internal/token"
	"OpenTrade-Chain/pkg/logger"
)

// 最终结果状态。
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Request 是一次交易请求的入参。
type Request struct {
	Goals          map[string]any `json:"goals"`
	Constraints    map[string]any `json:"constraints"`
	ExpertAgentDID string         `json:"expert_agent_did"`
	RiskAgentDID   string         `json:"risk_agent_did"`
}

// Verification 是人类请求方的身份凭证。
type Verification struct {
	DID string `json:"did"`
	JWT string `json:"jwt"`
}

// AnalysisResults 汇总两个阶段的产出。
type AnalysisResults struct {
	ExpertAnalysis map[string]any `json:"expert_analysis"`
	RiskEvaluation map[string]any `json:"risk_evaluation"`
	Timestamp      string         `json:"timestamp"`
}

// FinalResult 是编排的统一出参。失败时 Result 携带已完成的部分结果，
// 不会静默丢弃。
type FinalResult struct {
	Status    string           `json:"status"`
	Message   string           `json:"message,omitempty"`
	SessionID string           `json:"session_id,omitempty"`
	Result    *AnalysisResults `json:"result,omitempty"`
	Timestamp string           `json:"timestamp"`
}

// MessageHandler 是编排方对下游智能体的全部认知。
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg agent.Message) agent.Response
}

// Option 调整编排器的可选依赖。
type Option func(*Orchestrator)

// WithAgentRegistry 启用通信许可与信任边检查。
func WithAgentRegistry(reg *agentreg.Registry) Option {
	return func(o *Orchestrator) { o.agents = reg }
}

// WithOutcomeProducer 启用交互结果投递，用于异步信誉更新。
func WithOutcomeProducer(producer reputation.Producer) Option {
	return func(o *Orchestrator) { o.outcomes = producer }
}

// WithProvider 指定懒构造智能体使用的数据源。
func WithProvider(provider agent.Provider) Option {
	return func(o *Orchestrator) { o.provider = provider }
}

// WithSessionCacheFactory 指定懒构造智能体的会话缓存来源。
// 每个智能体持有自己的验证状态存储。
func WithSessionCacheFactory(factory func() session.Cache) Option {
	return func(o *Orchestrator) { o.cacheFactory = factory }
}

// WithMaxRiskLevel 设置懒构造风险智能体的告警阈值。
func WithMaxRiskLevel(level float64) Option {
	return func(o *Orchestrator) { o.maxRiskLevel = level }
}

// WithHandler 预注册一个智能体实例，跳过懒构造。
func WithHandler(did string, handler MessageHandler) Option {
	return func(o *Orchestrator) { o.handlers[identity.Normalize(did)] = handler }
}

// Orchestrator 持有一次 ask 的信任根身份，按 DID 懒构造并缓存下游
// 智能体实例。
type Orchestrator struct {
	did        identity.DID
	signingKey string
	registry   *identity.Registry
	tokens     *token.Service
	sessions   *SessionStore

	agents       *agentreg.Registry
	outcomes     reputation.Producer
	provider     agent.Provider
	cacheFactory func() session.Cache
	maxRiskLevel float64

	mu       sync.Mutex
	handlers map[identity.DID]MessageHandler

	log *slog.Logger
}

// New 构造编排器。did 与 signingKey 是编排方自身的信任根身份。
func New(did, signingKey string, registry *identity.Registry, tokens *token.Service, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		did:        identity.Normalize(did),
		signingKey: signingKey,
		registry:   registry,
		tokens:     tokens,
		sessions:   NewSessionStore(),
		handlers:   make(map[identity.DID]MessageHandler),
		log:        logger.Named("orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.cacheFactory == nil {
		o.cacheFactory = func() session.Cache { return session.NewMemoryCache(session.DefaultTTL) }
	}
	return o
}

// DID 返回编排方的规范化 DID。
func (o *Orchestrator) DID() identity.DID { return o.did }

// ProcessTradingRequest 执行完整流水线。所有失败都折叠成结构化结果，
// 已完成的部分产出随错误结果一并返回。
func (o *Orchestrator) ProcessTradingRequest(ctx context.Context, req Request, verification Verification) *FinalResult {
	sessionID := uuid.NewString()
	o.log.Info("开始处理交易请求", "session_id", sessionID, "human_did", verification.DID)

	if verification.DID == "" || verification.JWT == "" {
		return errorResult(sessionID, "缺少请求方 DID 或令牌", nil)
	}
	humanDID := identity.Normalize(verification.DID)

	// 编排方是信任根，人类令牌直接走令牌服务验证，不经过握手内核。
	humanKey, err := o.registry.Get(ctx, verification.DID)
	if err != nil {
		logger.Audit().Warn("请求方身份验证被拒绝", "session_id", sessionID, "did", humanDID, "reason", "registry miss")
		return errorResult(sessionID, "身份注册表中不存在请求方: "+string(humanDID), nil)
	}
	if _, err := o.tokens.Verify(verification.JWT, string(humanDID), humanKey); err != nil {
		logger.Audit().Warn("请求方令牌验证失败", "session_id", sessionID, "did", humanDID, "err", err)
		return errorResult(sessionID, "请求方验证失败: "+err.Error(), nil)
	}

	sess := &Session{ID: sessionID, HumanDID: humanDID, Request: req}
	if err := o.sessions.Create(sess); err != nil {
		return errorResult(sessionID, err.Error(), nil)
	}

	// 专家阶段。
	if req.ExpertAgentDID == "" {
		o.sessions.Fail(sessionID, nil)
		return errorResult(sessionID, "未指定专家智能体 DID", nil)
	}
	expertDID := identity.Normalize(req.ExpertAgentDID)
	if denied := o.checkTrust(expertDID); denied != nil {
		o.sessions.Fail(sessionID, nil)
		return errorResult(sessionID, denied.Error(), nil)
	}
	expert, err := o.handlerFor(ctx, expertDID, agentreg.RoleExpert)
	if err != nil {
		o.sessions.Fail(sessionID, nil)
		return errorResult(sessionID, err.Error(), nil)
	}

	expertResp := o.invoke(ctx, sessionID, expert, expertDID, agent.MessageTypeTradingRequest, map[string]any{
		"goals":       req.Goals,
		"constraints": req.Constraints,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"ask_id":      sessionID,
	})
	if expertResp.Status != agent.StatusSuccess {
		o.sessions.SetAgentStatus(sessionID, string(expertDID), StatusError)
		o.sessions.Fail(sessionID, nil)
		o.publishOutcome(ctx, sessionID, expertDID, false)
		return errorResult(sessionID, expertResp.Message, nil)
	}
	o.sessions.SetAgentStatus(sessionID, string(expertDID), StatusSuccess)
	o.publishOutcome(ctx, sessionID, expertDID, true)
	expertAnalysis := expertResp.Analysis

	// 风险阶段。
	if req.RiskAgentDID == "" {
		partial := partialResults(expertAnalysis, nil)
		o.sessions.Fail(sessionID, partial)
		return errorResult(sessionID, "未指定风险智能体 DID", partial)
	}
	riskDID := identity.Normalize(req.RiskAgentDID)
	if denied := o.checkTrust(riskDID); denied != nil {
		partial := partialResults(expertAnalysis, nil)
		o.sessions.Fail(sessionID, partial)
		return errorResult(sessionID, denied.Error(), partial)
	}
	riskAgent, err := o.handlerFor(ctx, riskDID, agentreg.RoleRisk)
	if err != nil {
		partial := partialResults(expertAnalysis, nil)
		o.sessions.Fail(sessionID, partial)
		return errorResult(sessionID, err.Error(), partial)
	}

	riskResp := o.invoke(ctx, sessionID, riskAgent, riskDID, agent.MessageTypeRiskEvaluation, map[string]any{
		"trading_analysis":  expertAnalysis,
		"market_conditions": expertAnalysis,
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
		"ask_id":            sessionID,
	})

	// 降级成功裁决：错误状态但评估载荷可用时按部分成功继续，
	// 只有既报错又没有评估载荷才算致命。
	var riskEvaluation map[string]any
	switch {
	case riskResp.Status == agent.StatusSuccess:
		riskEvaluation = riskResp.Evaluation
		o.sessions.SetAgentStatus(sessionID, string(riskDID), StatusSuccess)
		o.publishOutcome(ctx, sessionID, riskDID, true)
	case riskResp.Evaluation != nil:
		riskEvaluation = riskResp.Evaluation
		o.sessions.SetAgentStatus(sessionID, string(riskDID), "degraded")
		o.publishOutcome(ctx, sessionID, riskDID, false)
		o.log.Warn("风险阶段降级完成，采纳附带评估", "session_id", sessionID, "err", riskResp.Message)
		logger.Audit().Warn("降级结果被采纳", "session_id", sessionID, "agent", riskDID, "reason", riskResp.Message)
	default:
		partial := partialResults(expertAnalysis, nil)
		o.sessions.SetAgentStatus(sessionID, string(riskDID), StatusError)
		o.sessions.Fail(sessionID, partial)
		o.publishOutcome(ctx, sessionID, riskDID, false)
		return errorResult(sessionID, riskResp.Message, partial)
	}

	results := &AnalysisResults{
		ExpertAnalysis: expertAnalysis,
		RiskEvaluation: riskEvaluation,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	}
	o.sessions.Complete(sessionID, results)
	o.log.Info("交易请求处理完成", "session_id", sessionID)

	return &FinalResult{
		Status:    StatusSuccess,
		SessionID: sessionID,
		Result:    results,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// SessionStatus 查询一次编排会话的当前状态。
func (o *Orchestrator) SessionStatus(sessionID string) (*Session, error) {
	return o.sessions.Get(sessionID)
}

// invoke 给目标智能体签发新令牌并调用其消息处理。角色字段只进入
// 令牌声明，信封的 public_key 携带编排方 DID，由对端查注册表解析。
func (o *Orchestrator) invoke(ctx context.Context, sessionID string, handler MessageHandler, targetDID identity.DID, messageType string, claims map[string]any) agent.Response {
	tok, err := o.tokens.Create(string(o.did), o.signingKey, string(targetDID), messageType, claims)
	if err != nil {
		return agent.Response{Status: agent.StatusError, Message: "签发令牌失败: " + err.Error()}
	}
	msg := agent.Message{
		AskID:     sessionID,
		SenderDID: string(o.did),
		Token:     tok,
		PublicKey: string(o.did),
		Type:      messageType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	o.log.Debug("调用下游智能体", "session_id", sessionID, "target", targetDID, "type", messageType)
	return handler.HandleMessage(ctx, msg)
}

// handlerFor 返回目标 DID 的智能体实例，不存在时按角色懒构造。
// 懒构造前先在身份注册表里解析目标身份，查不到即视为未知接收方；
// 登记过的角色优先于期望角色，二者冲突视为配置错误。
func (o *Orchestrator) handlerFor(ctx context.Context, did identity.DID, expected agentreg.Role) (MessageHandler, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if handler, ok := o.handlers[did]; ok {
		return handler, nil
	}
	if _, err := o.registry.Get(ctx, string(did)); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknownAudience, err,
			"身份注册表中不存在目标智能体: "+string(did))
	}
	role := expected
	if o.agents != nil {
		registered, ok := o.agents.RoleOf(string(did))
		if ok && registered != expected {
			return nil, xerrors.New(xerrors.CodeInvalidArgument,
				"智能体角色不匹配: "+string(did)+" 登记为 "+string(registered)+"，期望 "+string(expected))
		}
	}

	signingKey := identity.DemoSigningKey(string(did))
	var handler MessageHandler
	switch role {
	case agentreg.RoleExpert:
		handler = agent.NewExpert(string(did), signingKey, o.registry, o.tokens, o.cacheFactory(), o.provider)
	case agentreg.RoleRisk:
		handler = agent.NewRisk(string(did), signingKey, o.registry, o.tokens, o.cacheFactory(), o.provider, o.maxRiskLevel)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "不支持的智能体角色: "+string(role))
	}
	o.handlers[did] = handler
	o.log.Info("懒构造智能体", "did", did, "role", role)
	return handler, nil
}

// checkTrust 校验编排方到目标智能体的通信许可与信任边。
// 未启用智能体注册表时跳过。
func (o *Orchestrator) checkTrust(target identity.DID) error {
	if o.agents == nil {
		return nil
	}
	if !o.agents.CanCommunicate(string(o.did), string(target)) {
		return xerrors.New(xerrors.CodeTrustDenied, "通信未被许可: "+string(o.did)+" -> "+string(target))
	}
	return nil
}

// publishOutcome 投递交互结果，供信誉消费者异步应用。投递失败只记录。
func (o *Orchestrator) publishOutcome(ctx context.Context, sessionID string, did identity.DID, success bool) {
	if o.outcomes == nil {
		return
	}
	outcome := reputation.Outcome{
		DID:       string(did),
		SessionID: sessionID,
		Success:   success,
		Timestamp: time.Now().UTC(),
	}
	if err := o.outcomes.Publish(ctx, outcome); err != nil {
		o.log.Warn("投递交互结果失败", "session_id", sessionID, "did", did, "err", err)
	}
}

func partialResults(expertAnalysis, riskEvaluation map[string]any) *AnalysisResults {
	if expertAnalysis == nil && riskEvaluation == nil {
		return nil
	}
	return &AnalysisResults{
		ExpertAnalysis: expertAnalysis,
		RiskEvaluation: riskEvaluation,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	}
}

func errorResult(sessionID, message string, partial *AnalysisResults) *FinalResult {
	return &FinalResult{
		Status:    StatusError,
		Message:   message,
		SessionID: sessionID,
		Result:    partial,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}
