package orchestrator

import (
	"context"
	"errors"
	"testing"

	"OpenTrade-Chain/internal/agent"
	"OpenTrade-Chain/internal/agentreg"
	"OpenTrade-Chain/internal/identity"
	"OpenTrade-Chain/internal/reputation"
	"OpenTrade-Chain/internal/token"
)

const (
	orchDID   = "did:eth:0x47E92b1C345C9F5B6698faB0ee0179CF514c99c6"
	expertDID = "did:eth:0x3990762F90777172Af4A203225EAb3e8813b8030"
	riskDID   = "did:eth:0x1111111111111111111111111111111111111111"
	humanDID  = "did:eth:0x2222222222222222222222222222222222222222"
)

type testFixture struct {
	orch     *Orchestrator
	tokens   *token.Service
	registry *identity.Registry
	outcomes *reputation.MemoryQueue
}

func newFixture(t *testing.T, opts ...Option) *testFixture {
	t.Helper()
	store, err := identity.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	registry := identity.NewRegistry(store)
	ctx := context.Background()
	for _, did := range []string{orchDID, expertDID, riskDID, humanDID} {
		if err := registry.Register(ctx, did, identity.DemoSigningKey(did)); err != nil {
			t.Fatalf("register %s: %v", did, err)
		}
	}

	outcomes := reputation.NewMemoryQueue(16)
	tokens := token.NewService()
	opts = append([]Option{WithOutcomeProducer(outcomes)}, opts...)
	orch := New(orchDID, identity.DemoSigningKey(orchDID), registry, tokens, opts...)
	return &testFixture{orch: orch, tokens: tokens, registry: registry, outcomes: outcomes}
}

// humanJWT 以注册过的人类身份签出一个合法令牌。
func (f *testFixture) humanJWT(t *testing.T) string {
	t.Helper()
	jwt, err := f.tokens.Create(humanDID, identity.DemoSigningKey(humanDID), string(f.orch.DID()), "trading_request", nil)
	if err != nil {
		t.Fatalf("create human token: %v", err)
	}
	return jwt
}

func defaultRequest() Request {
	return Request{
		Goals:          map[string]any{"assets": []any{"BTC", "ETH"}},
		Constraints:    map[string]any{"stop_loss": 0.02},
		ExpertAgentDID: expertDID,
		RiskAgentDID:   riskDID,
	}
}

func TestProcessTradingRequestEndToEnd(t *testing.T) {
	f := newFixture(t)
	result := f.orch.ProcessTradingRequest(context.Background(), defaultRequest(), Verification{DID: humanDID, JWT: f.humanJWT(t)})

	if result.Status != StatusSuccess {
		t.Fatalf("status = %q (%s), want success", result.Status, result.Message)
	}
	if result.Result == nil || result.Result.ExpertAnalysis == nil || result.Result.RiskEvaluation == nil {
		t.Fatalf("final result incomplete: %+v", result.Result)
	}
	assets, ok := result.Result.ExpertAnalysis["assets"].([]string)
	if !ok || len(assets) != 2 || assets[0] != "BTC" || assets[1] != "ETH" {
		t.Fatalf("expert assets = %v, want [BTC ETH]", result.Result.ExpertAnalysis["assets"])
	}
	riskAssets, ok := result.Result.RiskEvaluation["assets"].([]string)
	if !ok || len(riskAssets) != 2 {
		t.Fatalf("risk assets = %v, want the expert's asset list", result.Result.RiskEvaluation["assets"])
	}

	sess, err := f.orch.SessionStatus(result.SessionID)
	if err != nil {
		t.Fatalf("session status: %v", err)
	}
	if sess.Status != SessionCompleted {
		t.Fatalf("session status = %q, want completed", sess.Status)
	}
	if sess.AgentStatus[string(identity.Normalize(expertDID))] != StatusSuccess {
		t.Fatalf("expert agent status = %v", sess.AgentStatus)
	}
}

func TestProcessTradingRequestRejectsMissingVerification(t *testing.T) {
	f := newFixture(t)
	result := f.orch.ProcessTradingRequest(context.Background(), defaultRequest(), Verification{})
	if result.Status != StatusError {
		t.Fatalf("status = %q, want error without verification", result.Status)
	}
}

func TestProcessTradingRequestRejectsUnknownHuman(t *testing.T) {
	f := newFixture(t)
	unknown := "did:eth:0x9999999999999999999999999999999999999999"
	jwt, err := f.tokens.Create(unknown, identity.DemoSigningKey(unknown), string(f.orch.DID()), "trading_request", nil)
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	result := f.orch.ProcessTradingRequest(context.Background(), defaultRequest(), Verification{DID: unknown, JWT: jwt})
	if result.Status != StatusError {
		t.Fatalf("status = %q, want error for unregistered human", result.Status)
	}
}

func TestProcessTradingRequestRejectsForgedJWT(t *testing.T) {
	f := newFixture(t)
	jwt, err := f.tokens.Create(humanDID, "0xwrongkey", string(f.orch.DID()), "trading_request", nil)
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	result := f.orch.ProcessTradingRequest(context.Background(), defaultRequest(), Verification{DID: humanDID, JWT: jwt})
	if result.Status != StatusError {
		t.Fatalf("status = %q, want error for forged human token", result.Status)
	}
}

// stubAgent 返回固定响应，用来驱动编排裁决逻辑。
type stubAgent struct {
	resp agent.Response
}

func (s *stubAgent) HandleMessage(ctx context.Context, msg agent.Message) agent.Response {
	return s.resp
}

func TestDegradedRiskResultIsAccepted(t *testing.T) {
	degraded := &stubAgent{resp: agent.Response{
		Status:     agent.StatusError,
		Message:    "risk feed offline",
		Evaluation: map[string]any{"risk_assessment": map[string]any{"error": "risk feed offline"}},
	}}
	f := newFixture(t, WithHandler(riskDID, degraded))

	result := f.orch.ProcessTradingRequest(context.Background(), defaultRequest(), Verification{DID: humanDID, JWT: f.humanJWT(t)})
	if result.Status != StatusSuccess {
		t.Fatalf("status = %q (%s), want success for degraded evaluation", result.Status, result.Message)
	}
	if result.Result == nil || result.Result.RiskEvaluation == nil {
		t.Fatal("degraded evaluation was dropped")
	}

	sess, err := f.orch.SessionStatus(result.SessionID)
	if err != nil {
		t.Fatalf("session status: %v", err)
	}
	if sess.AgentStatus[string(identity.Normalize(riskDID))] != "degraded" {
		t.Fatalf("risk agent status = %v, want degraded", sess.AgentStatus)
	}
}

func TestRiskFailureWithoutEvaluationKeepsExpertResult(t *testing.T) {
	fatal := &stubAgent{resp: agent.Response{
		Status:  agent.StatusError,
		Message: "risk agent unavailable",
	}}
	f := newFixture(t, WithHandler(riskDID, fatal))

	result := f.orch.ProcessTradingRequest(context.Background(), defaultRequest(), Verification{DID: humanDID, JWT: f.humanJWT(t)})
	if result.Status != StatusError {
		t.Fatalf("status = %q, want error when no evaluation survives", result.Status)
	}
	if result.Result == nil || result.Result.ExpertAnalysis == nil {
		t.Fatal("partial expert analysis must not be discarded")
	}
	if result.Result.RiskEvaluation != nil {
		t.Fatalf("risk evaluation = %v, want nil", result.Result.RiskEvaluation)
	}

	sess, err := f.orch.SessionStatus(result.SessionID)
	if err != nil {
		t.Fatalf("session status: %v", err)
	}
	if sess.Status != SessionError {
		t.Fatalf("session status = %q, want error", sess.Status)
	}
}

func TestUnregisteredExpertDIDRejected(t *testing.T) {
	f := newFixture(t)
	req := defaultRequest()
	// 目标 DID 在任何注册表中都不存在，不能懒构造出智能体。
	req.ExpertAgentDID = "did:eth:0x9999999999999999999999999999999999999999"

	result := f.orch.ProcessTradingRequest(context.Background(), req, Verification{DID: humanDID, JWT: f.humanJWT(t)})
	if result.Status != StatusError {
		t.Fatalf("status = %q, want error for expert DID absent from the identity registry", result.Status)
	}
	if result.Result != nil {
		t.Fatalf("result = %+v, want nil when no stage ran", result.Result)
	}
}

func TestUnregisteredRiskDIDKeepsExpertResult(t *testing.T) {
	f := newFixture(t)
	req := defaultRequest()
	req.RiskAgentDID = "did:eth:0x9999999999999999999999999999999999999999"

	result := f.orch.ProcessTradingRequest(context.Background(), req, Verification{DID: humanDID, JWT: f.humanJWT(t)})
	if result.Status != StatusError {
		t.Fatalf("status = %q, want error for unregistered risk DID", result.Status)
	}
	if result.Result == nil || result.Result.ExpertAnalysis == nil {
		t.Fatal("expert analysis must survive the risk-stage rejection")
	}
}

func TestExpertFailureStopsPipeline(t *testing.T) {
	broken := &stubAgent{resp: agent.Response{Status: agent.StatusError, Message: "expert offline"}}
	f := newFixture(t, WithHandler(expertDID, broken))

	result := f.orch.ProcessTradingRequest(context.Background(), defaultRequest(), Verification{DID: humanDID, JWT: f.humanJWT(t)})
	if result.Status != StatusError {
		t.Fatalf("status = %q, want error", result.Status)
	}
	if result.Result != nil {
		t.Fatalf("result = %+v, want nil when nothing completed", result.Result)
	}
}

func TestTrustDeniedWithoutEdge(t *testing.T) {
	agents := agentreg.NewRegistry()
	for did, role := range map[string]agentreg.Role{
		orchDID:   agentreg.RoleOrchestrator,
		expertDID: agentreg.RoleExpert,
		riskDID:   agentreg.RoleRisk,
	} {
		if err := agents.RegisterAgent(did, role, identity.DemoSigningKey(did)); err != nil {
			t.Fatalf("register agent: %v", err)
		}
	}
	// 只给专家方向建信任边，风险阶段应被拒绝。
	if err := agents.AddTrust(orchDID, expertDID); err != nil {
		t.Fatalf("add trust: %v", err)
	}
	f := newFixture(t, WithAgentRegistry(agents))

	result := f.orch.ProcessTradingRequest(context.Background(), defaultRequest(), Verification{DID: humanDID, JWT: f.humanJWT(t)})
	if result.Status != StatusError {
		t.Fatalf("status = %q, want error for missing trust edge", result.Status)
	}
	if result.Result == nil || result.Result.ExpertAnalysis == nil {
		t.Fatal("expert analysis must survive the trust denial")
	}
}

func TestRoleMismatchIsConfigurationError(t *testing.T) {
	agents := agentreg.NewRegistry()
	for did, role := range map[string]agentreg.Role{
		orchDID: agentreg.RoleOrchestrator,
		// 风险 DID 被错误登记为专家角色。
		expertDID: agentreg.RoleExpert,
		riskDID:   agentreg.RoleExpert,
	} {
		if err := agents.RegisterAgent(did, role, identity.DemoSigningKey(did)); err != nil {
			t.Fatalf("register agent: %v", err)
		}
	}
	for _, to := range []string{expertDID, riskDID} {
		if err := agents.AddTrust(orchDID, to); err != nil {
			t.Fatalf("add trust: %v", err)
		}
	}
	f := newFixture(t, WithAgentRegistry(agents))

	result := f.orch.ProcessTradingRequest(context.Background(), defaultRequest(), Verification{DID: humanDID, JWT: f.humanJWT(t)})
	if result.Status != StatusError {
		t.Fatalf("status = %q, want error for role mismatch", result.Status)
	}
}

func TestSessionStatusUnknownID(t *testing.T) {
	f := newFixture(t)
	if _, err := f.orch.SessionStatus("no-such-session"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestOutcomesPublishedPerStage(t *testing.T) {
	f := newFixture(t)
	result := f.orch.ProcessTradingRequest(context.Background(), defaultRequest(), Verification{DID: humanDID, JWT: f.humanJWT(t)})
	if result.Status != StatusSuccess {
		t.Fatalf("status = %q (%s)", result.Status, result.Message)
	}

	ctx, cancel := context.WithCancel(context.Background())
	outcomes := make(chan reputation.Outcome, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.outcomes.Consume(ctx, 1, func(ctx context.Context, o reputation.Outcome) error {
			outcomes <- o
			return nil
		})
	}()

	seen := make(map[string]bool)
	for i := 0; i < 2; i++ {
		o := <-outcomes
		seen[o.DID] = o.Success
		if o.SessionID != result.SessionID {
			t.Fatalf("outcome session = %q, want %q", o.SessionID, result.SessionID)
		}
	}
	cancel()
	<-done

	if !seen[string(identity.Normalize(expertDID))] || !seen[string(identity.Normalize(riskDID))] {
		t.Fatalf("outcomes = %v, want success for both agents", seen)
	}
}
