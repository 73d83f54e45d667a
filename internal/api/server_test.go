package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"OpenTrade-Chain/internal/identity"
	"OpenTrade-Chain/internal/orchestrator"
	"OpenTrade-Chain/internal/token"
)

const (
	orchDID   = "did:eth:0x47E92b1C345C9F5B6698faB0ee0179CF514c99c6"
	expertDID = "did:eth:0x3990762F90777172Af4A203225EAb3e8813b8030"
	riskDID   = "did:eth:0x1111111111111111111111111111111111111111"
	humanDID  = "did:eth:0x2222222222222222222222222222222222222222"
)

func newTestServer(t *testing.T) (*Server, *token.Service) {
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
	tokens := token.NewService()
	orch := orchestrator.New(orchDID, identity.DemoSigningKey(orchDID), registry, tokens)
	return NewServer(":0", orch), tokens
}

func tradeBody(t *testing.T, tokens *token.Service) []byte {
	t.Helper()
	jwt, err := tokens.Create(humanDID, identity.DemoSigningKey(humanDID), orchDID, "trading_request", nil)
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	body, err := json.Marshal(tradeRequest{
		Request: orchestrator.Request{
			Goals:          map[string]any{"assets": []any{"BTC", "ETH"}},
			ExpertAgentDID: expertDID,
			RiskAgentDID:   riskDID,
		},
		Verification: orchestrator.Verification{DID: humanDID, JWT: jwt},
	})
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return body
}

func TestHandleTrade(t *testing.T) {
	srv, tokens := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/trade", bytes.NewReader(tradeBody(t, tokens)))
	rec := httptest.NewRecorder()
	srv.handleTrade(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var result orchestrator.FinalResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Status != orchestrator.StatusSuccess {
		t.Fatalf("result status = %q (%s), want success", result.Status, result.Message)
	}
	if result.SessionID == "" || result.Result == nil {
		t.Fatalf("result incomplete: %+v", result)
	}
}

func TestHandleTradeStructuredError(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(tradeRequest{
		Request: orchestrator.Request{ExpertAgentDID: expertDID, RiskAgentDID: riskDID},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/trade", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.handleTrade(rec, req)

	// 编排失败不映射成 HTTP 错误码，由响应体里的状态承载。
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with structured error", rec.Code)
	}
	var result orchestrator.FinalResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Status != orchestrator.StatusError {
		t.Fatalf("result status = %q, want error", result.Status)
	}
}

func TestHandleTradeRejectsBadMethodAndBody(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.handleTrade(rec, httptest.NewRequest(http.MethodGet, "/api/v1/trade", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET status = %d, want 405", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.handleTrade(rec, httptest.NewRequest(http.MethodPost, "/api/v1/trade", bytes.NewReader([]byte("{"))))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad body status = %d, want 400", rec.Code)
	}
}

func TestHandleSessionStatus(t *testing.T) {
	srv, tokens := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/trade", bytes.NewReader(tradeBody(t, tokens)))
	rec := httptest.NewRecorder()
	srv.handleTrade(rec, req)
	var result orchestrator.FinalResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode trade result: %v", err)
	}

	rec = httptest.NewRecorder()
	srv.handleSessionStatus(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions?id="+result.SessionID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var sess orchestrator.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if sess.ID != result.SessionID || sess.Status != orchestrator.SessionCompleted {
		t.Fatalf("session = %+v, want completed %s", sess, result.SessionID)
	}
}

func TestHandleSessionStatusNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.handleSessionStatus(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions?id=missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.handleSessionStatus(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing id status = %d, want 400", rec.Code)
	}
}
