package agentreg

import (
	"os"
	"path/filepath"
	"testing"
)

const (
	orchDID   = "did:eth:0x47E92b1C345C9F5B6698faB0ee0179CF514c99c6"
	expertDID = "did:eth:0x3990762F90777172Af4A203225EAb3e8813b8030"
	riskDID   = "did:eth:0x1111111111111111111111111111111111111111"
	humanDID  = "did:eth:0x2222222222222222222222222222222222222222"
)

func TestDefaultCapabilities(t *testing.T) {
	orch := DefaultCapabilities(RoleOrchestrator)
	if !orch.CanVerify || !orch.CanCreateTokens {
		t.Fatalf("orchestrator capabilities = %+v, want verify and token creation", orch)
	}
	human := DefaultCapabilities(RoleHuman)
	if human.CanVerify || human.CanCreateTokens {
		t.Fatalf("human capabilities = %+v, want neither verify nor token creation", human)
	}
	if len(human.CanCommunicateWith) != 1 || human.CanCommunicateWith[0] != RoleOrchestrator {
		t.Fatalf("human may communicate with %v, want [orchestrator]", human.CanCommunicateWith)
	}
}

func TestRegisterAgentValidation(t *testing.T) {
	r := NewRegistry()
	if err := r.RegisterAgent("not-a-did", RoleExpert, "pk"); err == nil {
		t.Fatal("expected error for malformed DID")
	}
	if err := r.RegisterAgent(expertDID, Role("wizard"), "pk"); err == nil {
		t.Fatal("expected error for unknown role")
	}
	if err := r.RegisterAgent(expertDID, RoleExpert, "pk"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.RegisterAgent(expertDID, RoleExpert, "pk"); err == nil {
		t.Fatal("expected conflict on duplicate registration")
	}
}

func TestCanCommunicateRequiresCapabilityAndTrust(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, orchDID, RoleOrchestrator)
	mustRegister(t, r, expertDID, RoleExpert)
	mustRegister(t, r, humanDID, RoleHuman)

	// 尚无信任边，即使能力允许也应拒绝。
	if r.CanCommunicate(orchDID, expertDID) {
		t.Fatal("communication allowed without a trust edge")
	}
	if err := r.AddTrust(orchDID, expertDID); err != nil {
		t.Fatalf("add trust: %v", err)
	}
	if !r.CanCommunicate(orchDID, expertDID) {
		t.Fatal("communication denied despite capability and trust edge")
	}
	// 信任边是单向的。
	if r.CanCommunicate(expertDID, orchDID) {
		t.Fatal("reverse direction allowed without its own trust edge")
	}

	// human 的能力清单不含 expert 角色，信任边也救不回来。
	if err := r.AddTrust(humanDID, expertDID); err != nil {
		t.Fatalf("add trust: %v", err)
	}
	if r.CanCommunicate(humanDID, expertDID) {
		t.Fatal("communication allowed outside the sender's capability list")
	}
}

func TestAddTrustUnknownEndpoints(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, orchDID, RoleOrchestrator)
	if err := r.AddTrust(orchDID, expertDID); err == nil {
		t.Fatal("expected error for unregistered trust target")
	}
	if err := r.AddTrust(expertDID, orchDID); err == nil {
		t.Fatal("expected error for unregistered trust source")
	}
}

func TestLookupAcrossSurfaceForms(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, expertDID, RoleExpert)

	ethr := "did:ethr:" + expertDID[len("did:eth:"):]
	role, ok := r.RoleOf(ethr)
	if !ok || role != RoleExpert {
		t.Fatalf("RoleOf(%s) = %q, %v; want expert, true", ethr, role, ok)
	}
	if _, ok := r.Get(ethr); !ok {
		t.Fatalf("Get(%s) missed a registered agent", ethr)
	}
}

func TestApplyRoster(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roster.yaml")
	doc := `agents:
  - did: ` + orchDID + `
    role: orchestrator
    public_key: orch-key
  - did: ` + expertDID + `
    role: expert
    public_key: expert-key
  - did: ` + riskDID + `
    role: risk
    public_key: risk-key
trust:
  - from: ` + orchDID + `
    to: ` + expertDID + `
  - from: ` + orchDID + `
    to: ` + riskDID + `
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write roster: %v", err)
	}

	roster, err := LoadRoster(path)
	if err != nil {
		t.Fatalf("load roster: %v", err)
	}
	r := NewRegistry()
	if err := r.Apply(roster); err != nil {
		t.Fatalf("apply roster: %v", err)
	}
	if got := len(r.List()); got != 3 {
		t.Fatalf("registered %d agents, want 3", got)
	}
	if !r.CanCommunicate(orchDID, riskDID) {
		t.Fatal("roster trust edge not applied")
	}
	reg, ok := r.Get(expertDID)
	if !ok || reg.PublicKey != "expert-key" {
		t.Fatalf("expert registration = %+v, %v", reg, ok)
	}
}

func mustRegister(t *testing.T, r *Registry, did string, role Role) {
	t.Helper()
	if err := r.RegisterAgent(did, role, "pk"); err != nil {
		t.Fatalf("register %s: %v", did, err)
	}
}
