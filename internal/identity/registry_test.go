package identity

import (
	"context"
	"errors"
	"testing"
)

const (
	ethDID  = "did:eth:0x3990762F90777172Af4A203225EAb3e8813b8030"
	ethrDID = "did:ethr:0x3990762F90777172Af4A203225EAb3e8813b8030"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	return NewRegistry(store)
}

func TestNormalizeIdempotence(t *testing.T) {
	if Normalize(ethDID) != Normalize(ethrDID) {
		t.Fatalf("expected both surface forms to normalize identically: %s vs %s",
			Normalize(ethDID), Normalize(ethrDID))
	}
	once := Normalize(ethrDID)
	if Normalize(string(once)) != once {
		t.Fatalf("normalize is not idempotent: %s", Normalize(string(once)))
	}
	if !once.Valid() {
		t.Fatalf("normalized DID should be valid: %s", once)
	}
}

func TestDIDValidation(t *testing.T) {
	invalid := []string{
		"",
		"did:eth:0x123",
		"did:sov:0x3990762F90777172Af4A203225EAb3e8813b8030",
		"0x3990762F90777172Af4A203225EAb3e8813b8030",
		"did:eth:0xZZ90762F90777172Af4A203225EAb3e8813b8030",
	}
	for _, raw := range invalid {
		if Normalize(raw).Valid() {
			t.Fatalf("expected %q to be invalid", raw)
		}
	}
}

func TestRegisterAcrossSurfaceForms(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.Register(ctx, ethrDID, "pubkey-1"); err != nil {
		t.Fatalf("register: %v", err)
	}

	// 两种前缀必须解析到同一条记录。
	key, err := reg.Get(ctx, ethDID)
	if err != nil {
		t.Fatalf("get via eth form: %v", err)
	}
	if key != "pubkey-1" {
		t.Fatalf("unexpected public key: %s", key)
	}

	if err := reg.Register(ctx, ethDID, "pubkey-2"); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestRegisterRejectsInvalidDID(t *testing.T) {
	reg := newTestRegistry(t)
	if err := reg.Register(context.Background(), "did:eth:nonsense", "key"); !errors.Is(err, ErrInvalidDID) {
		t.Fatalf("expected ErrInvalidDID, got %v", err)
	}
}

func TestUpdateReputationRecomputesScore(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.Register(ctx, ethDID, "pubkey"); err != nil {
		t.Fatalf("register: %v", err)
	}

	outcomes := []bool{true, true, false, true}
	for _, success := range outcomes {
		if err := reg.UpdateReputation(ctx, ethrDID, success, map[string]string{"stage": "risk"}); err != nil {
			t.Fatalf("update reputation: %v", err)
		}
	}

	rec, err := reg.Lookup(ctx, ethDID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec.Reputation.TotalInteractions != 4 || rec.Reputation.SuccessfulInteractions != 3 {
		t.Fatalf("unexpected counters: %+v", rec.Reputation)
	}
	if rec.Reputation.Score != 75 {
		t.Fatalf("expected score 75, got %v", rec.Reputation.Score)
	}
	if rec.Reputation.Metadata["stage"] != "risk" {
		t.Fatalf("metadata not merged: %+v", rec.Reputation.Metadata)
	}
}

func TestUpdateReputationUnknownDID(t *testing.T) {
	reg := newTestRegistry(t)
	err := reg.UpdateReputation(context.Background(), ethDID, true, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRemove(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.Register(ctx, ethDID, "pubkey"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Remove(ctx, ethrDID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := reg.Get(ctx, ethDID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after remove, got %v", err)
	}
}
