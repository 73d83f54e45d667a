package reputation

import (
	"context"
	"sync"
	"testing"
	"time"

	"OpenTrade-Chain/internal/identity"
)

const agentDID = "did:eth:0x3990762F90777172Af4A203225EAb3e8813b8030"

func TestMemoryQueuePublishConsume(t *testing.T) {
	q := NewMemoryQueue(4)
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	var got []Outcome
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Consume(ctx, 1, func(ctx context.Context, o Outcome) error {
			mu.Lock()
			got = append(got, o)
			mu.Unlock()
			return nil
		})
	}()

	for i, success := range []bool{true, false, true} {
		outcome := Outcome{DID: agentDID, SessionID: "sess", Success: success, Timestamp: time.Now()}
		if err := q.Publish(ctx, outcome); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("consumed %d outcomes, want 3", n)
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if got[1].Success {
		t.Fatal("outcome order lost on single worker")
	}
}

func TestMemoryQueuePublishAfterClose(t *testing.T) {
	q := NewMemoryQueue(1)
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := q.Publish(context.Background(), Outcome{DID: agentDID}); err == nil {
		t.Fatal("expected error publishing to a closed queue")
	}
}

func TestRecorderAppliesReputation(t *testing.T) {
	store, err := identity.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	registry := identity.NewRegistry(store)
	ctx := context.Background()
	if err := registry.Register(ctx, agentDID, identity.DemoSigningKey(agentDID)); err != nil {
		t.Fatalf("register: %v", err)
	}

	handler := Recorder(registry)
	outcomes := []Outcome{
		{DID: agentDID, SessionID: "sess-1", Success: true},
		{DID: agentDID, SessionID: "sess-2", Success: true},
		{DID: agentDID, SessionID: "sess-3", Success: false},
	}
	for i, o := range outcomes {
		if err := handler(ctx, o); err != nil {
			t.Fatalf("apply outcome %d: %v", i, err)
		}
	}

	rec, err := registry.Lookup(ctx, agentDID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec.Reputation.TotalInteractions != 3 || rec.Reputation.SuccessfulInteractions != 2 {
		t.Fatalf("interactions = %d/%d, want 2/3", rec.Reputation.SuccessfulInteractions, rec.Reputation.TotalInteractions)
	}
	// 2/3 按百分制折算。
	if rec.Reputation.Score < 66.6 || rec.Reputation.Score > 66.7 {
		t.Fatalf("score = %v, want 66.67", rec.Reputation.Score)
	}
	if rec.Reputation.Metadata["session_id"] != "sess-3" {
		t.Fatalf("metadata session_id = %q, want the latest session", rec.Reputation.Metadata["session_id"])
	}
}

func TestRecorderUnknownDID(t *testing.T) {
	store, err := identity.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	registry := identity.NewRegistry(store)
	handler := Recorder(registry)
	if err := handler(context.Background(), Outcome{DID: "did:eth:0x9999999999999999999999999999999999999999"}); err == nil {
		t.Fatal("expected error for unregistered DID")
	}
}
