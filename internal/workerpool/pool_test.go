package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolProcessesSubmittedJobs(t *testing.T) {
	var processed int32
	var mu sync.Mutex
	seen := make(map[string]bool)

	verifier := VerifierFunc(func(ctx context.Context, agentID string, index uint64) error {
		atomic.AddInt32(&processed, 1)
		mu.Lock()
		seen[agentID] = true
		mu.Unlock()
		return nil
	})

	pool := New(4, 16, verifier, nil)
	defer pool.Close()

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if err := pool.Submit(ctx, Job{AgentID: "agent-1", Index: uint64(i)}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&processed) == 10 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if got := atomic.LoadInt32(&processed); got != 10 {
		t.Fatalf("expected 10 jobs processed, got %d", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if !seen["agent-1"] {
		t.Fatalf("expected agent-1 to have been verified")
	}
}

func TestPoolSubmitRespectsContextCancellation(t *testing.T) {
	blocked := make(chan struct{})
	verifier := VerifierFunc(func(ctx context.Context, agentID string, index uint64) error {
		<-blocked
		return nil
	})

	pool := New(1, 1, verifier, nil)
	defer func() {
		close(blocked)
		pool.Close()
	}()

	ctx := context.Background()
	// Fill the single worker and the single queue slot so the next
	// Submit has nowhere to go.
	if err := pool.Submit(ctx, Job{AgentID: "a", Index: 0}); err != nil {
		t.Fatalf("submit 1: %v", err)
	}
	if err := pool.Submit(ctx, Job{AgentID: "a", Index: 1}); err != nil {
		t.Fatalf("submit 2: %v", err)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := pool.Submit(cancelCtx, Job{AgentID: "a", Index: 2}); err == nil {
		t.Fatalf("expected cancellation error")
	}
}

func TestPoolCloseWaitsForInFlightJobs(t *testing.T) {
	started := make(chan struct{})
	finished := make(chan struct{})
	verifier := VerifierFunc(func(ctx context.Context, agentID string, index uint64) error {
		close(started)
		time.Sleep(20 * time.Millisecond)
		close(finished)
		return nil
	})

	pool := New(1, 1, verifier, nil)
	if err := pool.Submit(context.Background(), Job{AgentID: "a", Index: 0}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-started
	pool.Close()
	select {
	case <-finished:
	default:
		t.Fatalf("expected Close to wait for the in-flight job to finish")
	}
}
