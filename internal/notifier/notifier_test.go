package notifier

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coreattest/verifier/internal/core"
)

func TestNotifySucceeds(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := New(srv.URL)
	err := c.Notify(context.Background(), Revocation{AgentID: "agent-1", Index: 3, FailureType: core.FailurePolicyViolation, OccurredAt: time.Now()})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("expected 1 request, got %d", hits)
	}
}

func TestNotifyRetriesOnFailure(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL)
	err := c.Notify(context.Background(), Revocation{AgentID: "agent-1", Index: 0})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if atomic.LoadInt32(&hits) != 3 {
		t.Fatalf("expected 3 requests, got %d", hits)
	}
}

func TestNotifyOpensCircuitAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.breakerLimit = 1
	c.maxAttempts = 1

	if err := c.Notify(context.Background(), Revocation{AgentID: "agent-1"}); err == nil {
		t.Fatalf("expected failure from broker")
	}
	err := c.Notify(context.Background(), Revocation{AgentID: "agent-1"})
	if err == nil {
		t.Fatalf("expected circuit open error")
	}
}

func TestNotifySkipsWhenNoBrokerURL(t *testing.T) {
	c := New("")
	if err := c.Notify(context.Background(), Revocation{AgentID: "agent-1"}); err != nil {
		t.Fatalf("expected no-op success, got %v", err)
	}
}
