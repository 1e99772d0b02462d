package notifier

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/coreattest/verifier/internal/core"
)

func TestOutboxAppendLoadAndReplace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.json")
	o := NewOutbox(path)

	rev := Revocation{AgentID: "agent-1", Index: 1, FailureType: core.FailurePolicyViolation}
	if err := o.Append(rev); err != nil {
		t.Fatalf("append: %v", err)
	}

	loaded, err := o.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 1 || loaded[0].AgentID != "agent-1" {
		t.Fatalf("unexpected loaded revocations: %+v", loaded)
	}

	if err := o.Replace(nil); err != nil {
		t.Fatalf("replace: %v", err)
	}
	loaded, err = o.Load()
	if err != nil {
		t.Fatalf("load after replace: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("expected empty outbox, got %d", len(loaded))
	}
}

func TestOutboxFlushKeepsOnlyFailed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.json")
	o := NewOutbox(path)
	if err := o.Append(Revocation{AgentID: "a"}, Revocation{AgentID: "b"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	err := o.Flush(func(r Revocation) error {
		if r.AgentID == "a" {
			return nil
		}
		return errors.New("still down")
	})
	if err != nil {
		t.Fatalf("flush: %v", err)
	}

	remaining, err := o.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(remaining) != 1 || remaining[0].AgentID != "b" {
		t.Fatalf("unexpected remaining: %+v", remaining)
	}
}

func TestOutboxLoadMissingFileReturnsEmpty(t *testing.T) {
	o := NewOutbox(filepath.Join(t.TempDir(), "missing.json"))
	revs, err := o.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(revs) != 0 {
		t.Fatalf("expected empty slice, got %+v", revs)
	}
}
