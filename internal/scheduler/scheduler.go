// Package scheduler implements Component E, the Per-Agent Scheduler
// from spec §4.E: accept_new_attestations_in, queried by the controller
// before honoring a new capability declaration, plus the pull-mode
// transport-retry bounds.
package scheduler

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/coreattest/verifier/internal/core"
	"github.com/coreattest/verifier/internal/store"
)

// Infinite is the sentinel returned when the agent's gate is closed and
// the controller must refuse any new capability declaration outright.
const Infinite = time.Duration(1<<63 - 1)

// Config carries the durations accept_new_attestations_in needs.
type Config struct {
	QuoteInterval       time.Duration
	VerificationTimeout time.Duration
	MaxRetries          int
	RetryInterval       time.Duration
}

// decision caches an absolute deadline rather than a relative wait:
// every cache hit recomputes the remaining duration against the
// current time, so a decision cached minutes ago and read again later
// still reports correctly instead of replaying a frozen wait forever.
// A zero deadline means no wait; it stays valid until invalidated.
type decision struct {
	deadline time.Time
	infinite bool
}

// Scheduler caches the last computed schedule decision per agent so a
// burst of status polls doesn't hit the store on every call. The cache
// holds only a derived value, never a source of truth — a stale hit is
// always safe to recompute against the store, so the Lifecycle Manager
// simply invalidates the entry on every commit rather than needing to
// coordinate a consistent read.
type Scheduler struct {
	store *store.Store
	cfg   Config
	cache *lru.Cache[string, decision]
	now   func() time.Time
}

// New constructs a Scheduler backed by s, caching up to cacheSize
// agents' decisions.
func New(s *store.Store, cfg Config, cacheSize int) (*Scheduler, error) {
	cache, err := lru.New[string, decision](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("build scheduler cache: %w", err)
	}
	return &Scheduler{store: s, cfg: cfg, cache: cache, now: time.Now}, nil
}

// Invalidate drops any cached decision for agentID. The Lifecycle
// Manager calls this after every create/receive_evidence/verify_evidence
// commit.
func (s *Scheduler) Invalidate(agentID string) {
	s.cache.Remove(agentID)
}

// AcceptNewAttestationsIn implements spec §4.E's accept_new_attestations_in.
func (s *Scheduler) AcceptNewAttestationsIn(ctx context.Context, agentID string) (time.Duration, error) {
	if cached, ok := s.cache.Get(agentID); ok {
		if cached.infinite {
			return Infinite, nil
		}
		if cached.deadline.IsZero() {
			return 0, nil
		}
		if now := s.now(); now.Before(cached.deadline) {
			return cached.deadline.Sub(now), nil
		}
		// The cached deadline has already passed with no intervening
		// commit to invalidate it (e.g. the agent never submitted the
		// evidence that would trigger one) — drop it and recompute
		// rather than replay a stale wait forever.
		s.cache.Remove(agentID)
	}

	d, err := s.compute(ctx, agentID)
	if err != nil {
		return 0, err
	}
	s.cache.Add(agentID, d)
	if d.infinite {
		return Infinite, nil
	}
	if now := s.now(); now.Before(d.deadline) {
		return d.deadline.Sub(now), nil
	}
	return 0, nil
}

func (s *Scheduler) compute(ctx context.Context, agentID string) (decision, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return decision{}, fmt.Errorf("load agent: %w", err)
	}
	if agent == nil {
		return decision{}, &core.NotFoundError{AgentID: agentID}
	}
	if !agent.AcceptAttestations {
		return decision{infinite: true}, nil
	}

	last, err := s.store.GetLast(ctx, agentID)
	if err != nil {
		return decision{}, fmt.Errorf("get last attestation: %w", err)
	}
	now := s.now()
	if last == nil {
		return decision{}, nil
	}

	if nextAfter := last.NextAttestationExpectedAfter(s.cfg.QuoteInterval); now.Before(nextAfter) {
		return decision{deadline: nextAfter}, nil
	}
	if last.Status == core.StatusReceived {
		if decisionBy := last.DecisionExpectedBy(s.cfg.QuoteInterval, s.cfg.VerificationTimeout); !now.After(decisionBy) {
			return decision{deadline: decisionBy}, nil
		}
	}
	return decision{}, nil
}

// RetryBudget reports the pull-mode transport-retry bounds from
// configuration (spec §4.E): applies only to pull-mode transport
// errors; push-mode agents re-initiate and no retry state is kept
// server-side.
func (s *Scheduler) RetryBudget() (maxRetries int, interval time.Duration) {
	return s.cfg.MaxRetries, s.cfg.RetryInterval
}
