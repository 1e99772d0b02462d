// Package notifier implements spec §4.H's revocation broker client: a
// bounded-retry HTTP dispatcher with a failure-count circuit breaker,
// grounded on Hardonian-Reach's TriggerDispatcher. The Lifecycle
// Manager calls Notify whenever a verification fails for an agent that
// had at least one prior verified attestation; this package never
// decides whether a failure is revocation-worthy, it only delivers.
package notifier

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/coreattest/verifier/internal/core"
)

// Revocation is the notification envelope posted to the broker.
type Revocation struct {
	AgentID     string           `json:"agent_id"`
	Index       uint64           `json:"index"`
	FailureType core.FailureType `json:"failure_type"`
	OccurredAt  time.Time        `json:"occurred_at"`
}

// Client dispatches revocation notifications to a broker URL with
// bounded retry and a circuit breaker that opens after repeated
// failures, so a downed broker never backs up verification throughput.
type Client struct {
	BrokerURL string
	HTTP      *http.Client

	mu               sync.Mutex
	consecutiveFails int
	circuitUntil     time.Time

	maxAttempts     int
	breakerLimit    int
	breakerCooldown time.Duration
}

// New constructs a Client posting to brokerURL.
func New(brokerURL string) *Client {
	return &Client{
		BrokerURL:       brokerURL,
		HTTP:            &http.Client{Timeout: 3 * time.Second},
		maxAttempts:     3,
		breakerLimit:    5,
		breakerCooldown: 20 * time.Second,
	}
}

// Notify posts a revocation notification, retrying with backoff on
// transport errors or any response status of 300 or above. It returns an error if the circuit breaker
// is open or every attempt failed; callers should log and move on, not
// block a verification cycle on broker availability.
func (c *Client) Notify(ctx context.Context, rev Revocation) error {
	if c.BrokerURL == "" {
		return nil
	}
	if err := c.allow(); err != nil {
		return err
	}

	raw, err := json.Marshal(rev)
	if err != nil {
		return fmt.Errorf("marshal revocation: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BrokerURL+"/v1/revocations", bytes.NewReader(raw))
		if err != nil {
			return fmt.Errorf("build revocation request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.HTTP.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 300 {
				c.markSuccess()
				return nil
			}
			err = fmt.Errorf("revocation broker returned status %d", resp.StatusCode)
		}
		lastErr = err
		if attempt < c.maxAttempts-1 {
			select {
			case <-time.After(backoff(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	c.markFailure()
	return lastErr
}

func backoff(attempt int) time.Duration {
	base := []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 700 * time.Millisecond}
	jitter := time.Duration(deterministicJitterInt(attempt, 50)) * time.Millisecond
	return base[attempt] + jitter
}

// deterministicJitterInt derives a jitter value in [0, max) from the
// attempt number so retry timing is reproducible in tests.
func deterministicJitterInt(attempt, max int) int {
	h := sha256.Sum256([]byte{byte(attempt), byte(attempt >> 8), byte(attempt >> 16), byte(attempt >> 24)})
	seed := int64(0)
	for i := 0; i < 8; i++ {
		seed = seed*256 + int64(h[i])
	}
	rng := rand.New(rand.NewSource(seed))
	return rng.Intn(max)
}

func (c *Client) allow() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Now().Before(c.circuitUntil) {
		return errors.New("revocation notifier circuit open")
	}
	return nil
}

func (c *Client) markSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutiveFails = 0
	c.circuitUntil = time.Time{}
}

func (c *Client) markFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutiveFails++
	if c.consecutiveFails >= c.breakerLimit {
		c.circuitUntil = time.Now().Add(c.breakerCooldown)
		c.consecutiveFails = 0
	}
}
