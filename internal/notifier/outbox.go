package notifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/coreattest/verifier/internal/util"
)

// Outbox persists revocation notifications that could not be delivered
// so a restart or a broker outage never silently drops one.
type Outbox struct {
	path string
	mu   sync.Mutex
}

// NewOutbox creates an outbox backed by the file at path.
func NewOutbox(path string) *Outbox {
	return &Outbox{path: path}
}

// Load returns the currently queued revocations.
func (o *Outbox) Load() ([]Revocation, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.readLocked()
}

// Append adds revocations to the outbox and persists them.
func (o *Outbox) Append(revs ...Revocation) error {
	if len(revs) == 0 {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	existing, err := o.readLocked()
	if err != nil {
		return err
	}
	existing = append(existing, revs...)
	return o.writeLocked(existing)
}

// Replace overwrites the outbox contents, used after a successful
// flush drains some or all of the queue.
func (o *Outbox) Replace(revs []Revocation) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.writeLocked(revs)
}

func (o *Outbox) readLocked() ([]Revocation, error) {
	data, err := os.ReadFile(o.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read outbox: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var revs []Revocation
	if err := json.Unmarshal(data, &revs); err != nil {
		return nil, fmt.Errorf("decode outbox: %w", err)
	}
	return revs, nil
}

func (o *Outbox) writeLocked(revs []Revocation) error {
	data, err := json.MarshalIndent(revs, "", "  ")
	if err != nil {
		return fmt.Errorf("encode outbox: %w", err)
	}
	if err := util.EnsureParentDir(o.path, 0o700); err != nil {
		return err
	}
	tmpPath := o.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write temp outbox: %w", err)
	}
	if err := os.Rename(tmpPath, o.path); err != nil {
		return fmt.Errorf("rename outbox: %w", err)
	}
	return nil
}

// Flush attempts to deliver every queued revocation via notify,
// leaving only the ones that still failed in the outbox.
func (o *Outbox) Flush(notify func(Revocation) error) error {
	o.mu.Lock()
	revs, err := o.readLocked()
	o.mu.Unlock()
	if err != nil {
		return err
	}
	if len(revs) == 0 {
		return nil
	}

	var remaining []Revocation
	for _, rev := range revs {
		if err := notify(rev); err != nil {
			remaining = append(remaining, rev)
		}
	}

	// Keep anything appended while notify was running.
	o.mu.Lock()
	defer o.mu.Unlock()
	current, err := o.readLocked()
	if err != nil {
		return err
	}
	if len(current) > len(revs) {
		remaining = append(remaining, current[len(revs):]...)
	}
	return o.writeLocked(remaining)
}
