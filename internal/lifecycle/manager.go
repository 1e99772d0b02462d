// Package lifecycle implements Component D, the Attestation Lifecycle
// Manager from spec §4.D: create, receive_evidence, and verify_evidence,
// each serialized per agent and ending with a commit to the store.
package lifecycle

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/coreattest/verifier/internal/core"
	"github.com/coreattest/verifier/internal/keyrelease"
	"github.com/coreattest/verifier/internal/lockset"
	"github.com/coreattest/verifier/internal/policyengine"
	"github.com/coreattest/verifier/internal/store"
	"github.com/coreattest/verifier/internal/tpmverify"
)

// Config carries the operational parameters the manager needs from
// configuration (spec §6.3).
type Config struct {
	NonceLifetime       time.Duration
	QuoteInterval       time.Duration
	VerificationTimeout time.Duration
	MeasuredBootPCRs    []int
	IMAPCR              int
}

// MetricsRecorder receives lifecycle events for the instruments spec
// §6.4 names. internal/metrics.Metrics satisfies this structurally, so
// this package never imports it directly.
type MetricsRecorder interface {
	AttestationCreated()
	VerificationCompleted(failureType string, duration time.Duration)
	RecordCleaned(reason string)
	BoottimeRegression()
}

// Manager is the Attestation Lifecycle Manager.
type Manager struct {
	store   *store.Store
	locks   *lockset.Set
	adapter tpmverify.Adapter
	policy  *policyengine.Engine
	keyGate *keyrelease.Gate
	cfg     Config
	logger  *slog.Logger
	metrics MetricsRecorder

	now              func() time.Time
	onVerifiedChange func(agentID string)
	onRevocable      func(ctx context.Context, agentID string, index uint64, failureType core.FailureType)
	onKeyRelease     func(agentID string, index uint64, key []byte)
}

// Option configures optional Manager collaborators.
type Option func(*Manager)

// WithNowFunc overrides the time source, useful for tests.
func WithNowFunc(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// WithLogger overrides the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithSchedulerInvalidation registers a hook invoked after every commit
// so the scheduler's per-agent decision cache (§4.E) is never stale.
func WithSchedulerInvalidation(fn func(agentID string)) Option {
	return func(m *Manager) {
		if fn != nil {
			m.onVerifiedChange = fn
		}
	}
}

// WithRevocationHook registers a hook invoked when a verification
// fails for an agent that has at least one prior verified record
// (spec §7: the revocation broker is notified, never for a first
// attestation that has nothing established to revoke).
func WithRevocationHook(fn func(ctx context.Context, agentID string, index uint64, failureType core.FailureType)) Option {
	return func(m *Manager) {
		if fn != nil {
			m.onRevocable = fn
		}
	}
}

// WithKeyReleaseGate wires the key-release boundary (spec §1 Non-goals:
// the core invokes key distribution crypto, it does not implement it).
func WithKeyReleaseGate(gate *keyrelease.Gate, onRelease func(agentID string, index uint64, key []byte)) Option {
	return func(m *Manager) {
		m.keyGate = gate
		m.onKeyRelease = onRelease
	}
}

// WithMetrics wires the Prometheus instruments spec §6.4 names.
func WithMetrics(recorder MetricsRecorder) Option {
	return func(m *Manager) {
		m.metrics = recorder
	}
}

func (m *Manager) recordCreated() {
	if m.metrics != nil {
		m.metrics.AttestationCreated()
	}
}

func (m *Manager) recordVerification(failureType core.FailureType, duration time.Duration) {
	if m.metrics != nil {
		m.metrics.VerificationCompleted(string(failureType), duration)
	}
}

func (m *Manager) recordCleaned(reason string) {
	if m.metrics != nil {
		m.metrics.RecordCleaned(reason)
	}
}

func (m *Manager) recordBoottimeRegression() {
	if m.metrics != nil {
		m.metrics.BoottimeRegression()
	}
}

// New constructs a Lifecycle Manager.
func New(s *store.Store, locks *lockset.Set, adapter tpmverify.Adapter, policy *policyengine.Engine, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		store:   s,
		locks:   locks,
		adapter: adapter,
		policy:  policy,
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Capabilities is the input to Create, per spec §4.D.1.
type Capabilities struct {
	Boottime          int64
	SupportedHashAlgs []string
	SupportedEncAlgs  []string
	SupportedSignAlgs []string
}

// Evidence is the input to ReceiveEvidence, per spec §4.D.2.
type Evidence struct {
	StartingIMAOffset uint64
	TPMQuote          []byte
	IMAEntries        []byte
	MBEntries         []byte
}

func firstMatch(accept, supported []string) (string, bool) {
	supportedSet := make(map[string]struct{}, len(supported))
	for _, s := range supported {
		supportedSet[s] = struct{}{}
	}
	for _, a := range accept {
		if _, ok := supportedSet[a]; ok {
			return a, true
		}
	}
	return "", false
}

// Create implements spec §4.D.1.
func (m *Manager) Create(ctx context.Context, agentID string, caps Capabilities) (*core.Attestation, error) {
	unlock := m.locks.Lock(agentID)
	defer unlock()

	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("load agent: %w", err)
	}
	if agent == nil {
		return nil, &core.NotFoundError{AgentID: agentID}
	}

	var attestation *core.Attestation
	for attempt := 0; attempt < 2; attempt++ {
		attestation, err = m.tryCreate(ctx, agentID, agent, caps)
		if err == nil {
			break
		}
		if _, ok := err.(*core.ConflictError); ok && attempt == 0 {
			continue
		}
		return nil, err
	}
	if attestation == nil {
		return nil, fmt.Errorf("create attestation: exhausted retries")
	}

	m.recordCreated()

	if err := m.cleanupStalePriors(ctx, agentID, attestation.Index); err != nil {
		m.logger.Warn("cleanup_stale_priors failed", "agent_id", agentID, "error", err)
	}
	m.invalidateSchedule(agentID)
	return attestation, nil
}

func (m *Manager) tryCreate(ctx context.Context, agentID string, agent *core.Agent, caps Capabilities) (*core.Attestation, error) {
	last, err := m.store.GetLast(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("get last attestation: %w", err)
	}
	index := uint64(0)
	if last != nil {
		index = last.Index + 1
	}

	hashAlg, ok := firstMatch(agent.AcceptHashAlgs, caps.SupportedHashAlgs)
	if !ok {
		return nil, &core.CapabilityNegotiationError{Kind: "hash"}
	}
	encAlg, ok := firstMatch(agent.AcceptEncAlgs, caps.SupportedEncAlgs)
	if !ok {
		return nil, &core.CapabilityNegotiationError{Kind: "enc"}
	}
	signAlg, ok := firstMatch(agent.AcceptSignAlgs, caps.SupportedSignAlgs)
	if !ok {
		return nil, &core.CapabilityNegotiationError{Kind: "sign"}
	}

	startingIMAOffset, err := m.computeStartingIMAOffset(ctx, agentID, index, caps.Boottime)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	now := m.now()
	attestation := core.Attestation{
		AgentID:           agentID,
		Index:             index,
		Status:            core.StatusWaiting,
		Boottime:          caps.Boottime,
		SupportedHashAlgs: caps.SupportedHashAlgs,
		SupportedEncAlgs:  caps.SupportedEncAlgs,
		SupportedSignAlgs: caps.SupportedSignAlgs,
		Nonce:             nonce,
		NonceCreatedAt:    now,
		NonceExpiresAt:    now.Add(m.cfg.NonceLifetime),
		HashAlg:           hashAlg,
		EncAlg:            encAlg,
		SignAlg:           signAlg,
		StartingIMAOffset: startingIMAOffset,
	}

	if err := m.store.Insert(ctx, attestation); err != nil {
		return nil, err
	}
	return &attestation, nil
}

// computeStartingIMAOffset implements spec §4.D.4.
func (m *Manager) computeStartingIMAOffset(ctx context.Context, agentID string, index uint64, boottime int64) (uint64, error) {
	prev, err := m.store.GetPreviousAuthenticated(ctx, agentID, index)
	if err != nil {
		return 0, fmt.Errorf("get previous authenticated: %w", err)
	}
	if prev == nil {
		return 0, nil
	}
	switch {
	case boottime > prev.Boottime:
		return 0, nil
	case boottime == prev.Boottime:
		return prev.StartingIMAOffset + prev.QuotedIMAEntriesCount, nil
	default:
		m.recordBoottimeRegression()
		return 0, &core.BoottimeRegressionError{Previous: prev.Boottime, Reported: boottime}
	}
}

// cleanupStalePriors implements spec §4.D.4's bound on pathological
// accumulation: the immediate prior record (by raw index) is deleted
// iff it is still waiting, or received past its decision deadline.
func (m *Manager) cleanupStalePriors(ctx context.Context, agentID string, index uint64) error {
	if index == 0 {
		return nil
	}
	prior, err := m.store.Get(ctx, agentID, index-1)
	if err != nil {
		return fmt.Errorf("get prior record: %w", err)
	}
	if prior == nil {
		return nil
	}

	now := m.now()
	stale := prior.Status == core.StatusWaiting ||
		(prior.Status == core.StatusReceived && now.After(prior.DecisionExpectedBy(m.cfg.QuoteInterval, m.cfg.VerificationTimeout)))
	if !stale {
		return nil
	}
	if err := m.store.Delete(ctx, agentID, prior.Index); err != nil {
		return err
	}
	m.recordCleaned("stale_prior")
	return nil
}

// ReceiveEvidence implements spec §4.D.2.
func (m *Manager) ReceiveEvidence(ctx context.Context, agentID string, index uint64, ev Evidence) (*core.Attestation, error) {
	unlock := m.locks.Lock(agentID)
	defer unlock()

	rec, err := m.store.Get(ctx, agentID, index)
	if err != nil {
		return nil, fmt.Errorf("get attestation: %w", err)
	}
	if rec == nil {
		idx := index
		return nil, &core.NotFoundError{AgentID: agentID, Index: &idx}
	}
	if rec.Status != core.StatusWaiting {
		return nil, core.NewProtocolError(409, "attestation %s/%d is not waiting for evidence", agentID, index)
	}
	if m.now().After(rec.NonceExpiresAt) {
		return nil, &core.NonceExpiredError{AgentID: agentID, Index: index}
	}
	if ev.StartingIMAOffset != rec.StartingIMAOffset {
		return nil, core.NewProtocolError(400, "starting_ima_offset mismatch: want %d got %d", rec.StartingIMAOffset, ev.StartingIMAOffset)
	}
	if len(ev.TPMQuote) == 0 {
		return nil, &core.EvidenceMissingError{Field: "tpm_quote"}
	}

	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("load agent: %w", err)
	}
	if agent == nil {
		return nil, &core.NotFoundError{AgentID: agentID}
	}
	if runtimePolicyPresent(agent.RuntimePolicy) && len(ev.IMAEntries) == 0 {
		return nil, &core.EvidenceMissingError{Field: "ima_entries"}
	}
	if rec.StartingIMAOffset == 0 && len(ev.IMAEntries) > 0 {
		if !firstLineIsBootAggregate(ev.IMAEntries) {
			return nil, core.NewProtocolError(400, "first ima_entries line at offset 0 must be boot_aggregate")
		}
	}

	rec.Status = core.StatusReceived
	rec.TPMQuote = ev.TPMQuote
	rec.IMAEntries = ev.IMAEntries
	rec.MBEntries = ev.MBEntries
	rec.EvidenceReceivedAt = m.now()

	if err := m.store.Update(ctx, *rec); err != nil {
		return nil, fmt.Errorf("update attestation: %w", err)
	}
	m.invalidateSchedule(agentID)
	return rec, nil
}

func runtimePolicyPresent(rp core.RuntimePolicy) bool {
	return len(rp.Allowlist) > 0 || len(rp.RequireSignature) > 0
}

func firstLineIsBootAggregate(log []byte) bool {
	scanner := bufio.NewScanner(bytes.NewReader(log))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		return strings.Contains(line, "boot_aggregate")
	}
	return false
}

// VerifyEvidence implements spec §4.D.3.
func (m *Manager) VerifyEvidence(ctx context.Context, agentID string, index uint64) (*core.Attestation, error) {
	unlock := m.locks.Lock(agentID)
	defer unlock()

	rec, err := m.store.Get(ctx, agentID, index)
	if err != nil {
		return nil, fmt.Errorf("get attestation: %w", err)
	}
	if rec == nil {
		idx := index
		return nil, &core.NotFoundError{AgentID: agentID, Index: &idx}
	}
	if rec.Status != core.StatusReceived {
		return nil, core.NewProtocolError(409, "attestation %s/%d has no evidence to verify", agentID, index)
	}

	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("load agent: %w", err)
	}
	if agent == nil {
		return nil, &core.NotFoundError{AgentID: agentID}
	}

	priorIMAPCR, err := m.loadPriorIMAPCR(ctx, agentID, rec.Index, rec.StartingIMAOffset)
	if err != nil {
		return nil, err
	}

	req := tpmverify.Request{
		Nonce:             rec.Nonce,
		AKPublic:          agent.AKTPM,
		Quote:             rec.TPMQuote,
		HashAlg:           rec.HashAlg,
		IMALog:            rec.IMAEntries,
		MBLog:             rec.MBEntries,
		StartingIMAOffset: rec.StartingIMAOffset,
		PriorIMAPCR:       priorIMAPCR,
		MeasuredBootPCRs:  m.cfg.MeasuredBootPCRs,
		IMAPCR:            m.cfg.IMAPCR,
	}

	start := m.now()
	result, authFailure := m.adapter.Verify(req)
	var (
		committed *core.Attestation
		commitErr error
	)
	if authFailure != nil {
		committed, commitErr = m.commitQuoteAuthenticationFailure(ctx, rec, agent, authFailure)
	} else {
		committed, commitErr = m.commitPolicyOutcome(ctx, rec, agent, result)
	}
	if commitErr == nil {
		m.recordVerification(committed.FailureType, m.now().Sub(start))
	}
	return committed, commitErr
}

func (m *Manager) commitQuoteAuthenticationFailure(ctx context.Context, rec *core.Attestation, agent *core.Agent, failure *tpmverify.AuthenticationFailure) (*core.Attestation, error) {
	rec.Status = core.StatusFailed
	if failure.Stage == tpmverify.StageQuote {
		rec.FailureType = core.FailureQuoteAuthentication
	} else {
		rec.FailureType = core.FailureLogAuthentication
	}
	// Per spec §4.D.3: on a quote_authentication failure, the extracted
	// PCR/clock values are never persisted and the learned keyring is
	// left untouched, since nothing about the evidence was genuine.
	if err := m.store.Update(ctx, *rec); err != nil {
		return nil, fmt.Errorf("update attestation: %w", err)
	}
	if err := m.store.SetAttestationGate(ctx, rec.AgentID, false, agent.LearnedIMAKeyrings); err != nil {
		m.logger.Warn("set attestation gate failed", "agent_id", rec.AgentID, "error", err)
	}
	m.notifyRevocation(ctx, rec)
	m.invalidateSchedule(rec.AgentID)
	return rec, nil
}

func (m *Manager) commitPolicyOutcome(ctx context.Context, rec *core.Attestation, agent *core.Agent, result *tpmverify.QuoteResult) (*core.Attestation, error) {
	keyring, err := policyengine.NewKeyring(agent.RuntimePolicy.VerificationKeys)
	if err != nil {
		return nil, &core.ConfigurationError{Message: fmt.Sprintf("invalid verification keys for agent %s: %v", rec.AgentID, err)}
	}
	if err := keyring.RestoreLearned(agent.LearnedIMAKeyrings); err != nil {
		m.logger.Warn("restore learned keyring failed", "agent_id", rec.AgentID, "error", err)
	}

	compiled, err := policyengine.CompileRuntimePolicy(agent.RuntimePolicy)
	if err != nil {
		return nil, err
	}

	polResult := m.policy.Evaluate(policyengine.Input{
		VerifiedPCRs:      result.PCRs,
		TPMPolicy:         agent.TPMPolicy,
		IMALog:            rec.IMAEntries,
		RuntimePolicy:     compiled,
		StartingIMAOffset: rec.StartingIMAOffset,
		Keyring:           keyring,
		MeasuredBootPCRs:  m.cfg.MeasuredBootPCRs,
	})

	rec.TPMClockInfo = marshalClockInfo(result.Clock)
	rec.IMAPCRs = hexifyPCRs(result.PCRs)
	rec.QuotedIMAEntriesCount = result.IMAEntriesConsumed

	learnedBytes, err := polResult.Keyring.Serialize()
	if err != nil {
		m.logger.Warn("serialize learned keyring failed", "agent_id", rec.AgentID, "error", err)
	}

	if !polResult.Failure.Empty() {
		rec.Status = core.StatusFailed
		rec.FailureType = core.FailureTypeFor(polResult.Failure)
		if err := m.store.Update(ctx, *rec); err != nil {
			return nil, fmt.Errorf("update attestation: %w", err)
		}
		if err := m.store.SetAttestationGate(ctx, rec.AgentID, false, learnedBytes); err != nil {
			m.logger.Warn("set attestation gate failed", "agent_id", rec.AgentID, "error", err)
		}
		m.notifyRevocation(ctx, rec)
		m.invalidateSchedule(rec.AgentID)
		return rec, nil
	}

	rec.Status = core.StatusVerified
	rec.FailureType = core.FailureNone
	if err := m.store.Update(ctx, *rec); err != nil {
		return nil, fmt.Errorf("update attestation: %w", err)
	}
	if err := m.store.SetAttestationGate(ctx, rec.AgentID, true, learnedBytes); err != nil {
		m.logger.Warn("set attestation gate failed", "agent_id", rec.AgentID, "error", err)
	}

	m.releaseKey(rec, agent)
	if err := m.cleanupVerifiedPrior(ctx, rec); err != nil {
		m.logger.Warn("verified-prior cleanup failed", "agent_id", rec.AgentID, "error", err)
	}
	m.invalidateSchedule(rec.AgentID)
	return rec, nil
}

func (m *Manager) releaseKey(rec *core.Attestation, agent *core.Agent) {
	if m.keyGate == nil || m.onKeyRelease == nil {
		return
	}
	key, err := m.keyGate.WrappingKey(agent.AKTPM, rec.Nonce)
	if err != nil {
		m.logger.Warn("derive key-release wrapping key failed", "agent_id", rec.AgentID, "error", err)
		return
	}
	m.onKeyRelease(rec.AgentID, rec.Index, key)
}

// cleanupVerifiedPrior drops the immediate prior record once both it
// and the current cycle are verified and the prior carried forward a
// nonzero IMA offset, matching spec §4.D.3 step 8's bound on history.
func (m *Manager) cleanupVerifiedPrior(ctx context.Context, rec *core.Attestation) error {
	if rec.Index == 0 {
		return nil
	}
	prior, err := m.store.Get(ctx, rec.AgentID, rec.Index-1)
	if err != nil {
		return fmt.Errorf("get prior record: %w", err)
	}
	if prior == nil || prior.Status != core.StatusVerified || prior.StartingIMAOffset == 0 {
		return nil
	}
	if err := m.store.Delete(ctx, rec.AgentID, prior.Index); err != nil {
		return err
	}
	m.recordCleaned("verified_prior")
	return nil
}

func (m *Manager) notifyRevocation(ctx context.Context, rec *core.Attestation) {
	if m.onRevocable == nil {
		return
	}
	prev, err := m.store.GetPreviousSuccessful(ctx, rec.AgentID, rec.Index)
	if err != nil {
		m.logger.Warn("lookup previous successful attestation failed", "agent_id", rec.AgentID, "error", err)
		return
	}
	if prev == nil {
		return
	}
	m.onRevocable(ctx, rec.AgentID, rec.Index, rec.FailureType)
}

func (m *Manager) invalidateSchedule(agentID string) {
	if m.onVerifiedChange != nil {
		m.onVerifiedChange(agentID)
	}
}

func marshalClockInfo(c tpmverify.ClockInfo) []byte {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil
	}
	return raw
}

// loadPriorIMAPCR fetches previous_authenticated_attestation's ima_pcrs
// entry for IMAPCR, per spec §4.D.3 step 1's attest_state seed. A fresh
// boot epoch (startingIMAOffset == 0) needs no prior state.
func (m *Manager) loadPriorIMAPCR(ctx context.Context, agentID string, index uint64, startingIMAOffset uint64) ([]byte, error) {
	if startingIMAOffset == 0 {
		return nil, nil
	}
	prev, err := m.store.GetPreviousAuthenticated(ctx, agentID, index)
	if err != nil {
		return nil, fmt.Errorf("get previous authenticated: %w", err)
	}
	if prev == nil {
		return nil, nil
	}
	digestHex, ok := prev.IMAPCRs[m.cfg.IMAPCR]
	if !ok {
		return nil, nil
	}
	digest, err := hex.DecodeString(digestHex)
	if err != nil {
		return nil, fmt.Errorf("decode prior ima pcr: %w", err)
	}
	return digest, nil
}

func hexifyPCRs(pcrs map[int][]byte) map[int]string {
	out := make(map[int]string, len(pcrs))
	for idx, digest := range pcrs {
		out[idx] = hex.EncodeToString(digest)
	}
	return out
}
