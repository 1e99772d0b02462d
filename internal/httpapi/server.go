// Package httpapi implements Component F, the Verifier Controller from
// spec §4.F: authenticate the request, route to the Lifecycle Manager
// or Scheduler, and produce the {code, status, results} envelope.
// Verification is handed off to the worker pool so the evidence-submit
// handler returns as soon as receive_evidence commits.
package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coreattest/verifier/internal/core"
	"github.com/coreattest/verifier/internal/lifecycle"
	"github.com/coreattest/verifier/internal/scheduler"
	"github.com/coreattest/verifier/internal/store"
	"github.com/coreattest/verifier/internal/workerpool"
)

// protocolVersion is the only version segment this core accepts; any
// other value in the {v} path slot is a 404, version negotiation being
// an external concern per SPEC_FULL.md §4.F's concrete binding note.
const protocolVersion = "v2"

// Server is the Verifier Controller.
type Server struct {
	lifecycle     *lifecycle.Manager
	scheduler     *scheduler.Scheduler
	store         *store.Store
	pool          *workerpool.Pool
	logger        *slog.Logger
	quoteInterval time.Duration
}

// New constructs a Server wired to its collaborators. quoteInterval is
// the same configuration value the Lifecycle Manager uses to derive
// next_attestation_expected_after, needed here to report
// next_attestation_expected_after_seconds on evidence submission.
func New(lc *lifecycle.Manager, sched *scheduler.Scheduler, s *store.Store, pool *workerpool.Pool, quoteInterval time.Duration, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{lifecycle: lc, scheduler: sched, store: s, pool: pool, quoteInterval: quoteInterval, logger: logger}
}

// Routes builds the net/http 1.22+ method-and-wildcard mux, authenticating
// every request before dispatch.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /{version}/agents/{uuid}/attestations", s.createAttestation)
	mux.HandleFunc("PATCH /{version}/agents/{uuid}/attestations/{index}", s.receiveEvidence)
	mux.HandleFunc("GET /{version}/agents/{uuid}/attestations/{index}", s.getAttestation)
	mux.HandleFunc("GET /{version}/agents/{uuid}", s.getAgent)
	mux.HandleFunc("DELETE /{version}/agents/{uuid}", s.stopAttesting)
	return s.authenticate(mux)
}

// authenticate implements obligation (a) of spec §4.F: identify the
// caller from its mTLS client certificate in push mode. It requires
// only that an identity (the certificate's common name) is present; it
// does not compare it with the path's {uuid}. An X-Attested-Agent-ID header is accepted as a stand-in identity for
// environments that terminate mTLS upstream (e.g. a local dev server
// or this core's own test suite), same posture as the tenant-header
// stand-in the example pack's sibling integration service uses ahead
// of its own mux.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := peerIdentity(r)
		if identity == "" {
			writeError(w, http.StatusUnauthorized, "missing client identity")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func peerIdentity(r *http.Request) string {
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		return r.TLS.PeerCertificates[0].Subject.CommonName
	}
	return r.Header.Get("X-Attested-Agent-ID")
}

func (s *Server) versionOK(w http.ResponseWriter, r *http.Request) bool {
	if r.PathValue("version") != protocolVersion {
		writeError(w, http.StatusNotFound, "unsupported protocol version")
		return false
	}
	return true
}

type createRequest struct {
	Boottime          int64    `json:"boottime"`
	SupportedHashAlgs []string `json:"supported_hash_algs"`
	SupportedEncAlgs  []string `json:"supported_enc_algs"`
	SupportedSignAlgs []string `json:"supported_sign_algs"`
}

func (s *Server) createAttestation(w http.ResponseWriter, r *http.Request) {
	if !s.versionOK(w, r) {
		return
	}
	agentID := r.PathValue("uuid")

	wait, err := s.scheduler.AcceptNewAttestationsIn(r.Context(), agentID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if wait == scheduler.Infinite {
		writeError(w, http.StatusPreconditionFailed, "agent is not accepting attestations")
		return
	}
	if wait > 0 {
		writeEnvelope(w, http.StatusTooManyRequests, "error", map[string]any{"retry_after_seconds": wait.Seconds()})
		return
	}

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	rec, err := s.lifecycle.Create(r.Context(), agentID, lifecycle.Capabilities{
		Boottime:          req.Boottime,
		SupportedHashAlgs: req.SupportedHashAlgs,
		SupportedEncAlgs:  req.SupportedEncAlgs,
		SupportedSignAlgs: req.SupportedSignAlgs,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	writeOK(w, http.StatusCreated, map[string]any{
		"index":               rec.Index,
		"nonce":               base64.StdEncoding.EncodeToString(rec.Nonce),
		"hash_alg":            rec.HashAlg,
		"enc_alg":             rec.EncAlg,
		"sign_alg":            rec.SignAlg,
		"starting_ima_offset": rec.StartingIMAOffset,
		"nonce_expires_at":    rec.NonceExpiresAt.Format(time.RFC3339),
	})
}

type evidenceRequest struct {
	TPMQuote          string `json:"tpm_quote"`
	IMAEntries        string `json:"ima_entries,omitempty"`
	MBEntries         string `json:"mb_entries,omitempty"`
	StartingIMAOffset uint64 `json:"starting_ima_offset"`
}

func (s *Server) receiveEvidence(w http.ResponseWriter, r *http.Request) {
	if !s.versionOK(w, r) {
		return
	}
	agentID := r.PathValue("uuid")
	index, ok := parseIndex(w, r)
	if !ok {
		return
	}

	var req evidenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	quote, err := base64.StdEncoding.DecodeString(req.TPMQuote)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "tpm_quote is not valid base64")
		return
	}
	ima, _ := base64.StdEncoding.DecodeString(req.IMAEntries)
	mb, _ := base64.StdEncoding.DecodeString(req.MBEntries)

	rec, err := s.lifecycle.ReceiveEvidence(r.Context(), agentID, index, lifecycle.Evidence{
		StartingIMAOffset: req.StartingIMAOffset,
		TPMQuote:          quote,
		IMAEntries:        ima,
		MBEntries:         mb,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	if s.pool != nil {
		if err := s.pool.Submit(r.Context(), workerpool.Job{AgentID: agentID, Index: index}); err != nil {
			s.logger.Error("submit verify_evidence job failed", "agent_id", agentID, "index", index, "error", err)
		}
	}

	writeOK(w, http.StatusOK, map[string]any{
		"next_attestation_expected_after_seconds": rec.NextAttestationExpectedAfter(s.quoteInterval).Sub(rec.EvidenceReceivedAt).Seconds(),
	})
}

func (s *Server) getAttestation(w http.ResponseWriter, r *http.Request) {
	if !s.versionOK(w, r) {
		return
	}
	agentID := r.PathValue("uuid")
	index, ok := parseIndex(w, r)
	if !ok {
		return
	}

	rec, err := s.store.Get(r.Context(), agentID, index)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "attestation not found")
		return
	}

	writeOK(w, http.StatusOK, map[string]any{
		"agent_id":                 rec.AgentID,
		"index":                    rec.Index,
		"status":                   rec.Status,
		"failure_type":             rec.FailureType,
		"boottime":                 rec.Boottime,
		"hash_alg":                 rec.HashAlg,
		"enc_alg":                  rec.EncAlg,
		"sign_alg":                 rec.SignAlg,
		"starting_ima_offset":      rec.StartingIMAOffset,
		"quoted_ima_entries_count": rec.QuotedIMAEntriesCount,
		"nonce_expires_at":         rec.NonceExpiresAt.Format(time.RFC3339),
	})
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	if !s.versionOK(w, r) {
		return
	}
	agentID := r.PathValue("uuid")

	agent, err := s.store.GetAgent(r.Context(), agentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if agent == nil {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	last, err := s.store.GetLast(r.Context(), agentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeOK(w, http.StatusOK, map[string]any{
		"operational_state":  operationalState(agent, last),
		"accept_attestations": agent.AcceptAttestations,
		"last_verified_index": lastVerifiedIndex(last),
	})
}

func operationalState(agent *core.Agent, last *core.Attestation) string {
	switch {
	case !agent.AcceptAttestations:
		return "quarantined"
	case last == nil:
		return "new"
	case last.Status == core.StatusVerified:
		return "healthy"
	case last.Status == core.StatusFailed:
		return "failed"
	default:
		return "pending"
	}
}

func lastVerifiedIndex(last *core.Attestation) *uint64 {
	if last == nil || last.Status != core.StatusVerified {
		return nil
	}
	idx := last.Index
	return &idx
}

func (s *Server) stopAttesting(w http.ResponseWriter, r *http.Request) {
	if !s.versionOK(w, r) {
		return
	}
	agentID := r.PathValue("uuid")

	agent, err := s.store.GetAgent(r.Context(), agentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if agent == nil {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err := s.store.SetAttestationGate(r.Context(), agentID, false, agent.LearnedIMAKeyrings); err != nil {
		s.writeDomainError(w, err)
		return
	}
	if s.scheduler != nil {
		s.scheduler.Invalidate(agentID)
	}
	writeOK(w, http.StatusAccepted, nil)
}

func parseIndex(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := r.PathValue("index")
	var index uint64
	if _, err := fmt.Sscan(raw, &index); err != nil {
		writeError(w, http.StatusBadRequest, "malformed index")
		return 0, false
	}
	return index, true
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var protoErr *core.ProtocolError
	var notFound *core.NotFoundError
	var conflict *core.ConflictError
	var nonceExpired *core.NonceExpiredError
	var evidenceMissing *core.EvidenceMissingError
	var capNeg *core.CapabilityNegotiationError
	var boottimeRegression *core.BoottimeRegressionError
	var configErr *core.ConfigurationError

	switch {
	case errors.As(err, &protoErr):
		writeError(w, protoErr.Status, protoErr.Message)
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, notFound.Error())
	case errors.As(err, &conflict):
		writeError(w, http.StatusConflict, conflict.Error())
	case errors.As(err, &nonceExpired):
		writeError(w, http.StatusGone, nonceExpired.Error())
	case errors.As(err, &evidenceMissing):
		writeError(w, http.StatusUnprocessableEntity, evidenceMissing.Error())
	case errors.As(err, &capNeg):
		writeError(w, http.StatusUnprocessableEntity, capNeg.Error())
	case errors.As(err, &boottimeRegression):
		writeError(w, http.StatusUnprocessableEntity, boottimeRegression.Error())
	case errors.As(err, &configErr):
		writeError(w, http.StatusInternalServerError, configErr.Error())
	default:
		s.logger.Error("unhandled domain error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
