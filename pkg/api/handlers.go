package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aegnix/abi/pkg/admission"
	"github.com/aegnix/abi/pkg/audit"
	"github.com/aegnix/abi/pkg/auth"
	"github.com/aegnix/abi/pkg/bus"
	"github.com/aegnix/abi/pkg/capability"
	"github.com/aegnix/abi/pkg/crypto"
	"github.com/aegnix/abi/pkg/emit"
	"github.com/aegnix/abi/pkg/keyring"
	"github.com/aegnix/abi/pkg/observability"
	"github.com/aegnix/abi/pkg/policy"
	"github.com/aegnix/abi/pkg/session"
)

// maxBodyBytes bounds every request body the gateway reads.
const maxBodyBytes = 1 << 20

// Server owns the HTTP surface and its dependencies.
type Server struct {
	keys      *keyring.Store
	caps      *capability.Store
	admission *admission.Service
	issuer    *auth.Issuer
	pipeline  *emit.Pipeline
	bus       *bus.Bus
	loader    *policy.Loader
	registry  *session.Registry
	profiles  *session.Profiles
	audit     *audit.Logger
	obs       *observability.Provider
	log       *slog.Logger
	now       func() time.Time

	authn     *Authenticator
	admitRate *IPRateLimiter
}

// Options collects the Server's collaborators.
type Options struct {
	Keys      *keyring.Store
	Caps      *capability.Store
	Admission *admission.Service
	Issuer    *auth.Issuer
	Validator *auth.Validator
	Pipeline  *emit.Pipeline
	Bus       *bus.Bus
	Loader    *policy.Loader
	Registry  *session.Registry
	Profiles  *session.Profiles
	Audit     *audit.Logger
	Obs       *observability.Provider
	Log       *slog.Logger

	SessionSecret  []byte
	AdmissionRPS   int
	AdmissionBurst int
}

// NewServer wires the server.
func NewServer(opts Options) *Server {
	profiles := opts.Profiles
	if profiles == nil {
		profiles = session.DefaultProfiles()
	}
	s := &Server{
		keys:      opts.Keys,
		caps:      opts.Caps,
		admission: opts.Admission,
		issuer:    opts.Issuer,
		pipeline:  opts.Pipeline,
		bus:       opts.Bus,
		loader:    opts.Loader,
		registry:  opts.Registry,
		profiles:  profiles,
		audit:     opts.Audit,
		obs:       opts.Obs,
		log:       opts.Log,
		now:       time.Now,
	}
	s.authn = NewAuthenticator(opts.Validator, opts.SessionSecret, s.lookupRoles, s.checkIdle)
	s.admitRate = NewIPRateLimiter(opts.AdmissionRPS, opts.AdmissionBurst)
	return s
}

// lookupRoles re-reads the keyring so a revocation or role edit takes
// effect on the very next request, grant contents notwithstanding.
func (s *Server) lookupRoles(r *http.Request, aeID string) ([]string, bool) {
	rec, err := s.keys.Get(r.Context(), aeID)
	if err != nil || rec.Status == keyring.StatusRevoked {
		return nil, false
	}
	return rec.Roles, true
}

// checkIdle enforces the profile's idle limit: a grant whose subject has
// been silent longer than the profile's MaxIdle is treated as expired
// even inside the grant's lifetime. An AE the registry has never seen
// passes; a passing request refreshes presence.
func (s *Server) checkIdle(aeID, profile string) bool {
	prof, err := s.profiles.Resolve(profile)
	if err != nil {
		return false
	}
	if last, ok := s.registry.LastSeen(aeID); ok && s.now().Sub(last) > prof.MaxIdle {
		return false
	}
	s.registry.Touch(aeID, profile)
	return true
}

// Routes builds the full handler chain.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /register", s.admitRate.Middleware(http.HandlerFunc(s.handleRegister)))
	mux.Handle("POST /verify", s.admitRate.Middleware(http.HandlerFunc(s.handleVerify)))

	mux.Handle("POST /emit", s.authn.Require(http.HandlerFunc(s.handleEmit)))
	mux.Handle("POST /capabilities", s.authn.Require(http.HandlerFunc(s.handleCapabilities)))
	mux.Handle("GET /subscribe/{topic}", s.authn.Require(http.HandlerFunc(s.handleSubscribe)))
	mux.Handle("POST /heartbeat", s.authn.Require(http.HandlerFunc(s.handleHeartbeat)))

	mux.Handle("GET /admin/keys", s.authn.RequireAdmin(http.HandlerFunc(s.handleListKeys)))
	mux.Handle("POST /admin/keys", s.authn.RequireAdmin(http.HandlerFunc(s.handleEnrollKey)))
	mux.Handle("POST /admin/keys/revoke", s.authn.RequireAdmin(http.HandlerFunc(s.handleRevokeKey)))
	mux.Handle("GET /admin/runtime", s.authn.RequireAdmin(http.HandlerFunc(s.handleRuntime)))
	mux.Handle("GET /audit/tail", s.authn.RequireAdmin(http.HandlerFunc(s.handleAuditTail)))

	mux.HandleFunc("GET /healthz", s.handleHealthz)

	return RequestID(s.instrument(mux))
}

// instrument records request rate and latency per path.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.obs.RecordRequest(r.Context())
		s.obs.RecordDuration(r.Context(), time.Since(start))
	})
}

type registerRequest struct {
	AEID string `json:"ae_id"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	if req.AEID == "" {
		WriteBadRequest(w, r, "ae_id is required")
		return
	}

	nonce, err := s.admission.IssueChallenge(r.Context(), req.AEID)
	switch {
	case errors.Is(err, keyring.ErrNotFound):
		WriteNotFound(w, r, fmt.Sprintf("ae_id %q is not enrolled", req.AEID))
	case errors.Is(err, admission.ErrNotTrusted):
		WriteUnauthorized(w, r, "NotTrusted", "identity is revoked")
	case err != nil:
		WriteInternal(w, r, s.log, err)
	default:
		WriteJSON(w, http.StatusOK, map[string]string{"ae_id": req.AEID, "nonce": nonce})
	}
}

type verifyRequest struct {
	AEID        string `json:"ae_id"`
	SignedNonce string `json:"signed_nonce"`
	Profile     string `json:"profile,omitempty"`
}

type verifyResponse struct {
	Grant     string `json:"grant"`
	TokenType string `json:"token_type"`
	ExpiresIn int    `json:"expires_in"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	if req.AEID == "" || req.SignedNonce == "" {
		WriteBadRequest(w, r, "ae_id and signed_nonce are required")
		return
	}
	sig, err := base64.StdEncoding.DecodeString(req.SignedNonce)
	if err != nil {
		WriteBadRequest(w, r, "signed_nonce must be base64")
		return
	}

	rec, err := s.admission.VerifyResponse(r.Context(), req.AEID, sig)
	switch {
	case errors.Is(err, keyring.ErrNotFound):
		WriteNotFound(w, r, fmt.Sprintf("ae_id %q is not enrolled", req.AEID))
		return
	case errors.Is(err, admission.ErrNotTrusted):
		WriteUnauthorized(w, r, "NotTrusted", "identity is revoked")
		return
	case errors.Is(err, admission.ErrNonceExpired):
		WriteUnauthorized(w, r, "NonceExpired", "challenge expired or already consumed")
		return
	case errors.Is(err, admission.ErrBadSignature):
		WriteUnauthorized(w, r, "BadSignature", "challenge signature invalid")
		return
	case err != nil:
		WriteInternal(w, r, s.log, err)
		return
	}

	grant, expires, err := s.issuer.Issue(rec.AEID, rec.Roles, req.Profile)
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}

	s.registry.Touch(rec.AEID, req.Profile)
	WriteJSON(w, http.StatusOK, verifyResponse{
		Grant:     grant,
		TokenType: "Bearer",
		ExpiresIn: int(time.Until(expires).Seconds()),
	})
}

func (s *Server) handleEmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		WriteBadRequest(w, r, "unreadable body")
		return
	}

	ack, err := s.pipeline.Emit(r.Context(), auth.PrincipalFrom(r.Context()), body)
	if err != nil {
		s.writeEmitError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":    "accepted",
		"digest":    ack.Digest,
		"delivered": ack.Delivered,
	})
}

func (s *Server) writeEmitError(w http.ResponseWriter, r *http.Request, err error) {
	var d *emit.Denial
	if errors.As(err, &d) {
		s.obs.RecordDenial(r.Context(), d.Code)
		WriteProblem(w, r, d.Status, d.Code, d.Reason)
		return
	}
	if errors.Is(err, r.Context().Err()) && r.Context().Err() != nil {
		// Client went away; nothing useful to write.
		return
	}
	WriteInternal(w, r, s.log, err)
}

type capabilityRequest struct {
	Publishes  []string                   `json:"publishes"`
	Subscribes []string                   `json:"subscribes"`
	Meta       map[string]json.RawMessage `json:"meta,omitempty"`
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFrom(r.Context())
	var req capabilityRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}

	// Static-subject fence: an AE may only declare subjects the operator
	// has named somewhere in the static policy.
	doc := s.loader.Current()
	var unknown []string
	for _, subj := range append(append([]string{}, req.Publishes...), req.Subscribes...) {
		if !doc.KnowsSubject(subj) {
			unknown = append(unknown, subj)
		}
	}
	if len(unknown) > 0 {
		WriteBadRequest(w, r, fmt.Sprintf("unknown subjects: %s", strings.Join(unknown, ", ")))
		return
	}

	rec, err := s.caps.Put(r.Context(), p.AEID, capability.Record{
		AEID:       p.AEID,
		Publishes:  req.Publishes,
		Subscribes: req.Subscribes,
		Meta:       req.Meta,
	})
	if err != nil {
		WriteInternal(w, r, s.log, err)
		return
	}

	s.registry.Touch(p.AEID, p.Profile)
	WriteJSON(w, http.StatusOK, rec)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFrom(r.Context())
	s.registry.Touch(p.AEID, p.Profile)
	w.WriteHeader(http.StatusNoContent)
}

type enrollRequest struct {
	AEID      string     `json:"ae_id"`
	PubKey    string     `json:"pubkey"`
	Roles     []string   `json:"roles,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (s *Server) handleEnrollKey(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFrom(r.Context())
	var req enrollRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	if req.AEID == "" || req.PubKey == "" {
		WriteBadRequest(w, r, "ae_id and pubkey are required")
		return
	}
	pub, err := crypto.DecodeKey(req.PubKey)
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}

	rec, err := s.keys.Upsert(r.Context(), p.AEID, keyring.Record{
		AEID:      req.AEID,
		PubKey:    pub,
		Roles:     req.Roles,
		ExpiresAt: req.ExpiresAt,
	}, true)
	switch {
	case errors.Is(err, keyring.ErrTrustDowngrade):
		WriteConflict(w, r, "upsert would lower trust state")
	case err != nil:
		WriteInternal(w, r, s.log, err)
	default:
		WriteJSON(w, http.StatusOK, rec)
	}
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	recs, err := s.keys.List(r.Context())
	if err != nil {
		WriteInternal(w, r, s.log, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"keys": recs})
}

type revokeRequest struct {
	AEID string `json:"ae_id"`
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFrom(r.Context())
	var req revokeRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	if req.AEID == "" {
		WriteBadRequest(w, r, "ae_id is required")
		return
	}

	if err := s.keys.SetStatus(r.Context(), p.AEID, req.AEID, keyring.StatusRevoked); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			WriteNotFound(w, r, fmt.Sprintf("ae_id %q is not enrolled", req.AEID))
			return
		}
		WriteInternal(w, r, s.log, err)
		return
	}

	// Cascade: stale capability grants must not outlive the identity.
	if err := s.caps.Delete(r.Context(), p.AEID, req.AEID); err != nil && !errors.Is(err, capability.ErrNotFound) {
		WriteInternal(w, r, s.log, err)
		return
	}
	s.registry.Forget(req.AEID)

	WriteJSON(w, http.StatusOK, map[string]string{"ae_id": req.AEID, "status": string(keyring.StatusRevoked)})
}

func (s *Server) handleRuntime(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"agents":      s.registry.Snapshot(),
		"subscribers": s.bus.SubscriberCount(),
	})
}

func (s *Server) handleAuditTail(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			WriteBadRequest(w, r, "limit must be a positive integer")
			return
		}
		limit = n
	}

	lines, err := s.audit.Tail(limit)
	if err != nil {
		WriteInternal(w, r, s.log, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	for _, line := range lines {
		fmt.Fprintln(w, line)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}
