package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/aegnix/abi/pkg/admission"
	"github.com/aegnix/abi/pkg/audit"
	"github.com/aegnix/abi/pkg/auth"
	"github.com/aegnix/abi/pkg/bus"
	"github.com/aegnix/abi/pkg/capability"
	"github.com/aegnix/abi/pkg/crypto"
	"github.com/aegnix/abi/pkg/database"
	"github.com/aegnix/abi/pkg/emit"
	"github.com/aegnix/abi/pkg/envelope"
	"github.com/aegnix/abi/pkg/keyring"
	"github.com/aegnix/abi/pkg/observability"
	"github.com/aegnix/abi/pkg/policy"
	"github.com/aegnix/abi/pkg/session"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

const testPolicy = `
version: "1.0.0"
subjects:
  telemetry.*:
    pubs: ["pub_ae"]
    subs: ["sub_ae"]
  alerts.fire:
    pubs: ["alert_ae"]
  metrics.*:
    subs: ["sub_ae"]
roles: {}
`

type harness struct {
	srv    *httptest.Server
	server *Server
	keys   *keyring.Store
	caps   *capability.Store
	issuer *auth.Issuer
	signer *crypto.Ed25519Signer
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newHarness(t *testing.T) *harness {
	return newHarnessRate(t, 100, 100)
}

func newHarnessRate(t *testing.T, rps, burst int) *harness {
	t.Helper()
	dir := t.TempDir()

	db, err := database.Open(database.DriverSQLite, filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	log, err := audit.Open(filepath.Join(dir, "audit.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	keys, err := keyring.New(db, log)
	require.NoError(t, err)
	caps, err := capability.New(db, log)
	require.NoError(t, err)

	policyPath := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(policyPath, []byte(testPolicy), 0o644))
	loader, err := policy.NewLoader(policyPath, time.Hour, log, discard())
	require.NoError(t, err)
	engine, err := policy.NewEngine(loader, caps, discard())
	require.NoError(t, err)
	caps.OnChange(func() { _ = engine.Rebuild(context.Background()) })
	loader.OnChange(func(*policy.Document) { _ = engine.Rebuild(context.Background()) })

	registry := session.NewRegistry(30*time.Second, 2*time.Minute)
	b := bus.New(16, discard())
	pipeline := emit.New(keys, engine, b, log, registry, discard())
	admissionSvc := admission.NewService(keys, admission.NewMemoryNonceCache(0), log)
	issuer := auth.NewIssuer(testSecret, session.DefaultProfiles())

	obs, err := observability.New(context.Background(), &observability.Config{}, discard())
	require.NoError(t, err)

	signer, err := crypto.NewEd25519Signer()
	require.NoError(t, err)

	server := NewServer(Options{
		Keys:           keys,
		Caps:           caps,
		Admission:      admissionSvc,
		Issuer:         issuer,
		Validator:      auth.NewValidator(testSecret),
		Pipeline:       pipeline,
		Bus:            b,
		Loader:         loader,
		Registry:       registry,
		Audit:          log,
		Obs:            obs,
		Log:            discard(),
		SessionSecret:  testSecret,
		AdmissionRPS:   rps,
		AdmissionBurst: burst,
	})
	srv := httptest.NewServer(server.Routes())
	t.Cleanup(srv.Close)

	return &harness{srv: srv, server: server, keys: keys, caps: caps, issuer: issuer, signer: signer}
}

func (h *harness) bootstrapToken(t *testing.T) string {
	t.Helper()
	tok, err := auth.DeriveBootstrapToken(testSecret)
	require.NoError(t, err)
	return tok
}

func (h *harness) post(t *testing.T, path, token string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, h.srv.URL+path, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func (h *harness) get(t *testing.T, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, h.srv.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// enroll registers pub_ae through the admin surface using the bootstrap
// token, then runs the full challenge handshake and returns the grant.
func (h *harness) admit(t *testing.T, profile string) string {
	t.Helper()
	resp := h.post(t, "/admin/keys", h.bootstrapToken(t), map[string]any{
		"ae_id":  "pub_ae",
		"pubkey": crypto.EncodeKey(h.signer.PublicKey()),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = h.post(t, "/register", "", map[string]string{"ae_id": "pub_ae"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	reg := decodeBody[map[string]string](t, resp)
	nonce, err := base64.StdEncoding.DecodeString(reg["nonce"])
	require.NoError(t, err)

	body := map[string]string{
		"ae_id":        "pub_ae",
		"signed_nonce": base64.StdEncoding.EncodeToString(h.signer.Sign(nonce)),
	}
	if profile != "" {
		body["profile"] = profile
	}
	resp = h.post(t, "/verify", "", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ver := decodeBody[map[string]any](t, resp)
	return ver["grant"].(string)
}

func (h *harness) signedEnvelope(t *testing.T, subject string) []byte {
	t.Helper()
	env := &envelope.Envelope{
		Producer:  "pub_ae",
		Subject:   subject,
		Payload:   []byte(`{"cpu":0.42}`),
		Timestamp: time.Now().UTC(),
	}
	env.Sign(h.signer)
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return raw
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	resp := h.get(t, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestAdmissionLifecycle(t *testing.T) {
	h := newHarness(t)
	grant := h.admit(t, "")
	require.NotEmpty(t, grant)

	claims, err := auth.NewValidator(testSecret).Validate(grant)
	require.NoError(t, err)
	assert.Equal(t, "pub_ae", claims.Subject)
}

func TestRegisterUnknownAE(t *testing.T) {
	h := newHarness(t)
	resp := h.post(t, "/register", "", map[string]string{"ae_id": "ghost"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	problem := decodeBody[ProblemDetail](t, resp)
	assert.Equal(t, "NotFound", problem.Title)
	assert.NotEmpty(t, problem.TraceID)
}

func TestVerifyBadSignature(t *testing.T) {
	h := newHarness(t)
	resp := h.post(t, "/admin/keys", h.bootstrapToken(t), map[string]any{
		"ae_id":  "pub_ae",
		"pubkey": crypto.EncodeKey(h.signer.PublicKey()),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = h.post(t, "/register", "", map[string]string{"ae_id": "pub_ae"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	other, err := crypto.NewEd25519Signer()
	require.NoError(t, err)
	resp = h.post(t, "/verify", "", map[string]string{
		"ae_id":        "pub_ae",
		"signed_nonce": base64.StdEncoding.EncodeToString(other.Sign([]byte("wrong bytes"))),
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	problem := decodeBody[ProblemDetail](t, resp)
	assert.Equal(t, "BadSignature", problem.Title)
}

func TestVerifyUnknownProfile(t *testing.T) {
	h := newHarness(t)
	resp := h.post(t, "/admin/keys", h.bootstrapToken(t), map[string]any{
		"ae_id":  "pub_ae",
		"pubkey": crypto.EncodeKey(h.signer.PublicKey()),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = h.post(t, "/register", "", map[string]string{"ae_id": "pub_ae"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	reg := decodeBody[map[string]string](t, resp)
	nonce, err := base64.StdEncoding.DecodeString(reg["nonce"])
	require.NoError(t, err)

	resp = h.post(t, "/verify", "", map[string]string{
		"ae_id":        "pub_ae",
		"signed_nonce": base64.StdEncoding.EncodeToString(h.signer.Sign(nonce)),
		"profile":      "gpu_cluster",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestEmitAcceptedAndDenied(t *testing.T) {
	h := newHarness(t)
	grant := h.admit(t, "")

	resp := h.post(t, "/emit", grant, json.RawMessage(h.signedEnvelope(t, "telemetry.cpu")))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ack := decodeBody[map[string]any](t, resp)
	assert.Equal(t, "accepted", ack["status"])
	assert.Contains(t, ack["digest"], "sha256:")

	// No grant.
	resp = h.post(t, "/emit", "", json.RawMessage(h.signedEnvelope(t, "telemetry.cpu")))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	// Known subject the producer is not a member of.
	resp = h.post(t, "/emit", grant, json.RawMessage(h.signedEnvelope(t, "alerts.fire")))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	problem := decodeBody[ProblemDetail](t, resp)
	assert.Equal(t, policy.CodeNotAuthorized, problem.Title)

	// Subject absent from both static and dynamic stores.
	resp = h.post(t, "/emit", grant, json.RawMessage(h.signedEnvelope(t, "nope.subj")))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	problem = decodeBody[ProblemDetail](t, resp)
	assert.Equal(t, policy.CodeUnknownSubject, problem.Title)
}

func TestCapabilitiesFenceAndExpansion(t *testing.T) {
	h := newHarness(t)
	grant := h.admit(t, "")

	// Unknown subject is fenced.
	resp := h.post(t, "/capabilities", grant, map[string]any{
		"publishes": []string{"secrets.dump"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	problem := decodeBody[ProblemDetail](t, resp)
	assert.Contains(t, problem.Detail, "secrets.dump")

	// A subject the static policy names, without pub_ae as a member, is
	// accepted by the fence; the very next emit observes the expanded
	// policy.
	resp = h.post(t, "/emit", grant, json.RawMessage(h.signedEnvelope(t, "metrics.gpu")))
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	resp = h.post(t, "/capabilities", grant, map[string]any{
		"publishes": []string{"metrics.gpu"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = h.post(t, "/emit", grant, json.RawMessage(h.signedEnvelope(t, "metrics.gpu")))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestRevocationOverridesLiveGrant(t *testing.T) {
	h := newHarness(t)
	grant := h.admit(t, "")

	resp := h.post(t, "/admin/keys/revoke", h.bootstrapToken(t), map[string]string{"ae_id": "pub_ae"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// The JWT is still cryptographically valid, but the keyring wins.
	resp = h.post(t, "/emit", grant, json.RawMessage(h.signedEnvelope(t, "telemetry.cpu")))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	problem := decodeBody[ProblemDetail](t, resp)
	assert.Equal(t, "NotTrusted", problem.Title)
}

func TestHeartbeatAndRuntime(t *testing.T) {
	h := newHarness(t)
	grant := h.admit(t, "backend_daemon")

	resp := h.post(t, "/heartbeat", grant, map[string]string{})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = h.get(t, "/admin/runtime", h.bootstrapToken(t))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	runtime := decodeBody[struct {
		Agents []session.Presence `json:"agents"`
	}](t, resp)
	require.NotEmpty(t, runtime.Agents)
	assert.Equal(t, "pub_ae", runtime.Agents[0].AEID)
	assert.Equal(t, session.StateLive, runtime.Agents[0].State)
}

func TestIdleGrantRejected(t *testing.T) {
	h := newHarness(t)
	grant := h.admit(t, "")

	resp := h.post(t, "/heartbeat", grant, map[string]string{})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	// The default profile allows 10 minutes of silence inside a grant
	// lifetime of 15. Twelve idle minutes leave the JWT valid but the
	// idle limit exceeded.
	h.server.now = func() time.Time { return time.Now().Add(12 * time.Minute) }

	resp = h.post(t, "/heartbeat", grant, map[string]string{})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	problem := decodeBody[ProblemDetail](t, resp)
	assert.Equal(t, "Expired", problem.Title)
	assert.Contains(t, problem.Detail, "idle")
}

func TestAdminSurfaceRequiresAdmin(t *testing.T) {
	h := newHarness(t)
	grant := h.admit(t, "")

	for _, path := range []string{"/admin/keys", "/admin/runtime", "/audit/tail"} {
		resp := h.get(t, path, grant)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, path)
		resp.Body.Close()

		resp = h.get(t, path, "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
		resp.Body.Close()
	}
}

func TestAuditTail(t *testing.T) {
	h := newHarness(t)
	h.admit(t, "")

	resp := h.get(t, "/audit/tail?limit=5", h.bootstrapToken(t))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	count := 0
	for scanner.Scan() {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		count++
	}
	assert.Greater(t, count, 0)
	assert.LessOrEqual(t, count, 5)
}

func TestSubscribeStreamsEmissions(t *testing.T) {
	h := newHarness(t)
	grant := h.admit(t, "")

	// Authorize a subscriber identity directly through the issuer.
	subGrant, _, err := h.issuer.Issue("sub_ae", nil, "")
	require.NoError(t, err)
	subSigner, err := crypto.NewEd25519Signer()
	require.NoError(t, err)
	resp := h.post(t, "/admin/keys", h.bootstrapToken(t), map[string]any{
		"ae_id":  "sub_ae",
		"pubkey": crypto.EncodeKey(subSigner.PublicKey()),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	require.NoError(t, h.keys.SetStatus(context.Background(), "admin", "sub_ae", keyring.StatusTrusted))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.srv.URL+"/subscribe/telemetry.cpu", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+subGrant)
	stream, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer stream.Body.Close()
	require.Equal(t, http.StatusOK, stream.StatusCode)
	assert.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	lines := make(chan string, 16)
	go func() {
		scanner := bufio.NewScanner(stream.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	// Give the subscription a moment to attach, then emit.
	time.Sleep(100 * time.Millisecond)
	resp = h.post(t, "/emit", grant, json.RawMessage(h.signedEnvelope(t, "telemetry.cpu")))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	var event, data string
	deadline := time.After(3 * time.Second)
	for event == "" || data == "" {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream closed before event arrived")
			if strings.HasPrefix(line, "event: ") {
				event = strings.TrimPrefix(line, "event: ")
			}
			if strings.HasPrefix(line, "data: ") {
				data = strings.TrimPrefix(line, "data: ")
			}
		case <-deadline:
			t.Fatal("timed out waiting for SSE event")
		}
	}
	assert.Equal(t, "telemetry.cpu", event)

	var env envelope.Envelope
	require.NoError(t, json.Unmarshal([]byte(data), &env))
	assert.Equal(t, "pub_ae", env.Producer)
}

func TestSubscribeDenied(t *testing.T) {
	h := newHarness(t)
	grant := h.admit(t, "")

	// pub_ae has no subscribe grant for telemetry.*.
	resp := h.get(t, "/subscribe/telemetry.cpu", grant)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}

func TestAdmissionRateLimit(t *testing.T) {
	h := newHarnessRate(t, 1, 1)

	limited := false
	for i := 0; i < 5; i++ {
		resp := h.post(t, "/register", "", map[string]string{"ae_id": "ghost"})
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
			assert.NotEmpty(t, resp.Header.Get("Retry-After"))
		}
		resp.Body.Close()
	}
	assert.True(t, limited)
}

func TestMethodRouting(t *testing.T) {
	h := newHarness(t)
	resp := h.get(t, "/register", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	resp.Body.Close()
}

func TestRequestIDPropagated(t *testing.T) {
	h := newHarness(t)
	req, err := http.NewRequest(http.MethodGet, h.srv.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "req-123", resp.Header.Get("X-Request-ID"))
}

func TestEnrollRejectsBadKey(t *testing.T) {
	h := newHarness(t)
	resp := h.post(t, "/admin/keys", h.bootstrapToken(t), map[string]any{
		"ae_id":  "pub_ae",
		"pubkey": "not-base64!!",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = h.post(t, "/admin/keys", h.bootstrapToken(t), map[string]any{
		"ae_id":  "pub_ae",
		"pubkey": base64.StdEncoding.EncodeToString([]byte("short")),
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}
