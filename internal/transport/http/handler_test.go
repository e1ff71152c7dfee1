package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veriflow/internal/audit"
	"veriflow/internal/instance"
	"veriflow/internal/observability"
	"veriflow/internal/onboarding"
	"veriflow/internal/orchestrator"
	"veriflow/internal/providers"
	"veriflow/internal/workflow"
	"veriflow/internal/workflow/activity"
	"veriflow/internal/workflow/runtime"
	"veriflow/internal/workflow/saga"
	"veriflow/pkg/domain"
)

const testAudience = "veriflow-test"

var documentSecret = []byte("document-webhook-secret")

type env struct {
	server   *httptest.Server
	engine   *runtime.Engine
	accounts *providers.FakeAccounts
	degraded atomic.Bool
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	inv := activity.NewInvoker(logger, nil,
		activity.WithSleeper(func(context.Context, time.Duration) error { return nil }))
	engine := runtime.NewEngine(logger, nil)
	deps := workflow.Deps{
		Logger:  logger,
		Invoker: inv,
		Store:   instance.NewMemoryStore(),
		Dedup:   saga.NewDeduplicator(saga.NewMemoryDedupStore()),
		Audit:   audit.NewPublisher(audit.NewMemorySink(), inv, logger),
	}
	e := &env{engine: engine, accounts: providers.NewFakeAccounts()}

	service := orchestrator.New(logger, engine, deps, orchestrator.Providers{
		Document:      providers.NewFakeDocument(),
		Background:    providers.NewFakeBackground(),
		Sanctions:     providers.NewFakeScreener(providers.NameSanctions),
		Watchlist:     providers.NewFakeScreener(providers.NameWatchlist),
		PEP:           providers.NewFakeScreener(providers.NamePEP),
		Wallet:        providers.NewFakeWalletScreener(),
		Accreditation: providers.NewFakeAccreditation(),
		BankLink:      providers.NewFakeBankLink(),
		Accounts:      e.accounts,
		Notifier:      providers.NewFakeNotifier(),
		Rewards:       providers.NewFakeRewards(),
	}, orchestrator.Config{Onboarding: onboarding.Config{Timeouts: onboarding.Timeouts{
		EmailVerification: 5 * time.Second,
		DocumentUpload:    5 * time.Second,
		ManualReview:      5 * time.Second,
		AgreementSigning:  5 * time.Second,
	}}})

	verifier := NewWebhookVerifier(StaticKeys{
		providers.NameDocument: documentSecret,
	}, testAudience)
	handler := New(logger, service, verifier, func(context.Context) error {
		if e.degraded.Load() {
			return errors.New("store unreachable")
		}
		return nil
	})

	r := chi.NewRouter()
	handler.Register(r)
	e.server = httptest.NewServer(r)
	t.Cleanup(e.server.Close)
	return e
}

func (e *env) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func mintToken(t *testing.T, secret []byte, provider, audience string, ttl time.Duration) string {
	t.Helper()
	claims := WebhookClaims{
		Provider: provider,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    provider,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return token
}

func onboardingBody() map[string]any {
	return map[string]any{
		"subject_id":  domain.NewSubjectID().String(),
		"email":       "alice@example.com",
		"full_name":   "Alice Example",
		"target_tier": "basic",
	}
}

func (e *env) waitStatus(t *testing.T, id string, want domain.Status) observability.Snapshot {
	t.Helper()
	var snap observability.Snapshot
	require.Eventually(t, func() bool {
		resp := e.do(t, http.MethodGet, "/workflows/"+id, "", nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		snap = decode[observability.Snapshot](t, resp)
		return snap.Status == want
	}, 10*time.Second, 20*time.Millisecond, "instance never reached %s", want)
	return snap
}

func TestStartOnboardingDrivenToApprovalOverHTTP(t *testing.T) {
	e := newEnv(t)
	resp := e.do(t, http.MethodPost, "/workflows/onboarding", "", onboardingBody())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	started := decode[startResponse](t, resp)
	assert.Equal(t, domain.KindOnboarding, started.Kind)
	id := started.InstanceID.String()

	token := mintToken(t, documentSecret, providers.NameDocument, testAudience, time.Minute)
	for name, payload := range map[string]any{
		onboarding.SignalEmailVerified: map[string]string{"token": "tok-1"},
		onboarding.SignalProviderCompleted: map[string]string{
			"provider": "document", "reference": "doc-1", "outcome": "pass",
		},
		onboarding.SignalAgreementsSigned: map[string]any{"ids": []string{"tos-v3"}},
	} {
		resp := e.do(t, http.MethodPost, "/workflows/"+id+"/signals/"+name, token, payload)
		require.Equal(t, http.StatusAccepted, resp.StatusCode, "signal %s", name)
	}

	snap := e.waitStatus(t, id, domain.StatusApproved)
	assert.Equal(t, 100, snap.Progress)
}

func TestStartUnknownKindRejected(t *testing.T) {
	e := newEnv(t)
	resp := e.do(t, http.MethodPost, "/workflows/payments", "", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "unknown_kind", body["error"])
}

func TestDuplicateStartConflicts(t *testing.T) {
	e := newEnv(t)
	body := onboardingBody()
	resp := e.do(t, http.MethodPost, "/workflows/onboarding", "", body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/workflows/onboarding", "", body)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestSnapshotUnknownInstance(t *testing.T) {
	e := newEnv(t)
	resp := e.do(t, http.MethodGet, "/workflows/"+domain.NewInstanceID().String(), "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/workflows/not-a-uuid", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSignalRequiresValidToken(t *testing.T) {
	e := newEnv(t)
	resp := e.do(t, http.MethodPost, "/workflows/onboarding", "", onboardingBody())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id := decode[startResponse](t, resp).InstanceID.String()
	path := "/workflows/" + id + "/signals/" + onboarding.SignalEmailVerified

	resp = e.do(t, http.MethodPost, path, "", map[string]string{"token": "tok-1"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "missing token")

	forged := mintToken(t, []byte("wrong-secret"), providers.NameDocument, testAudience, time.Minute)
	resp = e.do(t, http.MethodPost, path, forged, map[string]string{"token": "tok-1"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "forged signature")

	expired := mintToken(t, documentSecret, providers.NameDocument, testAudience, -time.Minute)
	resp = e.do(t, http.MethodPost, path, expired, map[string]string{"token": "tok-1"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "expired token")

	unknown := mintToken(t, documentSecret, "imposter", testAudience, time.Minute)
	resp = e.do(t, http.MethodPost, path, unknown, map[string]string{"token": "tok-1"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "unregistered provider")
}

func TestProviderCompletionBoundToTokenProvider(t *testing.T) {
	e := newEnv(t)
	resp := e.do(t, http.MethodPost, "/workflows/onboarding", "", onboardingBody())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id := decode[startResponse](t, resp).InstanceID.String()

	token := mintToken(t, documentSecret, providers.NameDocument, testAudience, time.Minute)
	resp = e.do(t, http.MethodPost, "/workflows/"+id+"/signals/"+onboarding.SignalProviderCompleted, token,
		map[string]string{"provider": "background", "reference": "bg-1", "outcome": "pass"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "provider_mismatch", body["error"])
}

func TestCancelRunningInstance(t *testing.T) {
	e := newEnv(t)
	resp := e.do(t, http.MethodPost, "/workflows/onboarding", "", onboardingBody())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id := decode[startResponse](t, resp).InstanceID.String()

	resp = e.do(t, http.MethodPost, "/workflows/"+id+"/cancel", "", map[string]string{"reason": "user request"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	e.waitStatus(t, id, domain.StatusCancelled)
}

func TestHealthEndpoint(t *testing.T) {
	e := newEnv(t)
	resp := e.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	e.degraded.Store(true)
	resp = e.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetricsEndpointExposed(t *testing.T) {
	e := newEnv(t)
	resp := e.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
