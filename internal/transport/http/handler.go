// Package httptransport is the thin HTTP layer over the orchestrator: it
// decodes triggers, signals, queries, and cancellations, and keeps business
// logic out of the transport.
package httptransport

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"veriflow/internal/observability"
	"veriflow/internal/onboarding"
	"veriflow/internal/reverify"
	"veriflow/internal/tierupgrade"
	"veriflow/internal/workflow/runtime"
	"veriflow/pkg/domain"
	"veriflow/pkg/faults"
)

// maxBodyBytes bounds trigger and signal payloads.
const maxBodyBytes = 1 << 20

// Service is the orchestration surface the handlers delegate to.
type Service interface {
	StartOnboarding(ctx context.Context, req onboarding.Request) (*runtime.Instance, error)
	StartTierUpgrade(ctx context.Context, req tierupgrade.Request) (*runtime.Instance, error)
	StartReverification(ctx context.Context, req reverify.Request) (*runtime.Instance, error)
	Signal(id domain.InstanceID, name string, payload json.RawMessage) error
	Snapshot(id domain.InstanceID) (observability.Snapshot, error)
	Cancel(id domain.InstanceID, reason string) error
}

// Handler exposes the workflow API.
type Handler struct {
	logger   *slog.Logger
	service  Service
	verifier *WebhookVerifier
	health   func(ctx context.Context) error
}

// New creates the Handler. health may be nil when no backing stores need a
// liveness probe.
func New(logger *slog.Logger, service Service, verifier *WebhookVerifier, health func(ctx context.Context) error) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		verifier: verifier,
		health:   health,
	}
}

// Register mounts all routes on the router.
func (h *Handler) Register(r chi.Router) {
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(h.logger))

	r.Get("/healthz", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/workflows", func(r chi.Router) {
		r.Use(chimw.Timeout(30 * time.Second))
		r.Post("/{kind}", h.handleStart)
		r.Get("/{id}", h.handleSnapshot)
		r.Post("/{id}/cancel", h.handleCancel)

		r.Group(func(r chi.Router) {
			r.Use(RequireWebhookAuth(h.verifier, h.logger))
			r.Post("/{id}/signals/{name}", h.handleSignal)
		})
	})
}

type startResponse struct {
	InstanceID domain.InstanceID   `json:"instance_id"`
	SubjectID  domain.SubjectID    `json:"subject_id"`
	Kind       domain.WorkflowKind `json:"kind"`
	Status     domain.Status       `json:"status"`
}

// handleStart launches a workflow instance of the named kind. The instance
// runs asynchronously; validation failures surface through its snapshot.
func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	kind, err := domain.ParseWorkflowKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, faults.Validation("unknown_kind", "unknown workflow kind"))
		return
	}

	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var inst *runtime.Instance
	switch kind {
	case domain.KindOnboarding:
		var req onboarding.Request
		if err := json.NewDecoder(body).Decode(&req); err != nil {
			writeError(w, faults.Validation("invalid_body", "request body is not valid JSON"))
			return
		}
		inst, err = h.service.StartOnboarding(r.Context(), req)
	case domain.KindTierUpgrade:
		var req tierupgrade.Request
		if err := json.NewDecoder(body).Decode(&req); err != nil {
			writeError(w, faults.Validation("invalid_body", "request body is not valid JSON"))
			return
		}
		inst, err = h.service.StartTierUpgrade(r.Context(), req)
	case domain.KindReverification:
		var req reverify.Request
		if err := json.NewDecoder(body).Decode(&req); err != nil {
			writeError(w, faults.Validation("invalid_body", "request body is not valid JSON"))
			return
		}
		inst, err = h.service.StartReverification(r.Context(), req)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	h.logger.InfoContext(r.Context(), "workflow trigger accepted",
		"request_id", chimw.GetReqID(r.Context()),
		"instance_id", inst.ID().String(),
		"workflow", kind.String(),
	)
	writeJSON(w, http.StatusAccepted, startResponse{
		InstanceID: inst.ID(),
		SubjectID:  inst.SubjectID(),
		Kind:       kind,
		Status:     domain.StatusPending,
	})
}

// handleSnapshot returns the instance's progress view.
func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	id, err := domain.ParseInstanceID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, faults.Validation("invalid_instance_id", "instance id is not a valid UUID"))
		return
	}
	snap, err := h.service.Snapshot(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// handleCancel requests cooperative cancellation. The instance unwinds its
// compensations before reaching the cancelled status, so 202 is all this can
// promise.
func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := domain.ParseInstanceID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, faults.Validation("invalid_instance_id", "instance id is not a valid UUID"))
		return
	}
	var req cancelRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil && err != io.EOF {
		writeError(w, faults.Validation("invalid_body", "request body is not valid JSON"))
		return
	}
	if req.Reason == "" {
		req.Reason = "cancelled via API"
	}
	if err := h.service.Cancel(id, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancellation_requested"})
}

// handleSignal delivers a provider webhook to a running instance. The caller
// is already authenticated; a completion payload may only name the provider
// the token was minted for.
func (h *Handler) handleSignal(w http.ResponseWriter, r *http.Request) {
	id, err := domain.ParseInstanceID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, faults.Validation("invalid_instance_id", "instance id is not a valid UUID"))
		return
	}
	name := chi.URLParam(r, "name")

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, faults.Validation("invalid_body", "failed to read signal payload"))
		return
	}
	if len(payload) > 0 && !json.Valid(payload) {
		writeError(w, faults.Validation("invalid_body", "signal payload is not valid JSON"))
		return
	}

	if name == onboarding.SignalProviderCompleted {
		claims := WebhookClaimsFrom(r.Context())
		var completion struct {
			Provider string `json:"provider"`
		}
		if err := json.Unmarshal(payload, &completion); err != nil || completion.Provider == "" {
			writeError(w, faults.Validation("invalid_body", "completion payload names no provider"))
			return
		}
		if claims == nil || claims.Provider != completion.Provider {
			writeError(w, faults.Authorization("provider_mismatch", "token provider may not complete checks for another provider"))
			return
		}
	}

	if err := h.service.Signal(id, name, payload); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "delivered"})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.health(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requestLogger logs one line per request with latency and status.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			started := time.Now()
			next.ServeHTTP(ww, r)
			logger.InfoContext(r.Context(), "http request",
				"request_id", chimw.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(started).Milliseconds(),
			)
		})
	}
}
