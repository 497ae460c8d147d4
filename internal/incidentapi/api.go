// Package incidentapi exposes the incident workflow over HTTP: alert
// submission and incident record retrieval under /api/v1.
package incidentapi

import (
	"context"
	"encoding/json"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/aegis/internal/incident"
	"github.com/linnemanlabs/aegis/internal/workflow"
)

// WorkflowService is the part of the workflow layer the handlers call.
type WorkflowService interface {
	Submit(ctx context.Context, rawAlert string) (*workflow.SubmitResult, error)
	Get(ctx context.Context, id string) (*incident.Record, bool, error)
}

// API serves the incident endpoints.
type API struct {
	logger log.Logger
	svc    WorkflowService
}

// New wires the handler set. A nil logger is replaced with a no-op.
func New(logger log.Logger, svc WorkflowService) *API {
	if svc == nil {
		panic(xerrors.New("incidentapi: workflow service is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &API{logger: logger, svc: svc}
}

// RegisterRoutes mounts the /api/v1 endpoints on r.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/incidents", a.handleSubmitIncident)
		r.Get("/incidents/{id}", a.handleGetIncident)
	})
}

func (a *API) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("aegis.incident.id", id))

	rec, ok, err := a.svc.Get(r.Context(), id)
	switch {
	case err != nil:
		a.logger.Error(r.Context(), err, "incident lookup failed", "id", id)
		respondErr(w, http.StatusInternalServerError, "internal error")
	case !ok:
		respondErr(w, http.StatusNotFound, "not found")
	default:
		span.SetAttributes(attribute.String("aegis.incident.stage", string(rec.Stage)))
		respond(w, http.StatusOK, rec)
	}
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondErr(w http.ResponseWriter, status int, msg string) {
	respond(w, status, map[string]string{"error": msg})
}
