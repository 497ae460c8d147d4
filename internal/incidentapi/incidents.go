package incidentapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/aegis/internal/workflow"
)

// submitRequest is the POST /api/v1/incidents payload.
type submitRequest struct {
	Alert string `json:"alert"`
}

// submitResponse acknowledges an accepted alert.
type submitResponse struct {
	ID string `json:"id"`
}

func (a *API) handleSubmitIncident(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, http.StatusBadRequest, "invalid payload")
		return
	}

	res, err := a.svc.Submit(r.Context(), req.Alert)
	switch {
	case errors.Is(err, workflow.ErrEmptyAlert):
		respondErr(w, http.StatusBadRequest, "alert text is empty")
	case err != nil:
		a.logger.Error(r.Context(), err, "alert submission failed")
		respondErr(w, http.StatusInternalServerError, "internal error")
	default:
		trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("aegis.incident.id", res.ID))
		a.logger.Info(r.Context(), "alert accepted", "incident_id", res.ID)
		respond(w, http.StatusAccepted, submitResponse{ID: res.ID})
	}
}
