package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"koormatics.org/internal/fleet"
)

type updateStatusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

type assignDriverRequest struct {
	DriverID string `json:"driver_id"`
}

type tripResponse struct {
	ID           string     `json:"id"`
	ClientID     string     `json:"client_id"`
	VehicleID    string     `json:"vehicle_id,omitempty"`
	DriverID     string     `json:"driver_id,omitempty"`
	Status       string     `json:"status"`
	StatusLabel  string     `json:"status_label"`
	Assigned     bool       `json:"assigned"`
	Terminal     bool       `json:"terminal"`
	Origin       string     `json:"origin"`
	Destination  string     `json:"destination"`
	ScheduledAt  time.Time  `json:"scheduled_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CancelReason string     `json:"cancel_reason,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func toTripResponse(t fleet.DisplayTrip) tripResponse {
	return tripResponse{
		ID:           t.ID,
		ClientID:     t.ClientID,
		VehicleID:    t.VehicleID,
		DriverID:     t.DriverID,
		Status:       string(t.Status),
		StatusLabel:  t.StatusLabel,
		Assigned:     t.Assigned,
		Terminal:     t.Terminal,
		Origin:       t.Origin,
		Destination:  t.Destination,
		ScheduledAt:  t.ScheduledAt,
		StartedAt:    t.StartedAt,
		CompletedAt:  t.CompletedAt,
		CancelReason: t.CancelReason,
		UpdatedAt:    t.UpdatedAt,
	}
}

func (a *API) handleTripsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listTrips(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

func (a *API) handleTripResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/trips/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if id, ok := strings.CutSuffix(path, "/status"); ok {
		if r.Method != http.MethodPut {
			methodNotAllowed(w, r, http.MethodPut)
			return
		}
		a.updateTripStatus(w, r, id)
		return
	}
	if id, ok := strings.CutSuffix(path, "/driver"); ok {
		if r.Method != http.MethodPut {
			methodNotAllowed(w, r, http.MethodPut)
			return
		}
		a.assignDriver(w, r, id)
		return
	}
	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.getTrip(w, r, path)
	case http.MethodDelete:
		a.deleteTrip(w, r, path)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
	}
}

func (a *API) listTrips(w http.ResponseWriter, r *http.Request) {
	filter := fleet.ListFilter{
		ClientID: strings.TrimSpace(r.URL.Query().Get("client_id")),
		DriverID: strings.TrimSpace(r.URL.Query().Get("driver_id")),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status, err := fleet.ParseTripStatus(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "unknown trip status")
			return
		}
		filter.Status = status
	}

	trips, err := a.deps.Trips.ListTrips(r.Context(), filter)
	if err != nil {
		handleFleetError(w, r, err)
		return
	}
	items := make([]tripResponse, 0, len(trips))
	for _, t := range trips {
		items = append(items, toTripResponse(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"as_of": time.Now().UTC(),
	})
}

func (a *API) getTrip(w http.ResponseWriter, r *http.Request, id string) {
	trip, err := a.deps.Trips.GetTrip(r.Context(), id)
	if err != nil {
		handleFleetError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTripResponse(trip))
}

func (a *API) updateTripStatus(w http.ResponseWriter, r *http.Request, id string) {
	var req updateStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	status, err := fleet.ParseTripStatus(req.Status)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "unknown trip status")
		return
	}
	if status == fleet.StatusCancelled && strings.TrimSpace(req.Reason) == "" {
		writeError(w, r, http.StatusBadRequest, "reason is required when cancelling")
		return
	}

	trip, err := a.deps.Trips.UpdateStatus(r.Context(), id, status, strings.TrimSpace(req.Reason))
	if err != nil {
		handleFleetError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTripResponse(trip))
}

func (a *API) assignDriver(w http.ResponseWriter, r *http.Request, id string) {
	var req assignDriverRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	trip, err := a.deps.Trips.AssignDriver(r.Context(), id, strings.TrimSpace(req.DriverID))
	if err != nil {
		handleFleetError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTripResponse(trip))
}

func (a *API) deleteTrip(w http.ResponseWriter, r *http.Request, id string) {
	if err := a.deps.Trips.DeleteTrip(r.Context(), id); err != nil {
		handleFleetError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func handleFleetError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, fleet.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, fleet.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "trip not found")
	case errors.Is(err, fleet.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
