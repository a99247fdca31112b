package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"koormatics.org/internal/cache"
)

type enableTableRequest struct {
	Table string `json:"table"`
}

func (a *API) handleRealtimeStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.deps.Realtime == nil {
		writeError(w, r, http.StatusServiceUnavailable, "realtime disabled")
		return
	}
	writeJSON(w, http.StatusOK, a.deps.Realtime.Status())
}

func (a *API) handleRealtimeReconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.deps.Realtime == nil {
		writeError(w, r, http.StatusServiceUnavailable, "realtime disabled")
		return
	}
	a.deps.Realtime.ForceReconnect()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "reconnecting",
	})
}

func (a *API) handleRealtimeTables(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.deps.Realtime == nil {
		writeError(w, r, http.StatusServiceUnavailable, "realtime disabled")
		return
	}
	var req enableTableRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	table := strings.TrimSpace(req.Table)
	if table == "" {
		writeError(w, r, http.StatusBadRequest, "table is required")
		return
	}
	enabled := a.deps.Realtime.EnableRealtimeForTable(r.Context(), table)
	writeJSON(w, http.StatusOK, map[string]any{
		"table":   table,
		"enabled": enabled,
	})
}

// handleData serves one cached dataset by key, fetching through the cache
// manager so repeated reads within the TTL hit memory.
func (a *API) handleData(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/v1/data/")
	if key == "" || strings.Contains(key, "/") {
		writeError(w, r, http.StatusNotFound, "unknown dataset")
		return
	}
	if a.deps.Caches == nil {
		writeError(w, r, http.StatusServiceUnavailable, "caching disabled")
		return
	}

	data, err := a.deps.Caches.Get(r.Context(), cache.Key(key))
	if err != nil {
		if errors.Is(err, cache.ErrNotRegistered) {
			writeError(w, r, http.StatusNotFound, "unknown dataset")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"key":   key,
		"data":  data,
		"as_of": time.Now().UTC(),
	})
}
