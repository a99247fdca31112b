package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"koormatics.org/api/spec"
	"koormatics.org/internal/access"
	"koormatics.org/internal/activity"
	"koormatics.org/internal/auth"
	"koormatics.org/internal/cache"
	"koormatics.org/internal/fleet"
	"koormatics.org/internal/obs"
	"koormatics.org/internal/realtime"
	"koormatics.org/internal/stream"
)

// ReadyProbe reports readiness, usually by pinging the database.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// UserStore is the account lookup slice of the store used for sign-in.
type UserStore interface {
	UserByEmail(ctx context.Context, email string) (auth.User, error)
}

// Config carries the environment-derived settings the API needs.
type Config struct {
	Version   string
	DevMode   bool
	Domain    access.Domain
	EnvDomain string
}

// Deps bundles the services the API serves. Every dependency is injected;
// nothing here is a package-level singleton.
type Deps struct {
	Users      UserStore
	RoleSource access.RoleStore
	Roles      *access.RoleResolver
	Pages      *access.PageResolver
	Guard      *access.Guard
	Caches     *cache.Manager
	Trips      *fleet.Operations
	Realtime   *realtime.Manager
	Events     *stream.Stream
	Activity   *activity.Recorder
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	cfg        Config
	deps       Deps
}

func New(rp ReadyProbe, cfg Config, deps Deps) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		cfg:        cfg,
		deps:       deps,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// OpenAPI YAML
	a.mux.HandleFunc("/openapi.yaml", a.OpenAPISpec)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// auth
	a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)
	a.mux.HandleFunc("/v1/auth/signout", a.handleSignOut)

	// access control
	a.mux.HandleFunc("/v1/access/evaluate", a.handleEvaluate)
	a.mux.HandleFunc("/v1/access/roles", a.handleRoles)
	a.mux.HandleFunc("/v1/access/pages", a.handlePages)

	// trips
	a.mux.HandleFunc("/v1/trips", a.handleTripsCollection)
	a.mux.HandleFunc("/v1/trips/", a.handleTripResource)

	// cached datasets
	a.mux.HandleFunc("/v1/data/", a.handleData)

	// realtime
	a.mux.HandleFunc("/v1/realtime/status", a.handleRealtimeStatus)
	a.mux.HandleFunc("/v1/realtime/reconnect", a.handleRealtimeReconnect)
	a.mux.HandleFunc("/v1/realtime/tables", a.handleRealtimeTables)
	a.mux.HandleFunc("/v1/stream", a.Stream)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler wraps the mux with authentication and metrics.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.withAuth(a.mux))
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "koormatics-api",
		"version": a.cfg.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "koormatics-api",
		"domain":  string(a.cfg.Domain),
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.cfg.Version,
	})
}

func (a *API) OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml; charset=utf-8")
	_, _ = w.Write(spec.OpenAPI)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := activity.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
