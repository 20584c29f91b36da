package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"airguard/go-detection-server/internal/model"
	"airguard/go-detection-server/internal/radio"
)

const maxRequestBody = 64 << 10

func (a *App) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(a.loggingMw, a.maxBytesMw)

	r.HandleFunc("/healthz", a.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.handleReadyz).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/risk", a.handleRisk).Methods(http.MethodGet)
	api.HandleFunc("/sightings", a.handlePostSighting).Methods(http.MethodPost)

	api.HandleFunc("/devices", a.handleDevices).Methods(http.MethodGet)
	api.HandleFunc("/devices/{address}", a.handleDevice).Methods(http.MethodGet)
	api.HandleFunc("/devices/{address}/beacons", a.handleDeviceBeacons).Methods(http.MethodGet)
	api.HandleFunc("/devices/{address}/ignore", a.handleIgnore).Methods(http.MethodPost)
	api.HandleFunc("/devices/{address}/play-sound", a.handlePlaySound).Methods(http.MethodPost)
	api.HandleFunc("/devices/{address}/play-sound", a.handlePlaySoundStatus).Methods(http.MethodGet)

	api.HandleFunc("/notifications", a.handleNotifications).Methods(http.MethodGet)
	api.HandleFunc("/notifications/{id:[0-9]+}/false-alarm", a.handleFalseAlarm).Methods(http.MethodPost)
	api.HandleFunc("/notifications/{id:[0-9]+}/dismiss", a.handleDismiss).Methods(http.MethodPost)
	api.HandleFunc("/notifications/{id:[0-9]+}/click", a.handleClick).Methods(http.MethodPost)
	api.HandleFunc("/notifications/{id:[0-9]+}/feedback", a.handleGetFeedback).Methods(http.MethodGet)
	api.HandleFunc("/notifications/{id:[0-9]+}/feedback", a.handlePutFeedback).Methods(http.MethodPut)

	api.HandleFunc("/locations", a.handleLocations).Methods(http.MethodGet)
	api.HandleFunc("/locations/{id:[0-9]+}", a.handleRenameLocation).Methods(http.MethodPatch)

	api.HandleFunc("/config", a.serveConfig).Methods(http.MethodGet)
	api.HandleFunc("/config", a.updateConfig).Methods(http.MethodPost)
	api.HandleFunc("/admin/prune", a.handlePrune).Methods(http.MethodPost)
	api.HandleFunc("/admin/wipe", a.handleWipeDatabase).Methods(http.MethodPost)
	api.PathPrefix("").Handler(http.NotFoundHandler())

	return r
}

type traceContextKey struct{}

func traceID(ctx context.Context) string {
	id, _ := ctx.Value(traceContextKey{}).(string)
	return id
}

func (a *App) loggingMw(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		tid := uuid.NewString()

		defer func() {
			if re := recover(); re != nil {
				a.logger.Error("http handler panic", "panic", re, "trace", tid, "stack", string(debug.Stack()))
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), traceContextKey{}, tid)))

		a.logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr,
			"took_ms", time.Since(start).Milliseconds(), "trace", tid)
	})
}

func (a *App) maxBytesMw(next http.Handler) http.Handler {
	return http.MaxBytesHandler(next, maxRequestBody)
}

func (a *App) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.logger.Error("failed to encode response", "error", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Trace string `json:"trace,omitempty"`
}

// writeError maps err onto a status code. Internal failures are logged and
// their details withheld from the client.
func (a *App) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	tid := traceID(r.Context())

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound), errors.Is(err, radio.ErrNoSession):
		status = http.StatusNotFound
	case errors.Is(err, radio.ErrBusy):
		status = http.StatusConflict
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		a.logger.Error(op+" failed", "error", err, "trace", tid)
		msg = http.StatusText(status)
	}
	a.writeJSON(w, status, errorResponse{Error: msg, Trace: tid})
}

// decodeBody decodes the JSON request body into v. An empty body leaves v
// untouched.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return model.Invalid("body", "%v", err)
}
