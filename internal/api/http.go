package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/summitcomms/summit-stream/internal/endpoint"
	"github.com/summitcomms/summit-stream/internal/state"
	"github.com/summitcomms/summit-stream/internal/stream"
)

type httpAPI struct {
	config  Config
	streams stream.Service
	store   state.Store
}

// NewHTTPAPI serves the stream toggle. store may be nil, in which case the
// toggle is not persisted.
func NewHTTPAPI(config Config, streams stream.Service, store state.Store) http.Handler {
	config.Timeout = RouteTimeout(config)
	a := &httpAPI{config: config, streams: streams, store: store}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/stream/events", a.streamEvents)
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(config.Timeout))
			r.Get("/stream", a.getStream)
			r.Post("/stream/start", a.startStream)
			r.Post("/stream/stop", a.stopStream)
			r.Get("/endpoint", a.getEndpoint)
		})
	})
	return r
}

// routeMargin covers binding and answering once the lookups are done.
const routeMargin = 5 * time.Second

// RouteTimeout returns config.Timeout, or enough time for every lookup
// service to spend its whole connect and read budget.
func RouteTimeout(config Config) time.Duration {
	if config.Timeout > 0 {
		return config.Timeout
	}
	services := config.LookupServices
	if services <= 0 {
		services = len(endpoint.DefaultLookupServices)
	}
	perService := config.LookupTimeout
	if perService <= 0 {
		perService = 2 * endpoint.DefaultTimeout
	}
	return time.Duration(services)*perService + routeMargin
}

func (a *httpAPI) getStream(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.streams.Status())
}

func (a *httpAPI) startStream(w http.ResponseWriter, r *http.Request) {
	req := StartRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	if req.Port == 0 {
		req.Port = a.config.DefaultPort
	}

	status, err := a.streams.Start(r.Context(), req.Port)
	switch {
	case errors.Is(err, stream.ErrInvalidPort):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	case errors.Is(err, stream.ErrAlreadyStreaming):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Status: &status})
		return
	case errors.Is(err, endpoint.ErrNoReachableEndpoint):
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Status: &status})
		return
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Status: &status})
		return
	}

	a.record(req.Port, true)
	writeJSON(w, http.StatusOK, status)
}

func (a *httpAPI) stopStream(w http.ResponseWriter, r *http.Request) {
	status := a.streams.Stop()
	a.record(a.streamPort(), false)
	writeJSON(w, http.StatusOK, status)
}

func (a *httpAPI) getEndpoint(w http.ResponseWriter, r *http.Request) {
	candidate, attachment, err := a.streams.Endpoint(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, EndpointResponse{
		Address:    candidate.Address,
		Source:     candidate.Source.String(),
		Attachment: attachment.String(),
		URL:        stream.StreamURL(candidate.Address, a.urlPort(), a.config.Path),
	})
}

// urlPort is the port of the running stream, or the default when idle.
func (a *httpAPI) urlPort() int {
	if status := a.streams.Status(); status.Port != 0 && status.State == stream.StateStreaming {
		return status.Port
	}
	return a.config.DefaultPort
}

// streamPort keeps the last stored port when the toggle is switched off.
func (a *httpAPI) streamPort() int {
	if a.store != nil {
		if meta, err := a.store.Get(a.config.StreamID); err == nil && meta.Port != 0 {
			return meta.Port
		}
	}
	return a.config.DefaultPort
}

func (a *httpAPI) record(port int, enabled bool) {
	if a.store == nil {
		return
	}
	err := a.store.Update(&state.Meta{ID: a.config.StreamID, Port: port, Enabled: enabled})
	if err != nil {
		log.WithError(err).Warn("failed to persist stream toggle")
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("failed to write response")
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.WithFields(log.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("http request")
	})
}
