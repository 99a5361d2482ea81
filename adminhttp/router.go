// Package adminhttp exposes the control plane's administrative operations
// over HTTP. Every response body is a modplane.Result encoded as JSON.
package adminhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/GoCodeAlone/modplane"
	"github.com/GoCodeAlone/modplane/controlplane"
	"github.com/GoCodeAlone/modplane/orchestrator"
)

// ErrBadRequest is reported for malformed request bodies and parameters.
var ErrBadRequest = errors.New("bad request")

type options struct {
	logger  modplane.Logger
	metrics http.Handler
}

// Option configures NewRouter.
type Option func(*options)

// WithLogger logs every request through logger.
func WithLogger(logger modplane.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics mounts h, typically promhttp.HandlerFor, at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(o *options) { o.metrics = h }
}

type handler struct {
	cp   *controlplane.ControlPlane
	orch *orchestrator.Orchestrator
}

// NewRouter returns the admin API:
//
//	GET  /healthz
//	GET  /modules
//	GET  /modules/{id}
//	POST /modules/{id}/start|stop|restart|enable|disable
//	POST /modules/{id}/mode        {"strategy": "...", "restart": true}
//	GET  /plan?targets=a,b
//	GET  /dependencies
//	GET  /services
//	POST /services/{name}/start|stop|restart   (stop?graceful=false kills)
//	GET  /metrics
//
// Failed operations answer 409, unknown modules and services 404 and
// malformed requests 400.
func NewRouter(cp *controlplane.ControlPlane, opts ...Option) chi.Router {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	h := &handler{cp: cp, orch: cp.Orchestrator()}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(o.logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, modplane.OK("ok", nil))
	})

	r.Route("/modules", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, req *http.Request) {
			writeResult(w, cp.ListModules(req.Context()))
		})
		r.Route("/{id}", func(r chi.Router) {
			r.Use(h.requireModule)
			r.Get("/", h.moduleOp(cp.ModuleStatus))
			r.Post("/start", h.moduleOp(cp.StartModule))
			r.Post("/stop", h.moduleOp(cp.StopModule))
			r.Post("/restart", h.moduleOp(cp.RestartModule))
			r.Post("/enable", h.moduleOp(cp.EnableModule))
			r.Post("/disable", h.moduleOp(cp.DisableModule))
			r.Post("/mode", h.switchMode)
		})
	})

	r.Get("/plan", func(w http.ResponseWriter, req *http.Request) {
		var targets []string
		if raw := req.URL.Query().Get("targets"); raw != "" {
			for _, t := range strings.Split(raw, ",") {
				if t = strings.TrimSpace(t); t != "" {
					targets = append(targets, t)
				}
			}
		}
		writeResult(w, cp.Plan(targets))
	})
	r.Get("/dependencies", func(w http.ResponseWriter, _ *http.Request) {
		writeResult(w, cp.DependencyReport())
	})

	r.Route("/services", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, req *http.Request) {
			writeResult(w, h.orch.ServicesStatus(req.Context()))
		})
		r.Route("/{name}", func(r chi.Router) {
			r.Use(h.requireService)
			r.Post("/start", func(w http.ResponseWriter, req *http.Request) {
				writeResult(w, h.orch.Start(req.Context(), chi.URLParam(req, "name")))
			})
			r.Post("/stop", h.stopService)
			r.Post("/restart", func(w http.ResponseWriter, req *http.Request) {
				writeResult(w, h.orch.Restart(req.Context(), chi.URLParam(req, "name")))
			})
		})
	})

	if o.metrics != nil {
		r.Method(http.MethodGet, "/metrics", o.metrics)
	}
	return r
}

func (h *handler) requireModule(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !h.cp.HasModule(id) {
			writeJSON(w, http.StatusNotFound, modplane.Failed(fmt.Errorf("%w: %s", modplane.ErrModuleNotFound, id).Error()))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *handler) requireService(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		for _, s := range h.orch.Services() {
			if s == name {
				next.ServeHTTP(w, r)
				return
			}
		}
		writeJSON(w, http.StatusNotFound, modplane.Failed(fmt.Errorf("%w: %s", orchestrator.ErrServiceNotFound, name).Error()))
	})
}

func (h *handler) moduleOp(op func(ctx context.Context, id string) modplane.Result) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, op(r.Context(), chi.URLParam(r, "id")))
	}
}

type switchRequest struct {
	Strategy string `json:"strategy"`
	Restart  bool   `json:"restart"`
}

func (h *handler) switchMode(w http.ResponseWriter, r *http.Request) {
	var req switchRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, modplane.Failed(fmt.Errorf("%w: %w", ErrBadRequest, err).Error()))
		return
	}
	if req.Strategy == "" {
		writeJSON(w, http.StatusBadRequest, modplane.Failed(fmt.Sprintf("%s: strategy is required", ErrBadRequest)))
		return
	}
	writeResult(w, h.cp.SwitchMode(r.Context(), chi.URLParam(r, "id"), req.Strategy, req.Restart))
}

func (h *handler) stopService(w http.ResponseWriter, r *http.Request) {
	graceful := true
	if raw := r.URL.Query().Get("graceful"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, modplane.Failed(fmt.Errorf("%w: graceful: %w", ErrBadRequest, err).Error()))
			return
		}
		graceful = v
	}
	writeResult(w, h.orch.Stop(r.Context(), chi.URLParam(r, "name"), graceful))
}

func writeResult(w http.ResponseWriter, res modplane.Result) {
	status := http.StatusOK
	if !res.Success {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
