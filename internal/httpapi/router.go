// Package httpapi serves the read-only admin surface: health, Prometheus
// metrics and JSON views of instances and ledger accounts.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ChuLiYu/milestone-escrow/internal/controller"
	"github.com/ChuLiYu/milestone-escrow/internal/escrow"
	"github.com/ChuLiYu/milestone-escrow/internal/metrics"
	"github.com/ChuLiYu/milestone-escrow/pkg/types"
)

var log = slog.Default()

// Config wires the router.
type Config struct {
	Controller *controller.Controller
	Gatherer   prometheus.Gatherer // nil 表示 prometheus.DefaultGatherer
}

// New returns the admin handler wrapped in otelhttp.
func New(cfg Config) http.Handler {
	h := &handlers{ctrl: cfg.Controller}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLog)

	r.Get("/healthz", h.health)
	r.Handle("/metrics", metrics.Handler(gatherer))

	r.Route("/v1", func(v1 chi.Router) {
		v1.Get("/status", h.status)
		v1.Get("/instances", h.listInstances)
		v1.Get("/instances/{id}", h.getInstance)
		v1.Get("/claimable", h.claimable)
		v1.Get("/participants/{address}/instances", h.participantInstances)
		v1.Get("/accounts/{address}", h.account)
	})

	return otelhttp.NewHandler(r, "escrow.admin")
}

func requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

type handlers struct {
	ctrl *controller.Controller
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	st := h.ctrl.GetStatus()
	if started, _ := st["started"].(bool); !started {
		http.Error(w, "starting", http.StatusServiceUnavailable)
		return
	}
	if stopped, _ := st["stopped"].(bool); stopped {
		http.Error(w, "stopped", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.GetStatus())
}

func (h *handlers) listInstances(w http.ResponseWriter, r *http.Request) {
	records := h.ctrl.Instances()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"instances": records,
		"count":     len(records),
	})
}

func (h *handlers) getInstance(w http.ResponseWriter, r *http.Request) {
	id, err := types.ParseInstanceID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := h.ctrl.Instance(id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, escrow.ErrUnknownInstance) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handlers) claimable(w http.ResponseWriter, r *http.Request) {
	claims := h.ctrl.Claimable()
	out := make([]map[string]interface{}, 0, len(claims))
	for _, c := range claims {
		out = append(out, map[string]interface{}{
			"instance_id": c.ID.Hex(),
			"payee":       c.Payee.Hex(),
			"index":       c.Index,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"claims": out})
}

func (h *handlers) participantInstances(w http.ResponseWriter, r *http.Request) {
	addr, err := types.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	records := h.ctrl.InstancesFor(addr)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"participant": addr.Hex(),
		"instances":   records,
		"count":       len(records),
	})
}

func (h *handlers) account(w http.ResponseWriter, r *http.Request) {
	addr, err := types.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account": addr.Hex(),
		"balance": h.ctrl.Balance(addr).Dec(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	reason := escrow.Reason(err)
	if status == http.StatusBadRequest {
		reason = "bad_request"
	}
	writeJSON(w, status, map[string]string{
		"error":  err.Error(),
		"reason": reason,
	})
}
