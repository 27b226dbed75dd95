package httpadapter

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/kirillkom/receipt-sync/internal/core/domain"
	"github.com/kirillkom/receipt-sync/internal/core/ports"
	"github.com/kirillkom/receipt-sync/internal/observability/metrics"
)

const serviceName = "receipt-sync"

type RouterOptions struct {
	// MetricsRegistry enables /metrics and request metrics when set.
	MetricsRegistry *metrics.Registry
	Logger          *slog.Logger
}

// Router serves the read-only status API over the processed index.
type Router struct {
	records  ports.RecordReader
	resyncer ports.IndexResyncer
	registry *metrics.Registry
	logger   *slog.Logger
}

func NewRouter(records ports.RecordReader, resyncer ports.IndexResyncer, options RouterOptions) *Router {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		records:  records,
		resyncer: resyncer,
		registry: options.MetricsRegistry,
		logger:   logger,
	}
}

func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(accessLogMiddleware(rt.logger))
	if rt.registry != nil {
		r.Use(metrics.NewHTTPServerMetrics(rt.registry, serviceName).Middleware)
		r.Method(http.MethodGet, "/metrics", rt.registry.Handler())
	}

	r.Get("/healthz", rt.healthz)
	r.Get("/v1/records", rt.listRecords)
	r.Get("/v1/records/{hash}", rt.getRecord)
	r.Post("/v1/resync", rt.resync)
	return r
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) listRecords(w http.ResponseWriter, r *http.Request) {
	filter := domain.RecordFilter{
		Status: domain.RecordStatus(strings.TrimSpace(r.URL.Query().Get("status"))),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		filter.Limit = limit
	}

	records, err := rt.records.ListRecords(r.Context(), filter)
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"count":   len(records),
	})
}

func (rt *Router) getRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := rt.records.GetRecord(r.Context(), chi.URLParam(r, "hash"))
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (rt *Router) resync(w http.ResponseWriter, r *http.Request) {
	inserted, err := rt.resyncer.Resync(r.Context())
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"inserted": inserted})
}

func (rt *Router) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		rt.logger.Error("http_handler_failed",
			"request_id", requestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
