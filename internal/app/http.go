package app

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/devpulse/devpulse/internal/auth"
	"github.com/devpulse/devpulse/internal/health"
	"github.com/devpulse/devpulse/internal/scheduler"
	"github.com/devpulse/devpulse/internal/store"
	"github.com/devpulse/devpulse/internal/telemetry"
)

const statusCacheKey = "aggregate_status"

// Handler returns the combined HTTP handler: webhook ingestion, aggregation
// triggers, operational metrics, and health endpoints.
func (r *Runtime) Handler() http.Handler {
	router := chi.NewRouter()
	traceMode := telemetry.TraceMode()

	router.Method(http.MethodPost, "/webhooks/{provider}",
		wrapHTTPHandler(traceMode, "webhook", http.HandlerFunc(r.handleWebhook)))
	router.Method(http.MethodPost, "/aggregate/all",
		wrapHTTPHandler(traceMode, "aggregate_all", auth.Require(r.auth, true, http.HandlerFunc(r.handleAggregateAll))))
	router.Method(http.MethodGet, "/aggregate/status",
		wrapHTTPHandler(traceMode, "aggregate_status", auth.Require(r.auth, false, http.HandlerFunc(r.handleAggregateStatus))))
	router.Method(http.MethodPost, "/aggregate/{organizationID}",
		wrapHTTPHandler(traceMode, "aggregate_organization", auth.Require(r.auth, false, http.HandlerFunc(r.handleAggregateOrganization))))

	healthHandler := health.NewHandler(r)
	router.Handle("/metrics", wrapHTTPHandler(traceMode, "metrics", r.metrics.Handler()))
	router.Handle("/livez", wrapHTTPHandler(traceMode, "livez", healthHandler))
	router.Handle("/readyz", wrapHTTPHandler(traceMode, "readyz", healthHandler))
	router.Handle("/healthz", wrapHTTPHandler(traceMode, "healthz", healthHandler))
	return router
}

func (r *Runtime) handleWebhook(w http.ResponseWriter, req *http.Request) {
	provider := chi.URLParam(req, "provider")
	if provider != r.cfg.Webhook.Provider {
		writeJSON(w, http.StatusNotFound, map[string]string{"status": "unknown_provider"})
		return
	}
	r.receiver.Handle(w, req)
}

func (r *Runtime) handleAggregateOrganization(w http.ResponseWriter, req *http.Request) {
	orgID := chi.URLParam(req, "organizationID")
	day, ok := r.requestDay(w, req)
	if !ok {
		return
	}
	if !r.organizationExists(w, req, orgID) {
		return
	}

	stats, err := r.scheduler.RunOrganization(req.Context(), orgID, day)
	if err != nil {
		r.logger.Error("manual aggregation failed", zap.String("org", orgID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error"})
		return
	}
	r.invalidateStatusCache(req)
	writeJSON(w, http.StatusOK, stats)
}

func (r *Runtime) handleAggregateAll(w http.ResponseWriter, req *http.Request) {
	day, ok := r.requestDay(w, req)
	if !ok {
		return
	}

	stats, err := r.scheduler.RunAll(req.Context(), day, scheduler.TriggerManual)
	if err != nil {
		r.logger.Error("fleet aggregation failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error"})
		return
	}
	r.invalidateStatusCache(req)
	writeJSON(w, http.StatusOK, stats)
}

// handleAggregateStatus serves the scheduler status through the response
// cache: a hit skips the scheduler entirely, a miss recomputes and stores.
func (r *Runtime) handleAggregateStatus(w http.ResponseWriter, req *http.Request) {
	if r.cache != nil {
		cached, found, err := r.cache.Get(req.Context(), statusCacheKey)
		if err != nil {
			r.logger.Warn("status cache read failed", zap.Error(err))
		} else if found {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write(cached)
			return
		}
	}

	payload, err := json.Marshal(r.scheduler.Status())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error"})
		return
	}
	if r.cache != nil {
		if err := r.cache.Set(req.Context(), statusCacheKey, payload, r.cfg.Cache.TTL); err != nil {
			r.logger.Warn("status cache write failed", zap.Error(err))
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}

// requestDay resolves the optional date query parameter, defaulting to the
// previous UTC day. A malformed date is a client error.
func (r *Runtime) requestDay(w http.ResponseWriter, req *http.Request) (store.Day, bool) {
	raw := req.URL.Query().Get("date")
	if raw == "" {
		return store.DayOf(r.Now().UTC()).Prev(), true
	}
	day, err := store.ParseDay(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "invalid_date"})
		return "", false
	}
	return day, true
}

func (r *Runtime) organizationExists(w http.ResponseWriter, req *http.Request, orgID string) bool {
	orgs, err := r.store.ListOrganizations(req.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error"})
		return false
	}
	for _, org := range orgs {
		if org.ID == orgID {
			return true
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"status": "unknown_organization"})
	return false
}

func (r *Runtime) invalidateStatusCache(req *http.Request) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Delete(req.Context(), statusCacheKey); err != nil {
		r.logger.Warn("status cache invalidation failed", zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(payload)
}

func wrapHTTPHandler(traceMode, route string, handler http.Handler) http.Handler {
	if handler == nil {
		handler = http.NotFoundHandler()
	}
	if strings.EqualFold(strings.TrimSpace(traceMode), "off") {
		return handler
	}

	operation := strings.TrimSpace(route)
	if operation == "" {
		operation = "handler"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := otel.Tracer("devpulse/internal/app").Start(
			r.Context(),
			"http.server."+operation,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			),
		)
		defer span.End()

		recorder := &statusCapturingResponseWriter{
			ResponseWriter: w,
			status:         http.StatusOK,
		}
		handler.ServeHTTP(recorder, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", recorder.status))
		if recorder.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(recorder.status))
			return
		}
		span.SetStatus(codes.Ok, "request completed")
	})
}

type statusCapturingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusCapturingResponseWriter) WriteHeader(statusCode int) {
	w.status = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
