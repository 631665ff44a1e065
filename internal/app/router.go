// Package app wires the broker's HTTP surface and background loops.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/gpuforge/broker/internal/adapter/httpserver"
	"github.com/gpuforge/broker/internal/adapter/observability"
	"github.com/gpuforge/broker/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Client ingress: mutating endpoints are rate limited per IP.
	r.Group(func(cr chi.Router) {
		cr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		cr.Post("/v1/jobs", srv.SubmitJobHandler())
		cr.Post("/v1/jobs/{id}/cancel", srv.CancelJobHandler())
		cr.Post("/v1/workflows", srv.SubmitWorkflowHandler())
		cr.Post("/v1/workflows/{id}/cancel", srv.CancelWorkflowHandler())
		cr.Post("/v1/webhooks", srv.RegisterWebhookHandler())
		cr.Patch("/v1/webhooks/{id}", srv.PatchWebhookHandler())
		cr.Delete("/v1/webhooks/{id}", srv.DeleteWebhookHandler())
	})

	// Read-only projections.
	r.Get("/v1/jobs/{id}", srv.GetJobHandler())
	r.Get("/v1/workflows/{id}", srv.GetWorkflowHandler())
	r.Get("/v1/webhooks", srv.ListWebhooksHandler())
	r.Get("/v1/webhooks/{id}", srv.GetWebhookHandler())
	r.Get("/v1/workers", srv.ListWorkersHandler())
	r.Get("/v1/workers/{id}", srv.GetWorkerHandler())
	r.Get("/v1/stats", srv.StatsHandler())

	// Worker protocol. Workers poll aggressively; no per-IP rate limit here.
	r.Route("/v1/worker", func(wr chi.Router) {
		wr.Post("/register", srv.RegisterWorkerHandler())
		wr.Post("/heartbeat", srv.HeartbeatHandler())
		wr.Post("/request_work", srv.RequestWorkHandler())
		wr.Post("/jobs/{id}/start", srv.StartJobHandler())
		wr.Post("/jobs/{id}/progress", srv.ProgressHandler())
		wr.Post("/jobs/{id}/complete", srv.CompleteJobHandler())
		wr.Post("/jobs/{id}/fail", srv.FailJobHandler())
		wr.Post("/release", srv.ReleaseWorkerHandler())
	})

	// Health and metrics.
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
