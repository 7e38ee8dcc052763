package httpx

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fisirc/nur-worker/internal/delivery"
	"github.com/fisirc/nur-worker/internal/github"
	"github.com/fisirc/nur-worker/internal/logger"
)

const healthCheckTimeout = 2 * time.Second

// Trigger queues a build for an accepted push.
type Trigger interface {
	Enqueue(deliveryID string, ev github.PushEvent) error
}

// HealthFunc reports whether one dependency is usable.
type HealthFunc func(ctx context.Context) error

// Options wires the router's collaborators.
type Options struct {
	WebhookSecret []byte
	Trigger       Trigger
	Deliveries    delivery.Guard
	Health        map[string]HealthFunc

	// Registry defaults to the global Prometheus registry.
	Registry *prometheus.Registry
}

// Router exposes the webhook, health and metrics endpoints.
type Router struct {
	mux     chi.Router
	logger  *slog.Logger
	opts    Options
	metrics *metrics
}

// New creates the router and registers its handlers.
func New(log *slog.Logger, opts Options) *Router {
	if log == nil {
		log = logger.Discard()
	}
	if opts.Deliveries == nil {
		opts.Deliveries = delivery.NewMemory(24 * time.Hour)
	}
	var (
		reg      prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if opts.Registry != nil {
		reg, gatherer = opts.Registry, opts.Registry
	}

	r := &Router{
		mux:     chi.NewRouter(),
		logger:  log,
		opts:    opts,
		metrics: newMetrics(reg),
	}
	r.mux.Use(middleware.RequestID)
	r.mux.Use(middleware.Recoverer)
	r.mux.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.mux.Get("/healthz", r.instrument("/healthz", r.handleHealth))
	r.mux.Post("/webhook", r.instrument("/webhook", r.handleWebhook))
	return r
}

// ServeHTTP satisfies http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()

	names := make([]string, 0, len(r.opts.Health))
	for name := range r.opts.Health {
		names = append(names, name)
	}
	sort.Strings(names)

	status := "ok"
	components := make(map[string]any, len(names))
	for _, name := range names {
		if err := r.opts.Health[name](ctx); err != nil {
			status = "degraded"
			components[name] = map[string]any{"status": "down", "error": err.Error()}
			continue
		}
		components[name] = map[string]any{"status": "up"}
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	r.writeJSON(w, code, map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (r *Router) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.logger.Error("failed to encode response", "error", err)
	}
}

func (r *Router) writeError(w http.ResponseWriter, status int, msg string) {
	r.writeJSON(w, status, map[string]string{"error": msg})
}
