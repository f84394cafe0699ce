package health

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Handler serves the bucketed health endpoints.
type Handler struct {
	registry *Registry
}

// NewHandler wraps a registry.
func NewHandler(registry *Registry) *Handler {
	return &Handler{registry: registry}
}

// Routes returns a router serving /healthz, /readyz and /health/dep.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	h.Mount(r)
	return r
}

// Mount registers the health endpoints on an existing router so they live at
// the server root next to the application routes.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/healthz", h.serveBucket(BucketLive))
	r.Get("/readyz", h.serveBucket(BucketReady))
	r.Get("/health/dep", h.serveBucket(BucketDep))
}

// serveBucket evaluates one bucket. Any unhealthy check maps to 503;
// degraded still serves 200 with status "Degraded".
func (h *Handler) serveBucket(bucket Bucket) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := h.registry.Evaluate(r.Context(), bucket)

		code := http.StatusOK
		if report.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(report)
	}
}
