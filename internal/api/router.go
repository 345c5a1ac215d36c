package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/kiranshivaraju/reframe/internal/api/middleware"
	"github.com/kiranshivaraju/reframe/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	RateLimit   *mw.RateLimit
	CORSOrigins []string

	HealthHandler   http.HandlerFunc
	ReadyHandler    http.HandlerFunc
	MetricsHandler  http.Handler
	UploadHandler   http.HandlerFunc
	SubmitURL       http.HandlerFunc
	ListJobs        http.HandlerFunc
	GetJob          http.HandlerFunc
	DownloadHandler http.HandlerFunc
	RetryHandler    http.HandlerFunc
	DeleteHandler   http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)
	r.Use(mw.Metrics(mw.DefaultMetricsConfig()))
	r.Use(mw.CORS(deps.CORSOrigins))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	// Probes and scraping are never rate limited.
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	r.Get("/api/v1/ready", orNotImplemented(deps.ReadyHandler))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimit.Limit)

		r.Route("/api/v1/jobs", func(r chi.Router) {
			r.Post("/", orNotImplemented(deps.UploadHandler))
			r.Get("/", orNotImplemented(deps.ListJobs))
			r.Post("/url", orNotImplemented(deps.SubmitURL))
			r.Get("/{jobID}", orNotImplemented(deps.GetJob))
			r.Delete("/{jobID}", orNotImplemented(deps.DeleteHandler))
			r.Get("/{jobID}/download", orNotImplemented(deps.DownloadHandler))
			r.Post("/{jobID}/retry", orNotImplemented(deps.RetryHandler))
		})

		// Paths of the original single-file service.
		r.Post("/process", orNotImplemented(deps.UploadHandler))
		r.Get("/status/{jobID}", orNotImplemented(deps.GetJob))
		r.Get("/download/{jobID}", orNotImplemented(deps.DownloadHandler))
		r.Delete("/job/{jobID}", orNotImplemented(deps.DeleteHandler))
	})
	r.Get("/health", orNotImplemented(deps.HealthHandler))

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
