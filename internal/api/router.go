package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/jobcore/internal/api/middleware"
	"github.com/kiranshivaraju/jobcore/internal/api/response"
	"github.com/kiranshivaraju/jobcore/internal/taxonomy"
	"golang.org/x/text/language"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth          *mw.Auth
	RateLimit     *mw.RateLimit
	DefaultLocale language.Tag

	HealthHandler         http.HandlerFunc
	SubmitRecognition     http.HandlerFunc
	GetTaskHandler        http.HandlerFunc
	CancelTaskHandler     http.HandlerFunc
	PaymentWebhookHandler http.HandlerFunc
	CreateKeyHandler      http.HandlerFunc
	RunSweepHandler       http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware. RequestID and Locale come first so every error body,
	// including recovered panics, carries a trace id and the caller's language.
	r.Use(mw.RequestID)
	r.Use(mw.Locale(deps.DefaultLocale))
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, taxonomy.NewFor(r.Context(), taxonomy.RouteNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, taxonomy.NewFor(r.Context(), taxonomy.MethodNotAllowed))
	})

	r.Get("/api/v1/health", deps.HealthHandler)

	// Authenticated by shared token inside the handler.
	r.Post("/api/v1/webhooks/payments", deps.PaymentWebhookHandler)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/recognitions", deps.SubmitRecognition)
		r.Get("/api/v1/tasks/{taskID}", deps.GetTaskHandler)
		r.Post("/api/v1/tasks/{taskID}/cancel", deps.CancelTaskHandler)

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireAdmin)

			r.Post("/api/v1/admin/keys", deps.CreateKeyHandler)
			r.Post("/api/v1/admin/sweep", deps.RunSweepHandler)
		})
	})

	return r
}
