package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/Brownie44l1/traffic-sign-api/internal/handlers"
	"github.com/Brownie44l1/traffic-sign-api/internal/telemetry"
)

var pageRoutes = map[string]string{
	"/":            "Home",
	"/about":       "About",
	"/contact":     "Contact",
	"/methodology": "Methodology",
	"/datasets":    "Datasets",
	"/upload":      "Upload",
}

func NewRouter(h *handlers.Handler, pages *handlers.Pages, metrics *telemetry.Metrics, corsOrigins []string) http.Handler {
	mux := chi.NewRouter()

	mux.Use(handlers.WithRequestID)
	mux.Use(Logging)
	mux.Use(middleware.Recoverer)
	mux.Use(metrics.Middleware)
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		ExposedHeaders: []string{handlers.RequestIDHeader},
		MaxAge:         300,
	}))

	for path, name := range pageRoutes {
		mux.Get(path, pages.Render(name))
	}
	mux.Get("/flowchart.jpg", pages.Static("flowchart.jpg"))

	mux.Post("/predict", h.Predict)
	mux.Get("/health", h.Health)
	mux.Get("/metrics", metrics.Handler)

	return mux
}
