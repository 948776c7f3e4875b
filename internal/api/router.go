package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/tripweaver/tripweaver/backend/internal/api/handlers"
	"github.com/tripweaver/tripweaver/backend/internal/api/middleware"
	"github.com/tripweaver/tripweaver/backend/internal/config"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/itineraries", func(r chi.Router) {
			r.Get("/", h.ListItineraries)
			r.Post("/", h.CreateItinerary)
			r.Route("/{itineraryId}", func(r chi.Router) {
				r.Get("/", h.GetItinerary)
				r.Delete("/", h.DeleteItinerary)

				// Conversational editing
				r.Route("/chat", func(r chi.Router) {
					r.Post("/", h.ChatMessage)
					r.Post("/disambiguate", h.ChatDisambiguate)
					r.Post("/apply", h.ChatApply)
					r.Get("/history", h.ChatHistory)
					r.Delete("/history", h.ClearChatHistory)
				})

				// Revision history
				r.Route("/revisions", func(r chi.Router) {
					r.Get("/", h.ListRevisions)
					r.Post("/{revisionId}/rollback", h.RollbackRevision)
				})
			})
		})
	})

	// Realtime channel, one subscription per itinerary
	r.Get("/ws/itineraries/{itineraryId}", h.Subscribe)

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "tripweaver-backend",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "tripweaver-backend",
		})
	}
}
