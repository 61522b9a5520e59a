package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"identity-service/internal/config"
	"identity-service/internal/models"
	"identity-service/internal/token"
	"identity-service/internal/util"
)

// Handlers groups everything the router mounts.
type Handlers struct {
	OneStep *OneStepHandler
	User    *UserHandler
	Admin   *AdminHandler
	// Health reports backing store reachability; nil means always healthy.
	Health func(ctx context.Context) error
}

// NewRouter creates and configures the Chi router with all middleware and routes
func NewRouter(cfg *config.Config, h *Handlers, auth *AuthMiddleware) chi.Router {
	router := chi.NewRouter()

	if cfg.Server.EnableTLS {
		router.Use(requireHTTPS)
	}

	// Middleware stack
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(LoggerMiddleware)
	router.Use(MetricsMiddleware)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if h.Health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := h.Health(ctx); err != nil {
				util.Warn("Health check failed", util.ErrorField(err))
				respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status":  "unhealthy",
					"service": cfg.ServiceName,
				})
				return
			}
		}
		respondWithJSON(w, http.StatusOK, map[string]string{
			"status":  "healthy",
			"service": cfg.ServiceName,
		})
	})
	router.Handle("/metrics", promhttp.Handler())

	router.Route("/api/v1", func(r chi.Router) {
		if cfg.Server.IPRateLimit > 0 {
			r.Use(httprate.LimitByIP(cfg.Server.IPRateLimit, time.Minute))
		}

		r.Route("/onestep", func(r chi.Router) {
			h.OneStep.RegisterPublicRoutes(r)
			r.With(auth.Require(token.ScopeOnboarding)).Post("/register/complete", h.OneStep.CompleteRegistration)
		})

		r.Route("/user", func(r chi.Router) {
			r.Use(auth.Require(token.ScopeFull))
			h.User.RegisterRoutes(r)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.Require(token.ScopeFull))
			r.Route("/users", func(r chi.Router) {
				r.Use(RequireRole(models.RoleAdmin))
				h.Admin.RegisterUserRoutes(r)
			})
			r.Route("/kyc", func(r chi.Router) {
				r.Use(RequireRole(models.RoleAdmin, models.RoleKYCReviewer))
				h.Admin.RegisterKYCRoutes(r)
			})
		})
	})

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondStatus(w, http.StatusNotFound, "Endpoint not found")
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondStatus(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	return router
}
