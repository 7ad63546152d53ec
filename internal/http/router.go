package http

import (
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/connectme/enrollment/internal/auth"
	"github.com/connectme/enrollment/internal/http/handlers"
	"github.com/connectme/enrollment/internal/middleware"
	"github.com/connectme/enrollment/internal/repo"
)

// RouterConfig holds the dependencies of the HTTP router
type RouterConfig struct {
	Registration *handlers.RegistrationHandler
	Login        *handlers.LoginHandler
	JWT          *auth.JWTService
	Users        repo.UserRepo
	// VerifyLimiter limits verification start/check requests per client IP.
	VerifyLimiter *middleware.RateLimiter
	SessionTTL    time.Duration
	CookieSecure  bool
}

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	healthHandler := handlers.NewHealthHandler()
	r.Get("/health", healthHandler.ServeHTTP)

	r.Route("/users", func(r chi.Router) {
		r.Use(middleware.SessionMiddleware(cfg.SessionTTL, cfg.CookieSecure))

		r.Route("/registration", func(r chi.Router) {
			h := cfg.Registration
			r.Post("/init", h.HandleInit)
			r.Post("/userdata", h.HandleUserData)
			r.Get("/state", h.HandleState)
			r.Group(func(r chi.Router) {
				r.Use(middleware.RateLimitMiddleware(cfg.VerifyLimiter, middleware.GetIPKey))
				r.Post("/verification/start", h.HandleStartVerification)
				r.Post("/verification/check", h.HandleCheckCode)
			})
		})

		r.Route("/login", func(r chi.Router) {
			h := cfg.Login
			r.Post("/init", h.HandleInit)
			r.Post("/credentials", h.HandleCredentials)
			r.Get("/state", h.HandleState)
			r.Group(func(r chi.Router) {
				r.Use(middleware.RateLimitMiddleware(cfg.VerifyLimiter, middleware.GetIPKey))
				r.Post("/verification/start", h.HandleStartVerification)
				r.Post("/verification/check", h.HandleCheckCode)
			})
		})
	})

	// Protected routes (require valid JWT)
	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware(cfg.JWT, cfg.Users))
		r.Get("/me", handlers.HandleMe)
	})

	return r
}
