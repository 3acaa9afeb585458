/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       The frontend is served from the same origin in
                 production, but local dev runs it on a different port

ROUTE GROUPS:
  /api/config            Public configuration
  /api/packs/*           Pack listing
  /api/user/*            Accounts and purchase history
  /api/purchase          Purchase attempts
  /api/balance/*         On-chain balance proxy
  /api/admin/*           Pack creation
  /*                     Static files (frontend)

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
// staticDir may be empty to disable static serving (tests).
func NewRouter(h *Handler, staticDir string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Get("/config", h.GetConfig)

		r.Route("/packs", func(r chi.Router) {
			r.Get("/", h.ListPacks)
			r.Get("/{id}", h.GetPack)
		})

		r.Post("/users", h.RegisterUser)
		r.Route("/user/{wallet}", func(r chi.Router) {
			r.Get("/", h.GetUser)
			r.Get("/purchases", h.ListUserPurchases)
		})

		r.Post("/purchase", h.Purchase)
		r.Get("/balance/{wallet}", h.GetBalance)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/packs", h.CreatePack)
		})
	})

	// Serve static files (presale frontend)
	if staticDir != "" {
		if _, err := os.Stat(staticDir); err == nil {
			fileServer := http.FileServer(http.Dir(staticDir))
			r.Get("/*", func(w http.ResponseWriter, req *http.Request) {
				fullPath := filepath.Join(staticDir, req.URL.Path)
				if _, err := os.Stat(fullPath); os.IsNotExist(err) {
					http.ServeFile(w, req, filepath.Join(staticDir, "index.html"))
					return
				}
				fileServer.ServeHTTP(w, req)
			})
		}
	}

	return r
}
