package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/operations-engine/internal/metrics"
)

const requestTimeout = 60 * time.Second

// NewRouter builds the HTTP handler. hub may be nil to disable /api/v1/ws.
func NewRouter(svc *Service, hub *WSHub) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(metrics.Middleware)
	r.Use(cors)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"operations-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if hub != nil {
			// Engine notifications: reset, append, progress, status,
			// statistics, groups, outcome, connection.
			r.Get("/ws", hub.HandleWS)
		}

		r.Get("/connection", svc.GetConnection)
		r.Post("/connection", svc.Connect)
		r.Delete("/connection", svc.Disconnect)

		r.Get("/accounts", svc.ListAccounts)
		r.Put("/accounts/selected", svc.SelectAccount)
		r.Get("/portfolio", svc.GetPortfolio)

		r.Route("/operations", func(r chi.Router) {
			r.Get("/", svc.ListOperations)
			r.Post("/load", svc.Load)
			r.Post("/more", svc.LoadMore)
			r.Post("/cancel", svc.Cancel)
			r.Get("/stats", svc.GetStatistics)
			r.Get("/groups", svc.GetGroups)
			r.Put("/filter", svc.SetFilter)
			r.Get("/status", svc.GetStatus)
		})

		r.Get("/snapshots", svc.ListSnapshots)
		r.Get("/snapshots/latest", svc.LatestSnapshot)
		r.Get("/snapshots/{snapshotID}", svc.GetSnapshot)
	})

	return r
}

// cors allows cross-origin requests from the frontend.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
