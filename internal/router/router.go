package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"worktrack-collector/internal/handlers"
	"worktrack-collector/internal/middleware"
	"worktrack-collector/internal/websocket"
)

func New(
	heartbeatHandler *handlers.HeartbeatHandler,
	usageHandler *handlers.UsageHandler,
	deviceHandler *handlers.DeviceHandler,
	wsHub *websocket.Hub,
	heartbeatLimiter *middleware.RateLimiter,
	metricsHandler http.Handler,
	frontendURL string,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(frontendURL))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {

		// ──── Agent Routes ────
		r.Group(func(r chi.Router) {
			if heartbeatLimiter != nil {
				r.Use(heartbeatLimiter.Middleware)
			}
			r.Post("/heartbeat", heartbeatHandler.Record)
		})

		// ──── Device Routes ────
		r.Route("/devices", func(r chi.Router) {
			r.Get("/", deviceHandler.List)
			r.Get("/{id}/usage", usageHandler.DeviceUsage)
		})

		// ──── Report Routes ────
		r.Route("/reports", func(r chi.Router) {
			r.Get("/daily", usageHandler.DailyReport)
			r.Get("/system", usageHandler.SystemReport)
		})

		// ──── Admin Routes ────
		r.Route("/admin", func(r chi.Router) {
			r.Delete("/devices/{id}/usage/{day}", usageHandler.ResetUsage)
		})

		// ──── WebSocket ────
		r.Get("/ws", wsHub.HandleWebSocket)
	})

	return r
}
