// Package server exposes the HTTP surface: the REST facade over the hub,
// router and store, and the WebSocket endpoint devices and dashboards
// connect to.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/plantworks/waterhub/internal/config"
	"github.com/plantworks/waterhub/internal/hub"
	"github.com/plantworks/waterhub/internal/router"
	"github.com/plantworks/waterhub/internal/store"
)

// Version is reported in the connected hello and the service banner.
const Version = "1.0.0"

// maxBodyBytes caps HTTP request bodies at 1 MiB.
const maxBodyBytes = 1 << 20

// Server wires the HTTP surface to the hub, router and store.
type Server struct {
	cfg    *config.Config
	log    zerolog.Logger
	store  store.Store
	hub    *hub.Hub
	router *router.Router
	mux    *chi.Mux
}

// New creates a server and builds its route table.
func New(cfg *config.Config, log zerolog.Logger, st store.Store, h *hub.Hub, rt *router.Router) *Server {
	s := &Server{
		cfg:    cfg,
		log:    log.With().Str("component", "server").Logger(),
		store:  st,
		hub:    h,
		router: rt,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(limitBody)

	r.Get("/", s.handleBanner)
	r.Get("/health", s.handleHealth)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	// WebSocket endpoint for devices and dashboards.
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Post("/devices/register", s.handleRegisterDevice)
		r.Get("/devices", s.handleListDevices)
		r.Get("/devices/{deviceID}/schedules", s.handleListSchedules)
		r.Get("/devices/{deviceID}/alarms", s.handleListAlarms)
		r.Post("/devices/{deviceID}/water", s.handleWaterCommand)

		r.Post("/schedules", s.handleCreateSchedule)

		r.Post("/alarms", s.handleCreateAlarm)
		r.Put("/alarms/{alarmID}/toggle", s.handleToggleAlarm)
		r.Delete("/alarms/{alarmID}", s.handleDeleteAlarm)

		r.Get("/debug/connections", s.handleDebugConnections)
	})

	s.mux = r
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// Handler returns the route table (used by tests).
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
