package routes

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"trafficwatch/internal/config"
	"trafficwatch/internal/handler"
	"trafficwatch/internal/logger"
	"trafficwatch/internal/middleware"
	"trafficwatch/internal/repository"
	"trafficwatch/internal/service"
	"trafficwatch/internal/service/notify"
	"trafficwatch/internal/service/recorder"
)

// Deps collects what the HTTP layer needs.
type Deps struct {
	Manager   *service.Manager
	Accidents repository.AccidentRepository
	Recorders []*recorder.Recorder
	Notifier  *notify.MQTTNotifier
	StartedAt time.Time
}

// SetupRoutes registers the session, stream, accident, health and log
// endpoints and wraps the router with the token middleware.
func SetupRoutes(deps Deps, cfg *config.Config, logger *logger.Logger) http.Handler {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()

	// Sessions
	api.HandleFunc("/sessions", handler.StartSessionHandler(deps.Manager, logger)).Methods(http.MethodPost)
	api.HandleFunc("/sessions", handler.ListSessionsHandler(deps.Manager, logger)).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", handler.GetSessionHandler(deps.Manager, logger)).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/stop", handler.StopSessionHandler(deps.Manager, logger)).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/frames", handler.IngestFrameHandler(deps.Manager, logger)).Methods(http.MethodPost)

	// Live streams
	api.HandleFunc("/sessions/{id}/ws", handler.StreamWebsocketHandler(deps.Manager, logger)).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/events", handler.StreamEventsHandler(deps.Manager, logger)).Methods(http.MethodGet)

	// Stored accidents
	api.HandleFunc("/accidents", handler.GetAccidentsHandler(deps.Accidents, logger)).Methods(http.MethodGet)
	api.HandleFunc("/accidents/{incident}", handler.GetAccidentHandler(deps.Accidents, logger)).Methods(http.MethodGet)
	api.HandleFunc("/accidents/{incident}", handler.DeleteAccidentHandler(deps.Accidents, logger)).Methods(http.MethodDelete)
	api.HandleFunc("/cameras", handler.GetCamerasHandler(deps.Manager.Cameras(), deps.Accidents, logger)).Methods(http.MethodGet)

	api.HandleFunc("/health", handler.HealthHandler(deps.Manager, deps.Recorders, deps.Notifier, deps.StartedAt, logger)).Methods(http.MethodGet)

	// Log endpoints
	r.HandleFunc("/logs/{level:info|warning|error}", handler.ShowLogsHandler(logger)).Methods(http.MethodGet)
	r.HandleFunc("/logs/{level:info|warning|error}/clear", handler.ClearLogsHandler(logger)).Methods(http.MethodPost)

	r.Use(middleware.AuthMiddleware(cfg.AuthToken))
	return r
}
