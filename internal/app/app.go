package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"trafficwatch/internal/config"
	"trafficwatch/internal/logger"
	"trafficwatch/internal/repository/sqlite"
	"trafficwatch/internal/routes"
	"trafficwatch/internal/service"
	"trafficwatch/internal/service/aggregator"
	"trafficwatch/internal/service/ai"
	"trafficwatch/internal/service/bus"
	"trafficwatch/internal/service/dispatcher"
	"trafficwatch/internal/service/notify"
	"trafficwatch/internal/service/recorder"
)

const (
	viewerBuffer    = 32
	shutdownTimeout = 10 * time.Second
	storageBackoff  = 10 * time.Second
)

type App struct {
	config     *config.Config
	logger     *logger.Logger
	db         *sqlite.DB
	bus        *bus.Bus
	dispatcher *dispatcher.Dispatcher
	detector   *ai.DetectorService
	notifier   *notify.MQTTNotifier
	recorders  []*recorder.Recorder
	manager    *service.Manager
	startedAt  time.Time
}

func NewApp() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	log, err := logger.NewLogger(cfg.LogDirectory)
	if err != nil {
		return nil, err
	}

	a := &App{config: cfg, logger: log, startedAt: time.Now()}
	if err := a.setup(); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) setup() error {
	cfg := a.config

	db, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return err
	}
	a.db = db

	policy, err := bus.ParsePolicy(cfg.FrameDropPolicy)
	if err != nil {
		return err
	}
	a.bus = bus.New(bus.Config{
		Workers:          cfg.BusWorkers,
		MaxSubscriptions: cfg.MaxSubscriptions,
		Capacity:         cfg.SubscriberQueueCapacity,
		Policy:           policy,
		BlockTimeout:     cfg.BlockTimeout,
	}, a.logger)

	a.dispatcher = dispatcher.New(a.bus, dispatcher.Config{
		Aggregator: aggregator.Config{
			Threshold:          cfg.ConfirmationThreshold,
			CooldownFrames:     cfg.CooldownFrames,
			MaxEpisodeDuration: cfg.MaxEpisodeDuration,
		},
		ViewerBuffer:      viewerBuffer,
		ViewerSendTimeout: cfg.ViewerSendTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		IdleTimeout:       cfg.SessionIdleTimeout,
	}, a.logger)

	// Storage sinks subscribe to every session's accidents, so records are
	// written whether or not anybody is watching.
	if err := a.addRecorder(sqlite.NewAccidentRepository(db), "sqlite", cfg.DeadLetterPath); err != nil {
		return err
	}
	if cfg.MQTTBroker != "" {
		a.notifier = notify.NewMQTTNotifier(notify.Config{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientID,
			Topic:    cfg.MQTTTopic,
			QoS:      byte(cfg.MQTTQoS),
		}, a.logger)
		if err := a.notifier.Connect(context.Background()); err != nil {
			a.logger.Warning("MQTT not connected yet, retrying in background: %v", err)
		}
		// Notifications are best effort; SQLite holds the durable copy.
		if err := a.addRecorder(a.notifier, "mqtt", ""); err != nil {
			return err
		}
	}

	if a.needsDetector() {
		detector, err := ai.NewDetectorService(cfg, a.logger)
		if err != nil {
			return fmt.Errorf("failed to load detection model: %w", err)
		}
		a.detector = detector
	}

	manager, err := service.NewManager(a.dispatcher, a.bus, a.newSource, cfg, a.logger)
	if err != nil {
		return err
	}
	a.manager = manager
	return nil
}

func (a *App) addRecorder(sink recorder.Sink, name, deadLetterPath string) error {
	rec := recorder.New(sink, recorder.Config{
		Name:           name,
		QueueCapacity:  a.config.StorageQueueCapacity,
		MaxRetries:     a.config.StorageMaxRetries,
		Backoff:        a.config.StorageRetryBackoff,
		MaxBackoff:     storageBackoff,
		DeadLetterPath: deadLetterPath,
	}, a.logger)

	if err := rec.Subscribe(a.bus, bus.TopicAccidents); err != nil {
		return err
	}
	a.recorders = append(a.recorders, rec)
	return nil
}

// needsDetector reports whether any camera is analyzed in-process.
func (a *App) needsDetector() bool {
	for _, uri := range a.config.Cameras {
		if uri != service.PushSource {
			return true
		}
	}
	return false
}

func (a *App) newSource(sessionID, cameraID, uri string) (service.FrameSource, error) {
	if a.detector == nil {
		return nil, errors.New("no detection model loaded")
	}
	return ai.NewVideoSource(sessionID, cameraID, uri, a.detector,
		a.config.SampleFPS, a.config.ConfidenceThreshold, a.config.AccidentLabels, a.logger), nil
}

// Run serves HTTP until SIGINT or SIGTERM, then shuts the pipeline down.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, rec := range a.recorders {
		go rec.Run()
	}
	go a.dispatcher.Run(ctx)

	router := routes.SetupRoutes(routes.Deps{
		Manager:   a.manager,
		Accidents: sqlite.NewAccidentRepository(a.db),
		Recorders: a.recorders,
		Notifier:  a.notifier,
		StartedAt: a.startedAt,
	}, a.config, a.logger)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.config.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.logger.Info("Traffic watch server listening on :%d", a.config.Port)
	a.logger.Info("Database: %s, cameras: %d, K=%d, drop policy: %s",
		a.config.DatabasePath, len(a.config.Cameras), a.config.ConfirmationThreshold, a.config.FrameDropPolicy)
	if a.config.AuthToken == "" {
		a.logger.Warning("AUTH_TOKEN is empty, the API is unauthenticated")
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("Shutting down...")
	case runErr = <-serverErr:
		a.logger.Error("Server error: %v", runErr)
	}

	a.shutdown(server)
	return runErr
}

// shutdown stops frame production first, then tells viewers their sessions
// ended, then drains storage.
func (a *App) shutdown(server *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	a.manager.Stop()
	a.dispatcher.Close()

	if err := server.Shutdown(ctx); err != nil {
		a.logger.Error("HTTP shutdown: %v", err)
	}

	// Accidents confirmed just before shutdown may still sit in the storage
	// subscriptions; Shutdown hands them over before closing.
	for _, rec := range a.recorders {
		if err := rec.Shutdown(ctx); err != nil {
			a.logger.Error("Storage %s shutdown: %v", rec.Name(), err)
		}
	}
	a.close()
}

// close releases whatever setup managed to create.
func (a *App) close() {
	if a.notifier != nil {
		a.notifier.Disconnect()
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if a.detector != nil {
		a.detector.Close()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error("Database close: %v", err)
		}
	}
	a.logger.Info("Shutdown complete")
	a.logger.Close()
}
