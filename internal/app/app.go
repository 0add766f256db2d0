package app

import (
	"fmt"
	"os"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/despacho/internal/common"
	"github.com/ternarybob/despacho/internal/dispatch"
	"github.com/ternarybob/despacho/internal/driver"
	"github.com/ternarybob/despacho/internal/handlers"
	"github.com/ternarybob/despacho/internal/interfaces"
	"github.com/ternarybob/despacho/internal/models"
	"github.com/ternarybob/despacho/internal/orchestrator"
	"github.com/ternarybob/despacho/internal/queue"
	"github.com/ternarybob/despacho/internal/services/events"
	"github.com/ternarybob/despacho/internal/services/janitor"
	storage "github.com/ternarybob/despacho/internal/storage/badger"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	// Core services
	StorageManager *storage.Manager
	QueueManager   *queue.Manager
	WorkerPool     *queue.WorkerPool
	EventService   interfaces.EventService
	DriverService  interfaces.OrderDriver
	Orchestrator   *orchestrator.Service
	Janitor        *janitor.Service

	// HTTP handlers
	BatchHandler      *handlers.BatchHandler
	OrderHandler      *handlers.OrderHandler
	StatusHandler     *handlers.StatusHandler
	ScreenshotHandler *handlers.ScreenshotHandler
	WSHandler         *handlers.WebSocketHandler

	wsLogWriter *handlers.WebSocketLogWriter
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := os.MkdirAll(cfg.Storage.Screenshot, 0755); err != nil {
		return nil, fmt.Errorf("failed to create screenshot directory: %w", err)
	}

	storageManager, err := storage.NewManager(logger, &cfg.Storage.Badger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	app.StorageManager = storageManager

	// The queue shares the storage badger handle: one database keeps batch
	// creation and task enqueue durable together.
	queueManager, err := queue.NewManager(storageManager.DB(), &cfg.Queue, logger)
	if err != nil {
		storageManager.Close()
		return nil, fmt.Errorf("failed to initialize queue: %w", err)
	}
	app.QueueManager = queueManager

	app.EventService = events.NewService(logger)

	// WebSocket handler early so the log bridge can broadcast startup logs.
	app.WSHandler = handlers.NewWebSocketHandler(app.EventService, logger)
	app.wsLogWriter = handlers.NewWebSocketLogWriter(app.WSHandler, cfg.Logging.Level)
	app.Logger.SetChannel("context", app.wsLogWriter.Channel())

	app.DriverService = driver.NewService(cfg, logger)

	orderTask := dispatch.NewOrderTask(storageManager, queueManager, app.DriverService, app.EventService, cfg, logger)
	batchTask := dispatch.NewBatchTask(storageManager, queueManager, app.EventService, cfg, logger)

	app.WorkerPool = queue.NewWorkerPool(queueManager, &cfg.Queue, logger)
	app.WorkerPool.RegisterHandler(models.TaskTypeOrder, orderTask.Handle)
	app.WorkerPool.RegisterHandler(models.TaskTypeBatchDispatch, batchTask.HandleDispatch)
	app.WorkerPool.RegisterHandler(models.TaskTypeBatchRetry, batchTask.HandleRetry)

	app.Orchestrator = orchestrator.NewService(storageManager, queueManager, app.EventService, cfg, logger)
	app.Janitor = janitor.NewService(storageManager, queueManager, cfg, logger)

	app.BatchHandler = handlers.NewBatchHandler(storageManager, app.Orchestrator, logger)
	app.OrderHandler = handlers.NewOrderHandler(storageManager, app.Orchestrator, logger)
	app.StatusHandler = handlers.NewStatusHandler(app.Orchestrator, cfg, logger)
	app.ScreenshotHandler = handlers.NewScreenshotHandler(cfg, logger)

	logger.Info().
		Str("badger_path", cfg.Storage.Badger.Path).
		Int("order_workers", cfg.Queue.Concurrency).
		Msg("Application initialized")

	return app, nil
}

// Start launches the background workers.
func (a *App) Start() error {
	if err := a.WorkerPool.Start(); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	if err := a.Janitor.Start(); err != nil {
		return fmt.Errorf("failed to start janitor: %w", err)
	}
	return nil
}

// Close shuts components down in reverse dependency order.
func (a *App) Close() {
	a.Janitor.Stop()

	if err := a.WorkerPool.Stop(); err != nil {
		a.Logger.Warn().Err(err).Msg("Worker pool stop failed")
	}

	a.WSHandler.Close()
	a.wsLogWriter.Close()

	if err := a.QueueManager.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Queue close failed")
	}
	if err := a.StorageManager.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Storage close failed")
	}

	a.Logger.Info().Msg("Application stopped")
}
