// Package bootstrap wires the Charon components together and manages the
// application lifecycle.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"charon/api"
	"charon/broker"
	"charon/config"
	"charon/core"
	"charon/ingest"
	"charon/parser"
	"charon/pipeline"
	"charon/router"
	"charon/status"
	"charon/stix"
	"charon/storage"
	"charon/workers"

	"go.uber.org/zap"
)

// App represents the Charon application with all its components.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	Broker  *broker.Broker
	Tracker *status.Tracker

	Gate      *ingest.Gate
	Parser    *parser.Parser
	Converter *stix.Converter
	Router    *router.Router
	Service   *pipeline.Service

	GraphStore  storage.GraphStore
	VectorStore *storage.MongoVectorStore
	Exporter    *storage.JSONLExporter

	APIServer *api.API

	exportFile *os.File
	workerWg   sync.WaitGroup
	cancel     context.CancelFunc
}

// NewApp creates a new application instance and initializes all components.
func NewApp(ctx context.Context) (*App, error) {
	app := &App{}

	logger, sugar, err := InitLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	app.Logger = logger
	app.Sugar = sugar

	sugar.Info("Charon pipeline starting...")

	cfg, err := InitConfig(sugar)
	if err != nil {
		return nil, err
	}
	app.Config = cfg

	// Broker first: nothing works without it.
	app.Broker = broker.New(cfg.Broker.Addr, cfg.Broker.Password, cfg.Broker.DB,
		cfg.Broker.PoolSize, cfg.Broker.PopTimeout, sugar)
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := app.Broker.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("failed to connect to broker at %s: %w", cfg.Broker.Addr, err)
	}
	sugar.Infof("Connected to broker at %s", cfg.Broker.Addr)

	app.Tracker = status.NewTracker(app.Broker, cfg.Retention.StatusTTL, sugar)

	windows := ingest.DedupWindows{
		Vector: time.Duration(cfg.Retention.DedupWindowDays.Vector) * 24 * time.Hour,
		Graph:  time.Duration(cfg.Retention.DedupWindowDays.Graph) * 24 * time.Hour,
	}
	app.Gate, err = ingest.NewGate(app.Broker, app.Tracker, cfg.Gate.DedupCacheSize,
		cfg.Retention.RawTTL, windows, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize ingestion gate: %w", err)
	}

	app.Parser, err = InitParser(cfg, sugar)
	if err != nil {
		return nil, err
	}

	app.Converter = stix.NewConverter(sugar)
	app.Router = router.New()

	app.Service = pipeline.New(app.Gate, app.Parser, app.Converter, app.Router,
		app.Broker, app.Tracker, cfg.Retention.ParsedTTL, sugar)

	if cfg.Graph.Enabled {
		graphStore, err := storage.NewArangoGraphStore(ctx, storage.ArangoConfig{
			URL:      cfg.Graph.URL,
			Database: cfg.Graph.Database,
			Username: cfg.Graph.Username,
			Password: cfg.Graph.Password,
		}, sugar)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize graph store: %w", err)
		}
		app.GraphStore = graphStore
	} else {
		sugar.Warn("Graph store disabled; graph queue will not be drained")
	}

	if cfg.Vector.Enabled {
		vectorStore, err := storage.NewMongoVectorStore(cfg.Vector.URI, cfg.Vector.Database,
			cfg.Vector.Collection, cfg.Vector.MaxPoolSize, storage.NewHashingEmbedder(), sugar)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize vector store: %w", err)
		}
		app.VectorStore = vectorStore
	} else {
		sugar.Warn("Vector store disabled; vector queue will not be drained")
	}

	if err := app.initExporter(); err != nil {
		return nil, err
	}

	app.APIServer = api.NewAPI(app.Service, api.Config{
		Host:              cfg.API.Host,
		Port:              cfg.API.Port,
		JSONBodyLimit:     int64(cfg.API.JSONBodyLimit),
		RequestsPerSecond: float64(cfg.API.RateLimit.RequestsPerSecond),
		Burst:             cfg.API.RateLimit.Burst,
	}, sugar)

	return app, nil
}

// initExporter opens the priority-export file in append mode.
func (a *App) initExporter() error {
	path := a.Config.Export.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open export file %s: %w", path, err)
	}
	a.exportFile = f
	a.Exporter = storage.NewJSONLExporter(f, a.Sugar)
	a.Sugar.Infof("Priority export writing to %s", path)
	return nil
}

// Start launches the workers, the janitor, and the API server.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)
	cfg := a.Config

	workerCfg := workers.Config{
		MaxAttempts:    cfg.Workers.MaxAttempts,
		InitialBackoff: cfg.Workers.InitialBackoff,
		MaxBackoff:     cfg.Workers.MaxBackoff,
		WriteTimeout:   cfg.Workers.WriteTimeout,
	}

	if a.VectorStore != nil {
		handler := workers.NewVectorHandler(a.Broker, a.VectorStore)
		a.startWorkers(ctx, core.QueueVector, cfg.Workers.VectorCount, handler, workerCfg)
	}
	if a.GraphStore != nil {
		handler := workers.NewGraphHandler(a.Broker, a.Converter, a.GraphStore, a.Sugar)
		a.startWorkers(ctx, core.QueueGraph, cfg.Workers.GraphCount, handler, workerCfg)
	}
	handler := workers.NewExportHandler(a.Broker, a.Exporter)
	a.startWorkers(ctx, core.QueuePriorityExport, cfg.Workers.ExportCount, handler, workerCfg)

	a.workerWg.Add(1)
	go func() {
		defer a.workerWg.Done()
		a.Broker.StartJanitor(ctx, a.Router.Queues(),
			cfg.Broker.JanitorInterval, cfg.Broker.VisibilityTimeout)
	}()

	a.APIServer.Start()
	a.Sugar.Info("Charon pipeline started")
	return nil
}

func (a *App) startWorkers(ctx context.Context, queue string, count int, handler workers.Handler, cfg workers.Config) {
	for i := 0; i < count; i++ {
		w := workers.New(queue, a.Broker, a.Tracker, handler, cfg, a.Sugar)
		a.workerWg.Add(1)
		go func() {
			defer a.workerWg.Done()
			w.Run(ctx)
		}()
	}
	a.Sugar.Infof("Started %d workers for queue %s", count, queue)
}

// WaitForShutdown blocks until a shutdown signal is received.
func (a *App) WaitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}

// Shutdown gracefully shuts down all components.
func (a *App) Shutdown() {
	a.Sugar.Info("Shutting down...")

	// Phase 1 - stop accepting new records.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if a.APIServer != nil {
		if err := a.APIServer.Stop(shutdownCtx); err != nil {
			a.Sugar.Errorf("API server shutdown error: %v", err)
		}
	}

	// Phase 2 - stop workers and the janitor. In-flight entries that were
	// popped but not acked are swept back to their queues on next start.
	if a.cancel != nil {
		a.cancel()
	}
	a.workerWg.Wait()

	// Phase 3 - close store connections.
	if a.VectorStore != nil {
		if err := a.VectorStore.Close(shutdownCtx); err != nil {
			a.Sugar.Errorf("Vector store close error: %v", err)
		}
	}
	if a.exportFile != nil {
		if err := a.exportFile.Close(); err != nil {
			a.Sugar.Errorf("Export file close error: %v", err)
		}
	}
	if a.Broker != nil {
		if err := a.Broker.Close(); err != nil {
			a.Sugar.Errorf("Broker close error: %v", err)
		}
	}

	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}
