package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"log/slog"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/strataworks/analyst/agent"
	"github.com/strataworks/analyst/checkpoint"
	"github.com/strataworks/analyst/config"
	"github.com/strataworks/analyst/llm"
	"github.com/strataworks/analyst/memory"
	"github.com/strataworks/analyst/report"
	"github.com/strataworks/analyst/retrieve"
	"github.com/strataworks/analyst/retrieve/ingest"
	"github.com/strataworks/analyst/workflow"
)

// App wires the configuration, NATS, stores, and pipeline together.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// NATS
	embeddedServer *server.Server
	natsConn       *nats.Conn
	js             jetstream.JetStream

	// Stores and collaborators
	memories    *memory.Manager
	memStore    *memory.NATSStore
	checkpoints *checkpoint.NATSStore
	index       *retrieve.NATSIndex

	engine *workflow.Engine

	metricsServer *http.Server
}

// NewApp creates a new application instance.
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, logger: logger}
}

// Start initializes and starts all components.
func (a *App) Start(ctx context.Context) error {
	if err := a.startNATS(ctx); err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}

	memStore, err := memory.NewNATSStore(ctx, a.js)
	if err != nil {
		return fmt.Errorf("initialize memory store: %w", err)
	}
	a.memStore = memStore

	checkpoints, err := checkpoint.NewNATSStore(ctx, a.js)
	if err != nil {
		return fmt.Errorf("initialize checkpoint store: %w", err)
	}
	a.checkpoints = checkpoints

	index, err := retrieve.NewNATSIndex(ctx, a.js)
	if err != nil {
		return fmt.Errorf("initialize corpus index: %w", err)
	}
	a.index = index

	persister, err := report.NewNATSPersister(ctx, a.js, index)
	if err != nil {
		return fmt.Errorf("initialize persister: %w", err)
	}

	client := llm.NewClient(a.cfg.Endpoints(),
		llm.WithLogger(a.logger),
		llm.WithHTTPClient(&http.Client{Timeout: a.cfg.Models.Timeout}),
	)
	a.memories = memory.NewManager(memStore, client, a.logger)

	var web retrieve.Retriever
	if a.cfg.Retrieval.SearchURL != "" {
		web = retrieve.NewWebRetriever(a.cfg.Retrieval.SearchURL, 30*time.Second, a.logger)
	}

	pipeline := agent.New(client, a.memories,
		retrieve.NewCorpusRetriever(index), web, persister,
		agent.Config{
			MaxTaskRetries:    a.cfg.Dispatch.MaxTaskRetries,
			MaxSectionRetries: a.cfg.Dispatch.MaxSectionRetries,
			MaxConcurrent:     a.cfg.Dispatch.MaxConcurrent,
			WorkerTimeout:     a.cfg.Dispatch.WorkerTimeout,
			TopK:              a.cfg.Retrieval.TopK,
		}, a.logger)
	a.engine = pipeline.BuildEngine(checkpoints)

	if a.cfg.Metrics.Addr != "" {
		a.startMetrics()
	}
	return nil
}

func (a *App) startNATS(ctx context.Context) error {
	if a.cfg.NATS.URL != "" && !a.cfg.NATS.Embedded {
		a.logger.Info("connecting to NATS", "url", a.cfg.NATS.URL)
		conn, err := nats.Connect(a.cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		a.natsConn = conn
	} else {
		a.logger.Info("starting embedded NATS server")
		opts := &server.Options{
			Port:      -1, // Random available port
			JetStream: true,
			NoLog:     true,
			NoSigs:    true,
			StoreDir:  a.cfg.NATS.StoreDir,
		}

		ns, err := server.NewServer(opts)
		if err != nil {
			return fmt.Errorf("create embedded NATS server: %w", err)
		}

		go ns.Start()

		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return fmt.Errorf("embedded NATS server failed to start")
		}
		a.embeddedServer = ns

		conn, err := nats.Connect(ns.ClientURL())
		if err != nil {
			ns.Shutdown()
			return fmt.Errorf("connect to embedded NATS: %w", err)
		}
		a.natsConn = conn
	}

	js, err := jetstream.New(a.natsConn)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	a.js = js
	return nil
}

func (a *App) startMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	a.metricsServer = &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("metrics listening", "addr", a.cfg.Metrics.Addr)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server failed", "error", err)
		}
	}()
}

// IndexDocs walks the configured drop folder into the corpus, optionally
// staying alive to watch for changes.
func (a *App) IndexDocs(ctx context.Context, watch bool) error {
	if a.cfg.Retrieval.DocsDir == "" {
		return fmt.Errorf("retrieval.docs_dir is not configured")
	}
	w := ingest.NewWatcher(ingest.DefaultConfig(a.cfg.Retrieval.DocsDir), a.index, a.logger)
	count, err := w.IndexAll(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("corpus indexed", "documents", count)
	if !watch {
		return nil
	}
	return w.Watch(ctx)
}

// Shutdown gracefully stops all components.
func (a *App) Shutdown(ctx context.Context) {
	if a.metricsServer != nil {
		_ = a.metricsServer.Shutdown(ctx)
	}
	if a.natsConn != nil {
		_ = a.natsConn.Drain()
		a.natsConn.Close()
	}
	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}
}
