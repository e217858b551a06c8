package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/uranusdex/settlement/pkg/api"
	"github.com/uranusdex/settlement/pkg/events"
	"github.com/uranusdex/settlement/pkg/metrics"
	"github.com/uranusdex/settlement/pkg/perps"
	"github.com/uranusdex/settlement/pkg/store"
)

const (
	defaultDataDir     = ".settled"
	defaultPort        = 8080
	defaultMetricsPort = 9090
)

type Config struct {
	// Paths
	DataDir  string
	LogLevel string

	// Network
	HTTPPort    int
	MetricsPort int
	NATSURL     string

	// Keys
	Authority string
	FeeSink   string

	// Features
	EnableMetrics bool
}

type Node struct {
	config  *Config
	db      database.Database
	engine  *perps.Engine
	metrics *metrics.Metrics
	nats    *events.Publisher
	hub     *api.EventHub
	logger  log.Logger

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewNode(config *Config) (*Node, error) {
	level, _ := log.ToLevel(config.LogLevel)
	logger := log.NewTestLogger(level)
	logger.Info("Initializing settlement node")

	authority, err := ids.FromString(config.Authority)
	if err != nil {
		return nil, fmt.Errorf("invalid authority id: %w", err)
	}
	feeSink, err := ids.FromString(config.FeeSink)
	if err != nil {
		return nil, fmt.Errorf("invalid fee sink id: %w", err)
	}

	// Ensure data directory exists
	dataPath := filepath.Join(os.Getenv("HOME"), config.DataDir)
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// BadgerDB is the preferred backend; fall back to memory when it cannot
	// be opened so the node still comes up for local runs.
	dbManager := manager.NewManager(dataPath, nil)
	dbConfig := manager.DefaultBadgerDBConfig("badgerdb")
	dbConfig.Namespace = "settled"

	db, err := dbManager.New(dbConfig)
	if err != nil {
		logger.Warn("Failed to open BadgerDB", "error", err)
		memConfig := manager.DefaultMemoryConfig()
		db, err = dbManager.New(memConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
		logger.Info("Using in-memory database")
	} else {
		logger.Info("BadgerDB initialized",
			"path", filepath.Join(dataPath, "badgerdb"))
	}

	ledger := store.New(db)
	engine := perps.NewEngine(perps.Config{
		Authority: authority,
		FeeSink:   feeSink,
	}, ledger, logger)

	node := &Node{
		config: config,
		db:     db,
		engine: engine,
		logger: logger,
	}

	if config.EnableMetrics {
		m, err := metrics.New("uranus_settlement")
		if err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		node.metrics = m
		engine.Metrics = m
	}

	// Event fan-out: WebSocket stream always, NATS when configured.
	node.hub = api.NewEventHub(logger)
	sinks := events.Multi{node.hub}
	if config.NATSURL != "" {
		pub, err := events.NewPublisher(config.NATSURL, logger)
		if err != nil {
			logger.Warn("NATS unavailable, events stay local", "error", err)
		} else {
			node.nats = pub
			sinks = append(sinks, pub)
		}
	}
	engine.Events = sinks

	ctx, cancel := context.WithCancel(context.Background())
	node.ctx = ctx
	node.cancel = cancel
	return node, nil
}

func (n *Node) Start() error {
	n.logger.Info("Starting settlement node",
		"dataDir", filepath.Join(os.Getenv("HOME"), n.config.DataDir),
		"httpPort", n.config.HTTPPort,
		"metricsPort", n.config.MetricsPort,
		"authority", n.config.Authority)

	n.wg.Add(1)
	go n.runHTTPServer()

	if n.metrics != nil {
		n.wg.Add(1)
		go n.runMetricsServer()
	}

	n.logger.Info("Settlement node started successfully")
	return nil
}

func (n *Node) runHTTPServer() {
	defer n.wg.Done()

	server := api.NewJSONRPCServer(n.engine, n.logger)

	mux := http.NewServeMux()
	mux.Handle("/rpc", server)
	mux.Handle("/ws", n.hub)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "healthy",
		})
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", n.config.HTTPPort),
		Handler: mux,
	}

	go func() {
		<-n.ctx.Done()
		httpServer.Shutdown(context.Background())
	}()

	n.logger.Info("JSON-RPC server started", "port", n.config.HTTPPort, "endpoint", "/rpc")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		n.logger.Error("JSON-RPC server error", "error", err)
	}
}

func (n *Node) runMetricsServer() {
	defer n.wg.Done()

	mux := http.NewServeMux()
	mux.Handle("/metrics", n.metrics.Handler())

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", n.config.MetricsPort),
		Handler: mux,
	}

	go func() {
		<-n.ctx.Done()
		httpServer.Shutdown(context.Background())
	}()

	n.logger.Info("Metrics server started", "port", n.config.MetricsPort)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		n.logger.Error("Metrics server error", "error", err)
	}
}

func (n *Node) Shutdown() {
	n.logger.Info("Shutting down settlement node...")

	n.cancel()
	n.wg.Wait()

	n.hub.Close()
	if n.nats != nil {
		n.nats.Close()
	}
	if n.db != nil {
		n.db.Close()
	}

	n.logger.Info("Settlement node shutdown complete")
}

func main() {
	config := &Config{
		DataDir: defaultDataDir,
	}

	flag.StringVar(&config.DataDir, "data-dir", defaultDataDir, "Data directory (relative to $HOME)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")

	flag.IntVar(&config.HTTPPort, "http-port", defaultPort, "HTTP API port")
	flag.IntVar(&config.MetricsPort, "metrics-port", defaultMetricsPort, "Prometheus metrics port")
	flag.StringVar(&config.NATSURL, "nats-url", "", "NATS server URL for event publishing (empty disables)")

	flag.StringVar(&config.Authority, "authority", "", "Settlement authority ID")
	flag.StringVar(&config.FeeSink, "fee-sink", "", "Fee sink account ID")

	flag.BoolVar(&config.EnableMetrics, "enable-metrics", true, "Enable Prometheus metrics")

	flag.Parse()

	config.LogLevel = *logLevel

	rootLogger := log.Root()
	rootLogger.Info("Uranus settlement daemon",
		"platform", fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		"cpus", runtime.NumCPU(),
		"dataDir", filepath.Join(os.Getenv("HOME"), config.DataDir))

	if config.Authority == "" || config.FeeSink == "" {
		rootLogger.Crit("Both -authority and -fee-sink are required")
		os.Exit(1)
	}

	node, err := NewNode(config)
	if err != nil {
		rootLogger.Crit("Failed to create node", "error", err)
		os.Exit(1)
	}

	if err := node.Start(); err != nil {
		rootLogger.Crit("Failed to start node", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	shutdownTimer := time.AfterFunc(10*time.Second, func() {
		rootLogger.Error("Shutdown timed out, forcing exit")
		os.Exit(1)
	})
	defer shutdownTimer.Stop()

	node.Shutdown()
}
