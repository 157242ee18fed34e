package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brendan721/Flipsync-Final-sub000/internal/brain/decision"
	"github.com/brendan721/Flipsync-Final-sub000/internal/brain/knowledge"
	"github.com/brendan721/Flipsync-Final-sub000/internal/config"
	"github.com/brendan721/Flipsync-Final-sub000/internal/core/bus"
	"github.com/brendan721/Flipsync-Final-sub000/internal/core/coordinator"
	"github.com/brendan721/Flipsync-Final-sub000/internal/core/reporter"

	"github.com/joho/godotenv"
)

func main() {
	var (
		configPath = flag.String("config", config.DefaultPath, "Path to the YAML configuration file")
		storeType  = flag.String("store", "", "Knowledge store: 'memory' or 'qdrant' (overrides config)")
		logPath    = flag.String("log-file", "core-debug.log", "File the log is mirrored to")
		diagAddr   = flag.String("diag-addr", "", "Listen address for the diagnostics websocket (overrides config)")
		reportPath = flag.String("report", "", "Markdown diagnostics report path (overrides config)")
	)
	flag.Parse()

	// Setup Multi-writer logging (Console + File)
	logFile, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("Failed to open log file: %v", err)
	}
	defer logFile.Close()

	mw := io.MultiWriter(os.Stdout, logFile)
	log.SetOutput(mw)

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	fmt.Println("Agent Coordination & Knowledge Core Starting...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *storeType != "" {
		cfg.Knowledge.Store.Type = *storeType
	}
	if *diagAddr != "" {
		cfg.Reporter.StreamAddr = *diagAddr
	}
	if *reportPath != "" {
		cfg.Reporter.Path = *reportPath
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Initialize Event Bus
	eventBus := bus.NewMemoryBus(cfg.BusConfig())

	// 2. Initialize Reporter so startup diagnostics are captured
	rep := reporter.NewReporter(eventBus, cfg.Reporter.Path)
	if err := rep.Start(); err != nil {
		log.Fatalf("Failed to start reporter: %v", err)
	}
	stream := reporter.NewStream(rep)
	mux := http.NewServeMux()
	mux.Handle("/diagnostics", stream)
	diagServer := &http.Server{Addr: cfg.Reporter.StreamAddr, Handler: mux}
	go func() {
		log.Printf("[Server] Diagnostics stream on ws://%s/diagnostics", cfg.Reporter.StreamAddr)
		if err := diagServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[Server] Diagnostics stream stopped: %v", err)
		}
	}()

	// 3. Initialize Knowledge Repository
	embedder, err := knowledge.NewEmbedder(ctx, os.Getenv("GEMINI_API_KEY"), cfg.EmbeddingConfig())
	if err != nil {
		log.Fatalf("Failed to create embedder: %v", err)
	}
	store, err := openStore(ctx, cfg.Knowledge.Store.Type, cfg.QdrantConfig())
	if err != nil {
		log.Fatalf("Failed to open knowledge store: %v", err)
	}
	repo, err := knowledge.NewRepository(cfg.KnowledgeConfig(), store, eventBus, knowledge.WithEmbedder(embedder))
	if err != nil {
		log.Fatalf("Failed to create knowledge repository: %v", err)
	}
	repo.StartExpiryWorker(cfg.SweepInterval())
	stats := repo.Stats()
	log.Printf("[Server] Knowledge store=%s dimension=%d threshold=%.2f embedder=%v",
		cfg.Knowledge.Store.Type, stats.Dimension, stats.Threshold, stats.HasEmbedder)

	// 4. Initialize Decision Pipeline
	decisionLog, err := openLog(cfg.Decision.Log.Type, cfg.Decision.Log.Path)
	if err != nil {
		log.Fatalf("Failed to open decision log: %v", err)
	}
	learner, err := decision.NewLearner(cfg.LearnerConfig(), eventBus)
	if err != nil {
		log.Fatalf("Failed to create learner: %v", err)
	}
	if err := learner.Rebuild(ctx, decisionLog); err != nil {
		log.Fatalf("Failed to rebuild weights: %v", err)
	}
	pipeline, err := decision.NewPipeline(cfg.PipelineConfig(), decisionLog, learner, eventBus)
	if err != nil {
		log.Fatalf("Failed to create decision pipeline: %v", err)
	}
	restored, err := pipeline.Restore(ctx)
	if err != nil {
		log.Fatalf("Failed to restore decisions: %v", err)
	}
	log.Printf("[Server] Restored %d recorded decisions", restored)

	// 5. Initialize Coordinator
	coord := coordinator.New(cfg.CoordinatorConfig(), eventBus,
		coordinator.WithWeights(learner),
		coordinator.WithDecisionLookup(decisionLookup(pipeline)),
		coordinator.WithCancelHook(cancelHook(pipeline)),
	)
	coord.StartHeartbeatMonitor(ctx, cfg.HeartbeatInterval())
	if err := routeTaskRequests(coord, deriveTask(time.Now)); err != nil {
		log.Fatalf("Failed to route task requests: %v", err)
	}
	if _, err := bridgeOutcomes(eventBus, pipeline); err != nil {
		log.Fatalf("Failed to bridge outcomes: %v", err)
	}

	// 6. Hot-reload policy and learning rate
	var watcher *config.Watcher
	if _, statErr := os.Stat(*configPath); statErr == nil {
		watcher, err = config.NewWatcher(*configPath, config.DefaultDebounce, func(next *config.Config) {
			if err := config.ApplyDecision(next, pipeline); err != nil {
				log.Printf("[Server] Reloaded config not applied: %v", err)
			}
		})
		if err != nil {
			log.Printf("Warning: config watcher disabled: %v", err)
		}
	}

	log.Printf("========================================")
	log.Printf("Config: %s", *configPath)
	log.Printf("Decision log: %s", cfg.Decision.Log.Type)
	log.Printf("Report: %s", cfg.Reporter.Path)
	log.Printf("========================================")

	// 7. Wait for user interrupt
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("User interrupt received")

	if watcher != nil {
		watcher.Stop()
	}
	cancel()
	coord.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := diagServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Server] Diagnostics stream shutdown: %v", err)
	}
	rep.Stop()
	eventBus.Stop()

	if err := repo.Close(); err != nil {
		log.Printf("[Server] Knowledge repository close: %v", err)
	}
	if err := decisionLog.Close(); err != nil {
		log.Printf("[Server] Decision log close: %v", err)
	}
	log.Println("System halted.")
}
