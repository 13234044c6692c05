package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"

	"kvchain/internal/api"
	"kvchain/internal/archive"
	"kvchain/internal/bot"
	"kvchain/internal/chain"
	"kvchain/internal/config"
	"kvchain/internal/kv"
	"kvchain/internal/proof"
	"kvchain/internal/service"
	"kvchain/internal/storage"
)

func main() {
	// --- Configuration Loading ---
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// --- Logger Setup ---
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetOutput(os.Stdout)
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithError(err).Warn("Unknown log level, falling back to info")
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	log.WithFields(logrus.Fields{
		"badgerdb_path":      cfg.BadgerDBPath,
		"listen":             cfg.Web.Addr(),
		"proof_service":      cfg.ProofService.URL,
		"archive":            cfg.Archive.URL,
		"serialize_appends":  cfg.Chain.SerializeAppends,
		"unique_predecessor": cfg.Storage.UniquePredecessor,
	}).Info("Configuration loaded successfully")

	// --- Initialize Components ---
	log.Info("Initializing components...")

	// Database
	repo, err := storage.NewBadgerRepository(cfg.BadgerDBPath, log,
		storage.WithUniquePredecessor(cfg.Storage.UniquePredecessor))
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer func() {
		log.Info("Closing database...")
		if err := repo.Close(); err != nil {
			log.WithError(err).Error("Error closing database")
		}
	}()

	// Proof gate
	var auth proof.Authorizer = proof.AllowAll{}
	if cfg.ProofService.URL != "" {
		auth = proof.NewClient(proof.Options{
			URL:       cfg.ProofService.URL,
			Timeout:   cfg.ProofService.Timeout,
			CacheTTL:  cfg.ProofService.CacheTTL,
			RateLimit: cfg.ProofService.RateLimit,
		}, log)
	} else {
		log.Warn("No proof service configured, every binding is authorized")
	}

	// Archive
	var sink archive.Sink = archive.NopSink{}
	if cfg.Archive.URL != "" {
		sink = archive.NewHTTPSink(cfg.Archive.URL, cfg.Archive.Timeout, log)
	}

	opts := []service.Option{service.WithArchiveTimeout(cfg.Archive.Timeout)}
	if cfg.Chain.SerializeAppends {
		opts = append(opts, service.WithOwnerLocks(chain.NewOwnerLocks()))
	}
	svc := service.New(chain.New(repo, log), kv.NewProjector(repo, log), auth, sink, log, opts...)

	// --- Application Startup ---
	log.Info("Starting kvchain...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	// Bot Handler
	if cfg.TelegramBotToken != "" {
		botHandler, err := bot.NewHandler(cfg.TelegramBotToken, svc, log)
		if err != nil {
			log.Fatalf("Failed to initialize Telegram bot handler: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			botHandler.Start(ctx)
		}()
	}

	server := api.NewServer(svc, log, cfg.Web.RateLimit, api.WithWriteTimeout(cfg.HTTPWriteTimeout()))
	if err := server.Serve(ctx, cfg.Web.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Error("HTTP server stopped")
		stop()
	}

	// --- Graceful Shutdown ---
	log.Info("Shutting down kvchain...")
	wg.Wait()
	log.Info("kvchain shut down gracefully.")
}
