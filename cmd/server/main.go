package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"phone-orchestrator/api/rest/routes"
	"phone-orchestrator/config"
	"phone-orchestrator/core/builds"
	"phone-orchestrator/core/command"
	"phone-orchestrator/core/feed"
	"phone-orchestrator/core/fleet"
	"phone-orchestrator/core/models"
	"phone-orchestrator/core/notify"
	"phone-orchestrator/core/pipeline"
	"phone-orchestrator/core/repository"
	"phone-orchestrator/storage"

	"github.com/gorilla/mux"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	logFile, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot open log file: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()
	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	log.Println("Starting phone orchestrator.")

	callbackIP := cfg.CallbackIP
	if callbackIP == "" {
		callbackIP = localIP()
		log.Printf("IP address for phone callbacks not provided; using %s.", callbackIP)
	}

	// Operational history database (optional)
	var db *repository.DB
	if cfg.DatabaseURL != "" {
		db, err = repository.NewDB(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		if err := db.EnsureSchema(); err != nil {
			log.Fatalf("Failed to prepare database schema: %v", err)
		}
		log.Println("Database connected successfully")
	}
	var eventRepo *repository.FleetEventRepository
	var dispatchRepo *repository.DispatchRepository
	if db != nil {
		eventRepo = repository.NewFleetEventRepository(db)
		dispatchRepo = repository.NewDispatchRepository(db)
	}

	// Crash log archive (optional)
	var uploader *storage.LogUploader
	if cfg.S3Bucket != "" {
		uploader, err = storage.NewLogUploader(context.Background(), cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			log.Printf("Crash log archiving disabled: %v", err)
			uploader = nil
		}
	}

	mailer := notify.NewMailer(cfg.Email)

	// Build acquisition cache; override mode is validated here.
	cache, err := builds.NewCache(cfg.CacheDir, cfg.OverrideDir, cfg.EnableUnittests)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		fmt.Fprintln(os.Stderr, `
When specifying an override build directory, the directory must already
exist and contain a build.apk package file to be tested. If unittests are
enabled it must also contain an unpacked tests directory.`)
		os.Exit(1)
	}
	finder := builds.NewFinder(cfg.BuildBaseURL, cfg.Repos, nil)

	// Worker fleet
	msgCh := make(chan *models.StatusMessage, 64)
	workerFactory := func(phoneCfg *models.PhoneConfig) fleet.Worker {
		crashes := fleet.NewCrashCounter(time.Duration(cfg.CrashWindow), cfg.CrashLimit)
		return fleet.NewProcessWorker(phoneCfg, cfg.WorkerCommand, cfg.WorkerLogPrefix(), crashes, msgCh)
	}
	registry := fleet.NewRegistry(cfg.SnapshotPath, callbackIP, workerFactory, eventRepo)
	if cfg.ClearSnapshot {
		if err := registry.ClearSnapshot(); err != nil {
			log.Fatalf("Failed to clear registry snapshot: %v", err)
		}
	} else {
		if err := registry.LoadSnapshot(); err != nil {
			log.Fatalf("Failed to load registry snapshot: %v", err)
		}
		if cfg.RebootOnStart {
			registry.RebootAll()
		}
	}

	supervisor := fleet.NewSupervisor(registry, mailer, uploader, msgCh, time.Duration(cfg.PollInterval), cfg.WorkerLogPrefix())
	pipe := pipeline.New(cache, finder, registry, cfg.EnableUnittests, cfg.Repos, cfg.BuildTypes, dispatchRepo)

	// Command protocol server
	cmdServer := command.NewServer(command.NewRouter(registry, pipe, supervisor.Stop))
	go func() {
		addr := fmt.Sprintf(":%d", cfg.CmdPort)
		log.Printf("Command server listening on %s", addr)
		if err := cmdServer.ListenAndServe(addr); err != nil {
			log.Fatalf("Command server failed: %v", err)
		}
	}()

	// Push feed client (optional)
	feedCtx, cancelFeed := context.WithCancel(context.Background())
	if cfg.FeedURL != "" {
		go feed.NewClient(cfg.FeedURL, pipe.OnBuildEvent).Run(feedCtx)
	}

	// HTTP API
	r := mux.NewRouter()
	routes.SetupRoutes(r, registry, pipe, db)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: r,
	}
	go func() {
		log.Printf("HTTP API listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// A termination signal begins the same cooperative shutdown as the
	// stop command.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		supervisor.Stop()
	}()

	// The event loop owns the main goroutine until shutdown.
	supervisor.Run()

	log.Println("Shutting down...")
	cancelFeed()
	cmdServer.Close()
	registry.StopAll()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown: %v", err)
	}
	log.Println("Phone orchestrator terminated.")
}

// localIP guesses the address workers should call back on when none is
// configured.
func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}
