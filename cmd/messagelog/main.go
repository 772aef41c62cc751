package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/serbia-gov/messagelog/internal/archive"
	"github.com/serbia-gov/messagelog/internal/hashchain"
	"github.com/serbia-gov/messagelog/internal/kurrentdb"
	"github.com/serbia-gov/messagelog/internal/messagelog"
	"github.com/serbia-gov/messagelog/internal/messagelog/api"
	"github.com/serbia-gov/messagelog/internal/messagelog/domain"
	"github.com/serbia-gov/messagelog/internal/messagelog/infrastructure"
	"github.com/serbia-gov/messagelog/internal/ocsp"
	"github.com/serbia-gov/messagelog/internal/schedule"
	"github.com/serbia-gov/messagelog/internal/shared/auth"
	"github.com/serbia-gov/messagelog/internal/shared/config"
	"github.com/serbia-gov/messagelog/internal/shared/database"
	"github.com/serbia-gov/messagelog/internal/shared/metrics"
	secmiddleware "github.com/serbia-gov/messagelog/internal/shared/middleware"
	"github.com/serbia-gov/messagelog/internal/shared/telemetry"
	"github.com/serbia-gov/messagelog/internal/tsa"
)

// maxRequestBody bounds evidence API request bodies.
const maxRequestBody = 1 << 20

// App holds all application dependencies
type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	DB      *database.DB
	Store   domain.Store
	Events  *kurrentdb.Client
	Manager *messagelog.Manager
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config:\n%v\n", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Server.Env == "development" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	app := &App{Config: cfg, Logger: logger}

	if cfg.Telemetry.TracingEnabled {
		shutdown, err := telemetry.InitTracer(cfg.Telemetry.ServiceName, os.Stderr, logger)
		if err != nil {
			fmt.Printf("Warning: tracing not available: %v\n", err)
		} else {
			defer shutdown(context.Background())
		}
	}

	alg, err := hashchain.ParseAlgorithm(cfg.MessageLog.HashAlgorithm)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid hash algorithm: %v\n", err)
		os.Exit(1)
	}

	if err := openStore(ctx, app); err != nil {
		fmt.Fprintf(os.Stderr, "failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer app.Store.Close()
	if app.DB != nil {
		defer app.DB.Close()
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(secmiddleware.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(secmiddleware.SecurityHeaders)
	r.Use(secmiddleware.NewIPRateLimiter(50, 100).Middleware)
	r.Use(metrics.Middleware)

	// Development authority served from this process
	tsaURLs := cfg.TSA.URLs
	if cfg.TSA.Local {
		local, err := newLocalTSA(cfg.TSA)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start local TSA: %v\n", err)
			os.Exit(1)
		}
		r.Handle("/tsa", local)
		tsaURLs = append([]string{fmt.Sprintf("http://localhost:%d/tsa", cfg.Server.Port)}, tsaURLs...)
	}

	tsaClient, err := tsa.NewClient(tsa.ClientConfig{
		URLs:                tsaURLs,
		ConnectTimeout:      cfg.TSA.ConnectTimeout,
		ReadTimeout:         cfg.TSA.ReadTimeout,
		RequestCertificates: cfg.TSA.RequestCertificates,
		MaxResponseSize:     cfg.TSA.MaxResponseSize,
	}, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create TSA client: %v\n", err)
		os.Exit(1)
	}

	// Event stream (optional - skip if not available)
	var publisher domain.EventPublisher = domain.NopPublisher{}
	if cfg.KurrentDB.Enabled {
		if client, err := connectKurrentDB(ctx, cfg.KurrentDB, logger); err != nil {
			fmt.Printf("Warning: KurrentDB not available: %v\n", err)
			fmt.Println("Running without event streaming...")
		} else {
			app.Events = client
			defer client.Close()
			publisher = kurrentdb.NewPublisher(client, kurrentdb.FromConfig(cfg.KurrentDB).Stream)
		}
	}

	queue := messagelog.NewQueue()
	stamper := messagelog.NewTimestamper(messagelog.TimestamperConfig{
		MaxBatchSize: cfg.MessageLog.MaxBatchSize,
		TSATimeout:   cfg.MessageLog.TSATimeout,
		MaxAttempts:  cfg.MessageLog.MaxAttempts,
		Algorithm:    alg,
	}, app.Store, queue, tsaClient, publisher, logger)

	tsSchedule, err := schedule.Parse(cfg.MessageLog.TimestampSchedule)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid timestamp schedule: %v\n", err)
		os.Exit(1)
	}
	tsRunner := schedule.NewRunner("timestamper", tsSchedule, stamper.RunCycle,
		schedule.WithRetryDelay(cfg.MessageLog.RetryDelay),
		schedule.WithLogger(logger),
	)

	app.Manager = messagelog.NewManager(messagelog.Config{
		Sync:              cfg.MessageLog.SyncTimestamping,
		SyncWaitTimeout:   cfg.MessageLog.SyncWaitTimeout,
		MaxLoggableBody:   cfg.MessageLog.MaxLoggableBody,
		TruncateOversized: cfg.MessageLog.TruncatedBodyOK,
		BodyLogging: &messagelog.BodyLogging{
			Enabled:   cfg.MessageLog.MessageBodyLogging,
			Overrides: cfg.MessageLog.BodyLoggingOverrides(),
		},
	}, app.Store, queue, stamper, tsRunner, tsaClient, logger)

	if n, err := app.Manager.Recover(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to recover pending records: %v\n", err)
		os.Exit(1)
	} else if n > 0 {
		fmt.Printf("Recovered %d pending records\n", n)
	}

	var archRunner *schedule.Runner
	if cfg.Archive.Enabled {
		archRunner, err = newArchiveRunner(ctx, cfg, alg, app.Store, publisher, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to set up archiving: %v\n", err)
			os.Exit(1)
		}
	}

	// Health checks (unauthenticated)
	r.Get("/health", healthHandler(app))
	r.Get("/ready", readyHandler(app))
	r.Handle("/metrics", metrics.Handler())

	// API info
	r.Get("/", infoHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(secmiddleware.BodyLimit(maxRequestBody))
		r.Use(auth.Middleware(cfg.Auth))
		r.Mount("/", api.NewHandler(app.Manager).Routes())
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	tsRunner.Start(ctx)
	if archRunner != nil {
		archRunner.Start(ctx)
	}

	// Graceful shutdown
	done := make(chan bool)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		fmt.Println("\nShutting down server...")

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancelShutdown()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			fmt.Printf("Server shutdown error: %v\n", err)
		}
		tsRunner.Stop()
		if archRunner != nil {
			archRunner.Stop()
		}
		close(done)
	}()

	fmt.Println("============================================")
	fmt.Println("Security Gateway Message Log")
	fmt.Println("============================================")
	fmt.Printf("Environment:    %s\n", cfg.Server.Env)
	fmt.Printf("Server:         http://localhost:%d\n", cfg.Server.Port)
	fmt.Printf("API:            http://localhost:%d/api/v1\n", cfg.Server.Port)
	fmt.Printf("Health:         http://localhost:%d/health\n", cfg.Server.Port)
	fmt.Printf("Store:          %s\n", cfg.Database.Driver)
	fmt.Printf("TSA:            %s\n", strings.Join(tsaURLs, ", "))
	fmt.Printf("Timestamping:   %s (sync: %v)\n", tsSchedule, cfg.MessageLog.SyncTimestamping)
	fmt.Printf("Hash algorithm: %s\n", alg)
	fmt.Printf("Archiving:      %v (%s)\n", cfg.Archive.Enabled, cfg.Archive.Path)
	fmt.Printf("KurrentDB:      %v\n", app.Events != nil)
	fmt.Println("============================================")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}

	<-done
	fmt.Println("Server stopped")
}

// newLocalTSA builds a development authority with a fresh self-signed
// certificate.
func newLocalTSA(cfg config.TSAConfig) (*tsa.Server, error) {
	cert, key, err := tsa.GenerateCertificate(cfg.OrgName)
	if err != nil {
		return nil, err
	}
	tsaCfg := tsa.DefaultConfig()
	tsaCfg.Certificate = cert
	tsaCfg.PrivateKey = key
	if cfg.PolicyOID != "" {
		tsaCfg.PolicyOID = cfg.PolicyOID
	}
	return tsa.NewServer(tsaCfg)
}

// openStore opens the record store selected by database.driver.
func openStore(ctx context.Context, app *App) error {
	cfg := app.Config.Database

	switch cfg.Driver {
	case "postgres":
		db, err := database.New(ctx, cfg)
		if err != nil {
			return err
		}
		if err := database.Migrate(ctx, db.Pool, app.Logger); err != nil {
			db.Close()
			return fmt.Errorf("migration failed: %w", err)
		}
		app.DB = db
		app.Store = infrastructure.NewPostgresStore(db.Pool)
	case "sqlite":
		store, err := infrastructure.NewSQLiteStore(cfg.SQLitePath, nil)
		if err != nil {
			return err
		}
		app.Store = store
	default:
		fmt.Println("Warning: in-memory store, records are lost on restart")
		app.Store = infrastructure.NewMemoryStore(nil)
	}
	return nil
}

func connectKurrentDB(ctx context.Context, cfg config.KurrentDBConfig, logger *slog.Logger) (*kurrentdb.Client, error) {
	kcfg := kurrentdb.FromConfig(cfg)
	client, err := kurrentdb.NewClient(kcfg)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		client.Close()
		return nil, err
	}

	if last, err := client.LastEventNumber(ctx, kcfg.Stream); err == nil {
		logger.Info("publishing message log events",
			slog.String("stream", kcfg.Stream),
			slog.Uint64("last_event", last),
		)
	} else {
		logger.Info("publishing message log events to a new stream", slog.String("stream", kcfg.Stream))
	}
	return client, nil
}

// newArchiveRunner wires the archiver to its OCSP proof source and schedule.
// Without an issuer trust store records are archived without proofs.
func newArchiveRunner(ctx context.Context, cfg *config.Config, alg hashchain.Algorithm, store domain.Store, publisher domain.EventPublisher, logger *slog.Logger) (*schedule.Runner, error) {
	var proofs archive.ProofSource
	if cfg.OCSP.IssuersPath != "" {
		trust, err := ocsp.LoadTrustStore(cfg.OCSP.IssuersPath, cfg.OCSP.RespondersPath)
		if err != nil {
			return nil, err
		}
		cache := ocsp.NewCache(nil, logger)
		if cfg.OCSP.EvictionInterval > 0 {
			cache.Start(ctx, cfg.OCSP.EvictionInterval)
		}

		fetcher := ocsp.NewHTTPFetcher(ocsp.FetcherConfig{
			ResponderURL:      cfg.OCSP.ResponderURL,
			Timeout:           cfg.OCSP.FetchTimeout,
			RequestsPerSecond: cfg.OCSP.RequestsPerSecond,
			Burst:             cfg.OCSP.Burst,
		})
		proofs = ocsp.NewProvider(ocsp.ProviderConfig{
			Freshness:      cfg.OCSP.Freshness,
			SkipNextUpdate: cfg.OCSP.SkipNextUpdate,
		}, cache, ocsp.NewVerifier(nil), fetcher, trust, logger)
	} else {
		fmt.Println("Warning: ocsp.issuers_path not set, archiving without revocation proofs")
	}

	archiver := archive.New(archive.Config{
		Path:            cfg.Archive.Path,
		Period:          cfg.Archive.Period,
		CutoffLag:       cfg.Archive.CutoffLag,
		Grouping:        cfg.Archive.Grouping,
		MaxFileSize:     cfg.Archive.MaxFileSize,
		MaxRecordsCycle: cfg.Archive.MaxRecordsCycle,
		Algorithm:       alg,
	}, store, proofs, publisher, logger)

	sched, err := schedule.Parse(cfg.Archive.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid archive schedule: %w", err)
	}
	return schedule.NewRunner("archiver", sched, archiver.RunCycle,
		schedule.WithRetryDelay(cfg.MessageLog.RetryDelay),
		schedule.WithLogger(logger),
	), nil
}

func infoHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"name":    "Security Gateway Message Log",
		"version": "0.1.0",
		"docs":    "/api/v1",
	})
}

func healthHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d := app.Manager.Diagnostics()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":     "healthy",
			"queue_size": d.QueueSize,
			"state":      d.State,
		})
	}
}

func readyHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"server": "ready",
		}

		// Check database
		if app.DB != nil {
			if err := app.DB.Health(r.Context()); err != nil {
				checks["database"] = "not ready: " + err.Error()
			} else {
				checks["database"] = "ready"
			}
		} else {
			checks["database"] = "not configured"
		}

		// Check KurrentDB
		if app.Events != nil {
			if err := app.Events.HealthCheck(r.Context()); err != nil {
				checks["kurrentdb"] = "not ready: " + err.Error()
			} else {
				checks["kurrentdb"] = "ready"
			}
		} else {
			checks["kurrentdb"] = "not configured"
		}

		allReady := true
		for _, status := range checks {
			if status != "ready" && status != "not configured" {
				allReady = false
				break
			}
		}

		status := http.StatusOK
		if !allReady {
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{
			"status": map[bool]string{true: "ready", false: "not ready"}[allReady],
			"checks": checks,
		})
	}
}
