package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/seolift/linkplan"
	"github.com/seolift/linkplan/api"
	"github.com/seolift/linkplan/db"
	"github.com/seolift/linkplan/metrics"
	"github.com/seolift/linkplan/rewrite"
	"github.com/seolift/linkplan/storage"
	"github.com/seolift/linkplan/tracing"
)

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// Setup structured logging with JSON output
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Local development overrides; absent in production.
	if err := godotenv.Load(); err == nil {
		logger.Info("loaded environment from .env")
	}

	logger.Info("linkplan service initializing", "version", "1.0.0")

	// Initialize tracing
	tracingCfg := tracing.DefaultConfig()
	tracingCfg.Endpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	tracingCfg.Insecure = getEnv("OTEL_EXPORTER_OTLP_INSECURE", "") == "true"
	if ratio := getEnv("OTEL_SAMPLER_RATIO", ""); ratio != "" {
		if f, err := strconv.ParseFloat(ratio, 64); err == nil {
			tracingCfg.SampleRatio = f
		}
	}
	shutdownTracing, err := tracing.Init(context.Background(), tracingCfg)
	if err != nil {
		logger.Warn("failed to initialize tracer, continuing without tracing", "error", err)
	} else {
		defer func() {
			if err := shutdownTracing(context.Background()); err != nil {
				logger.Error("error shutting down tracer", "error", err)
			}
		}()
		if tracingCfg.Endpoint != "" {
			logger.Info("tracing initialized", "endpoint", tracingCfg.Endpoint)
		}
	}

	// Default values
	defaultPort := getEnv("PORT", "8080")
	defaultStoragePath := getEnv("STORAGE_BASE_PATH", "./storage")
	defaultOllamaURL := getEnv("OLLAMA_URL", rewrite.DefaultBaseURL)
	defaultOllamaModel := getEnv("OLLAMA_MODEL", rewrite.DefaultModel)
	defaultBudgetMin := getEnv("LINK_BUDGET_MIN", "3")
	defaultBudgetMax := getEnv("LINK_BUDGET_MAX", "5")

	engineCfg := linkplan.DefaultConfig()
	if n, err := strconv.Atoi(defaultBudgetMin); err == nil && n > 0 {
		engineCfg.BudgetMin = n
	} else if err != nil {
		logger.Warn("invalid LINK_BUDGET_MIN value, using default",
			"provided", defaultBudgetMin, "default", engineCfg.BudgetMin)
	}
	if n, err := strconv.Atoi(defaultBudgetMax); err == nil && n >= engineCfg.BudgetMin {
		engineCfg.BudgetMax = n
	} else if err != nil {
		logger.Warn("invalid LINK_BUDGET_MAX value, using default",
			"provided", defaultBudgetMax, "default", engineCfg.BudgetMax)
	}
	if getEnv("PARENT_LINK_POLICY", "") == string(linkplan.ParentBudgeted) {
		engineCfg.ParentPolicy = linkplan.ParentBudgeted
	}

	// Command-line flags (override environment variables)
	port := flag.String("port", defaultPort, "Server port")
	ollamaURL := flag.String("ollama-url", defaultOllamaURL, "Ollama base URL")
	ollamaModel := flag.String("ollama-model", defaultOllamaModel, "Ollama model to use for text generation")
	storagePath := flag.String("storage-path", defaultStoragePath, "Base directory for snapshot archives")
	disableCORS := flag.Bool("disable-cors", false, "Disable CORS")
	flag.Parse()

	// PostgreSQL database configuration (required)
	dbHost := getEnv("DB_HOST", "")
	if dbHost == "" {
		logger.Error("DB_HOST environment variable is required")
		os.Exit(1)
	}

	dbPort := getEnv("DB_PORT", "5432")
	dbUser := getEnv("DB_USER", "linkplan")
	dbPassword := getEnv("DB_PASSWORD", "linkplan_dev_pass")
	dbName := getEnv("DB_NAME", "linkplan")

	database, err := db.New(db.Config{
		DSN: fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
			dbHost, dbPort, dbUser, dbPassword, dbName),
	})
	if err != nil {
		logger.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	logger.Info("using PostgreSQL database", "host", dbHost, "port", dbPort, "database", dbName)

	// Snapshot archive: S3 mirror when a bucket is configured, filesystem
	// otherwise. The planner writes snapshots through it; the API reads and
	// prunes them through the same backend.
	var archiver linkplan.Archiver
	var archive api.Archive
	if bucket := getEnv("S3_BUCKET", ""); bucket != "" {
		s3Store, err := storage.NewS3Storage(context.Background(), storage.S3Config{
			Endpoint:        getEnv("S3_ENDPOINT", ""),
			Region:          getEnv("S3_REGION", "us-east-1"),
			Bucket:          bucket,
			AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
			UsePathStyle:    getEnv("S3_USE_PATH_STYLE", "") == "true",
		})
		if err != nil {
			logger.Error("failed to initialize S3 storage", "error", err)
			os.Exit(1)
		}
		archiver, archive = s3Store, s3Store
		logger.Info("snapshot archive using S3", "bucket", bucket)
	} else {
		fsStore, err := storage.New(storage.Config{BasePath: *storagePath})
		if err != nil {
			logger.Error("failed to initialize storage", "error", err)
			os.Exit(1)
		}
		archiver, archive = fsStore, fsStore
		logger.Info("snapshot archive using filesystem", "path", *storagePath)
	}

	// Rewrite client backs both the generative injection fallback and the
	// natural anchor pools.
	rewriteClient := rewrite.New(rewrite.Config{
		BaseURL: *ollamaURL,
		Model:   *ollamaModel,
	})

	planner := linkplan.NewPlanner(engineCfg, database, rewriteClient, rewriteClient, archiver)

	server := api.NewServer(api.Config{
		Addr:        ":" + *port,
		CORSEnabled: !*disableCORS,
	}, engineCfg, database, planner, archive)

	// Database pool metrics
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			metrics.UpdateDBStats(database.DB())
		}
	}()

	// Start server in a goroutine
	go func() {
		logger.Info("linkplan service starting",
			"port", *port,
			"database_host", dbHost,
			"database_name", dbName,
			"ollama_url", *ollamaURL,
			"ollama_model", *ollamaModel,
			"budget_min", engineCfg.BudgetMin,
			"budget_max", engineCfg.BudgetMax,
			"parent_policy", engineCfg.ParentPolicy,
		)

		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Graceful shutdown
	logger.Info("shutting down gracefully")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
