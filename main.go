package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Amund211/batchfill/internal/adapters/database"
	"github.com/Amund211/batchfill/internal/adapters/lookupsource"
	"github.com/Amund211/batchfill/internal/app"
	"github.com/Amund211/batchfill/internal/config"
	"github.com/Amund211/batchfill/internal/fill"
	"github.com/Amund211/batchfill/internal/logging"
	"github.com/Amund211/batchfill/internal/ports"
	"github.com/Amund211/batchfill/internal/reporting"
	"github.com/Amund211/batchfill/internal/telemetry"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	// Root certificates for minimal container images
	_ "golang.org/x/crypto/x509roots/fallback"
)

const serviceName = "batchfill"

func main() {
	instanceID := uuid.New().String()
	logger := logging.NewRootLogger(os.Stdout, instanceID, slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, logger)
	stop()
	if err != nil {
		logger.Error("Exiting", "error", err.Error())
		os.Exit(1)
	}
}

// run blocks until ctx is done or the server fails. Deferred cleanup (sentry
// flush, telemetry shutdown, database close) has completed when it returns.
func run(ctx context.Context, logger *slog.Logger) error {
	ctx = logging.AddToContext(ctx, logger)

	conf, err := config.ConfigFromEnv()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger.Info("Loaded config", "config", conf.NonSensitiveString())

	if !conf.IsDevelopment() {
		shutdownOTel, err := telemetry.SetupOTelSDK(ctx, serviceName)
		if err != nil {
			return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownOTel(shutdownCtx); err != nil {
				logger.Error("Failed to shut down OpenTelemetry", "error", err.Error())
			}
		}()
		logger.Info("Initialized OpenTelemetry")
	}

	sentryMiddleware, flush, err := reporting.NewSentryMiddlewareOrMock(conf)
	if err != nil {
		return fmt.Errorf("failed to initialize Sentry: %w", err)
	}
	defer flush()
	logger.Info("Initialized Sentry middleware")

	var db *sqlx.DB
	schemaName := database.GetSchemaName(!conf.IsProduction())
	if conf.LookupBackend() == config.LookupBackendPostgres {
		logger.Info("Initializing database connection")
		db, err = database.NewPostgresDatabaseFromConfig(conf)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer db.Close()
		logger.Info("Initialized database connection")

		err = database.NewDatabaseMigrator(db, logger.With("component", "migrator")).Migrate(ctx, schemaName)
		if err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	httpClient := &http.Client{
		Timeout:   conf.LookupTimeout(),
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	source, err := lookupsource.NewLookupSourceOrMock(conf, httpClient, db, schemaName)
	if err != nil {
		return fmt.Errorf("failed to initialize lookup source: %w", err)
	}
	logger.Info("Initialized lookup source", "backend", string(conf.LookupBackend()))

	coordinator := fill.NewCoordinator[[]byte](source)
	if err := fill.RegisterGauges(coordinator); err != nil {
		return fmt.Errorf("failed to register fill gauges: %w", err)
	}

	driverCtx, stopDriver := context.WithCancel(ctx)
	driver := fill.NewDriver(coordinator.Tick, conf.TickInterval(), conf.LookupTimeout(), fill.NewTicker)
	driverDone := make(chan struct{})
	defer func() {
		stopDriver()
		<-driverDone
	}()
	go func() {
		defer close(driverDone)
		driver.Run(reporting.NewBackgroundContext(driverCtx, "fill"))
	}()
	logger.Info("Started fill driver", "interval", conf.TickInterval().String())

	allowedOrigins, err := ports.NewDomainSuffixes(conf.AllowedOrigins()...)
	if err != nil {
		return fmt.Errorf("failed to initialize allowed origins: %w", err)
	}

	getValue := app.BuildGetValue(coordinator, conf.RetryBudget(), conf.RequestTimeout())

	mux := http.NewServeMux()
	mux.HandleFunc(
		"OPTIONS /v1/value/{key}",
		ports.BuildCORSHandler(allowedOrigins),
	)
	getValueHandler, stopGetValueLimiter := ports.MakeGetValueHandler(
		getValue,
		conf.TickInterval(),
		allowedOrigins,
		logger.With("port", "getvalue"),
		sentryMiddleware,
	)
	defer stopGetValueLimiter()
	mux.HandleFunc("GET /v1/value/{key}", getValueHandler)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%s", conf.Port()))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	logger.Info("Listening", "address", listener.Addr().String())

	server := &http.Server{
		Handler:           otelhttp.NewHandler(mux, serviceName),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      conf.RequestTimeout() + 5*time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Serve(listener)
	}()

	logger.Info("Init complete")
	select {
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), conf.RequestTimeout()+time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to shut down server", "error", err.Error())
		}
	}

	logger.Info("Server shutdown")
	return nil
}
