package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/soknadhub/applyd/internal/automation"
	"github.com/soknadhub/applyd/internal/classify"
	"github.com/soknadhub/applyd/internal/config"
	"github.com/soknadhub/applyd/internal/confirm"
	"github.com/soknadhub/applyd/internal/dispatcher"
	"github.com/soknadhub/applyd/internal/notify"
	"github.com/soknadhub/applyd/internal/ops"
	"github.com/soknadhub/applyd/internal/registration"
	"github.com/soknadhub/applyd/internal/store"
	"github.com/soknadhub/applyd/shared/logger"
	"github.com/soknadhub/applyd/shared/postgresql"
	"github.com/soknadhub/applyd/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("ORCHESTRATOR_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	workerID := buildWorkerID()

	appLogger.Info("Starting orchestrator",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("worker_id", workerID),
	)

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	st := store.New(dbClient, appLogger.Logger)

	channel, err := initChannel(&cfg.Telegram, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize messaging channel: %w", err)
	}

	engineClient := automation.NewClient(automation.Config{
		BaseURL:        cfg.Automation.BaseURL,
		APIKey:         cfg.Automation.APIKey,
		RequestTimeout: cfg.Automation.RequestTimeout,
		SubmitAttempts: cfg.Automation.SubmitAttempts,
		MaxSteps:       cfg.Automation.MaxSteps,
	}, appLogger.Logger)

	poller := automation.NewPoller(engineClient, cfg.Automation.PollInterval, appLogger.Logger)

	goals, err := automation.LoadLibrary(cfg.Automation.GoalsPath)
	if err != nil {
		return fmt.Errorf("failed to load goal library: %w", err)
	}

	gateway := confirm.New(st, channel, confirm.Config{
		PollInterval:    cfg.Confirmation.PollInterval,
		ConfirmTimeout:  cfg.Confirmation.ConfirmTimeout,
		PreviewTimeout:  cfg.Confirmation.PreviewTimeout,
		QuestionTimeout: cfg.Confirmation.QuestionTimeout,
	}, appLogger.Logger)

	registrar := registration.New(st, gateway, engineClient, poller, goals, registration.Config{
		DefaultEmail:        cfg.Registration.DefaultEmail,
		FlowTTL:             cfg.Registration.FlowTTL,
		VerificationTimeout: cfg.Registration.VerificationTimeout,
		PasswordLength:      cfg.Registration.PasswordLength,
	}, appLogger.Logger)

	classifier := classify.New(st, appLogger.Logger)

	disp := dispatcher.New(st, classifier, gateway, registrar, engineClient, poller, goals, channel,
		dispatcher.Config{
			WorkerID:          workerID,
			PollInterval:      cfg.Dispatcher.PollInterval,
			MaxTenants:        cfg.Dispatcher.MaxTenants,
			StaleThreshold:    cfg.Dispatcher.StaleThreshold,
			ReaperInterval:    cfg.Dispatcher.ReaperInterval,
			HeartbeatInterval: cfg.Dispatcher.HeartbeatInterval,
			LeaseTTL:          cfg.Dispatcher.LeaseTTL,
		}, appLogger.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var rabbitClient *rabbitmq.Client
	if cfg.RabbitMQ.Enabled {
		rabbitClient, err = initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()

		deliveries, err := rabbitClient.Consume(workerID)
		if err != nil {
			return fmt.Errorf("failed to start consuming wake messages: %w", err)
		}

		go dispatcher.NewWakeConsumer(deliveries, disp, appLogger.Logger).Run(ctx)
		appLogger.Info("RabbitMQ wake consumer started")

		// Completed registrations publish a wake so any worker picks
		// the unblocked application up without waiting for a poll.
		registrar.SetWakePublisher(rabbitClient)
	}

	var opsServer *http.Server
	if cfg.Ops.Enabled {
		opsServer = startOpsServer(cfg, appLogger.Logger, dbClient, engineClient, rabbitClient, st, workerID)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- disp.Run(ctx)
	}()

	appLogger.Info("Orchestrator is running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		appLogger.Info("Shutting down...")
		cancel()
		if err := <-errCh; err != nil && err != context.Canceled {
			appLogger.Error("Dispatcher stopped with error", slog.Any("error", err))
		}
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			appLogger.Error("Dispatcher failed", slog.Any("error", err))
			return err
		}
	}

	if opsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Ops.ShutdownTimeout)
		defer shutdownCancel()
		if err := opsServer.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("Ops server forced to shutdown", slog.Any("error", err))
		}
	}

	appLogger.Info("Shutdown complete")
	return nil
}

// buildWorkerID derives a unique worker identity for claims, leases and
// heartbeats.
func buildWorkerID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "orchestrator"
	}
	return fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ wake-up queue client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:          cfg.Host,
		Port:          cfg.Port,
		User:          cfg.User,
		Password:      cfg.Password,
		VHost:         cfg.VHost,
		ExchangeName:  cfg.Exchange,
		ExchangeType:  cfg.ExchangeType,
		QueueName:     cfg.Queue,
		RoutingKey:    cfg.RoutingKey,
		RetryAttempts: cfg.RetryAttempts,
		RetryInterval: cfg.RetryInterval,
		Heartbeat:     cfg.Heartbeat,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initChannel picks the messaging channel. Without a Telegram token
// every human wait fails open, so the orchestrator still runs but
// parks anything needing approval in manual review.
func initChannel(cfg *config.TelegramConfig, logger *slog.Logger) (notify.Channel, error) {
	if cfg.Token == "" {
		logger.Warn("No Telegram token configured; human approval waits will fail open")
		return notify.NewNoop(logger), nil
	}
	return notify.NewTelegram(cfg.Token, logger)
}

// startOpsServer starts the read-only status HTTP server.
func startOpsServer(cfg *config.Config, logger *slog.Logger, dbClient *postgresql.Client,
	engineClient *automation.Client, rabbitClient *rabbitmq.Client, st *store.Store, workerID string) *http.Server {

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	deps := &ops.Dependencies{
		Logger:   logger,
		DB:       dbClient,
		Engine:   engineClient,
		Store:    st,
		WorkerID: workerID,
		AppName:  cfg.App.Name,
		Version:  cfg.App.Version,
	}
	// A nil client must stay a nil interface so the handler skips the
	// queue block entirely.
	if rabbitClient != nil {
		deps.Queue = rabbitClient
	}

	r := ops.SetupRouter(deps)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Ops.Port),
		Handler: r,
	}

	go func() {
		logger.Info("Ops server listening", slog.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Ops server failed", slog.Any("error", err))
		}
	}()

	return srv
}
