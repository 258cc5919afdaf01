// clusterchat - conversational cluster management server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/clusterchat/internal/agent"
	"github.com/ashureev/clusterchat/internal/api"
	"github.com/ashureev/clusterchat/internal/audit"
	"github.com/ashureev/clusterchat/internal/cluster"
	"github.com/ashureev/clusterchat/internal/config"
	"github.com/ashureev/clusterchat/internal/confirm"
	"github.com/ashureev/clusterchat/internal/identity"
	"github.com/ashureev/clusterchat/internal/middleware"
	"github.com/ashureev/clusterchat/internal/operation"
	"github.com/ashureev/clusterchat/internal/oracle"
	"github.com/ashureev/clusterchat/internal/retention"
	"github.com/ashureev/clusterchat/internal/store"
	"github.com/ashureev/clusterchat/web"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "cluster_backend", cfg.Cluster.Backend, "auth", cfg.AuthEnabled())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	backend, closeBackend, err := newBackend(cfg.Cluster)
	if err != nil {
		slog.Error("Failed to initialize cluster backend", "error", err)
		os.Exit(1)
	}
	defer closeBackend()

	registry, err := operation.NewRegistry(cfg.Agent.OperationTimeout, cluster.NewCatalog(backend).Operations()...)
	if err != nil {
		slog.Error("Failed to build operation registry", "error", err)
		os.Exit(1)
	}
	slog.Info("Operation registry ready", "operations", len(registry.Names()))

	reasoner, closeOracle, err := newOracle(cfg.Oracle, logger)
	if err != nil {
		slog.Error("Failed to initialize reasoning oracle", "error", err)
		os.Exit(1)
	}
	defer closeOracle()

	var observers []agent.Observer
	var auditor *audit.Publisher
	if cfg.MQTT.Broker != "" {
		auditor = audit.New(audit.Config{
			Broker:      cfg.MQTT.Broker,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
		}, logger)
		if err := auditor.Start(ctx); err != nil {
			slog.Error("Failed to start audit publisher", "error", err)
			os.Exit(1)
		}
		observers = append(observers, auditor)
	} else {
		slog.Info("Audit publishing disabled (MQTT_BROKER not set)")
	}

	conversationLogger, err := agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}

	loop := agent.NewLoop(reasoner, registry, confirm.New(), agent.LoopConfig{
		MaxIterations: cfg.Agent.MaxIterations,
		Observers:     observers,
	})
	svc := agent.NewService(loop, repo, conversationLogger)
	defer func() {
		if closeErr := svc.Close(); closeErr != nil {
			slog.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()

	handlerCfg := agent.DefaultHandlerConfig()
	handlerCfg.ChatRateLimit = cfg.HTTP.ChatRateLimit
	handlerCfg.StreamRateLimit = cfg.HTTP.StreamRateLimit
	handlerCfg.MaxRequestBody = cfg.HTTP.MaxRequestBody
	handlerCfg.KeepaliveInterval = cfg.HTTP.SSEKeepalive
	handlerCfg.OriginPatterns = cfg.OriginHosts()
	chatHandler := agent.NewHandler(svc, handlerCfg)
	defer chatHandler.Close()

	sessionHandler := api.NewHandler(repo)
	healthChecker := api.NewHealthChecker(registry.Names(),
		api.Probe{Name: "llm_connection", Check: reasoner.Ping},
		api.Probe{Name: "store", Check: repo.Ping},
		api.Probe{Name: "cluster", Check: backend.Ping},
	)

	if cfg.Retention.MaxAge > 0 {
		worker, err := retention.New(repo, cfg.Retention.MaxAge, cfg.Retention.Schedule)
		if err != nil {
			slog.Error("Failed to configure retention worker", "error", err)
			os.Exit(1)
		}
		worker.Start(ctx)
		defer worker.Stop()
	}

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))

	// Public routes.
	healthChecker.RegisterRoutes(r)

	// Authenticated routes.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(identity.Keys{Admin: cfg.Auth.AdminKey, User: cfg.Auth.UserKey}))
		chatHandler.RegisterRoutes(r)
		sessionHandler.RegisterRoutes(r)
	})

	// Serve embedded chat page.
	r.Handle("/*", web.SPAHandler())

	// Streaming responses need no WriteTimeout; keepalives hold the connection.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	if auditor != nil {
		if err := auditor.Stop(shutdownCtx); err != nil {
			slog.Warn("Audit publisher disconnect failed", "error", err)
		}
	}

	slog.Info("Server stopped successfully")
}

func newBackend(cfg config.ClusterConfig) (cluster.Backend, func(), error) {
	if cfg.Backend == "memory" {
		slog.Warn("Using in-memory cluster backend; changes are not persisted")
		return cluster.NewMemory(), func() {}, nil
	}
	d, err := cluster.NewDocker(cluster.DockerConfig{LabelPrefix: cfg.LabelPrefix, Runtime: cfg.Runtime})
	if err != nil {
		return nil, nil, err
	}
	return d, func() {
		if err := d.Close(); err != nil {
			slog.Error("Failed to close docker client", "error", err)
		}
	}, nil
}

func newOracle(cfg config.OracleConfig, logger *slog.Logger) (agent.Oracle, func(), error) {
	if cfg.GrpcAddr != "" {
		gcfg := oracle.DefaultGrpcConfig()
		gcfg.Address = cfg.GrpcAddr
		slog.Info("Connecting to remote oracle via gRPC", "address", cfg.GrpcAddr)
		g, err := oracle.NewGrpc(gcfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return g, g.Close, nil
	}

	slog.Info("Using OpenAI-compatible oracle", "base_url", cfg.BaseURL, "model", cfg.Model)
	return oracle.NewOpenAI(oracle.OpenAIConfig{
		BaseURL:     cfg.BaseURL,
		Model:       cfg.Model,
		APIKey:      cfg.APIKey,
		Timeout:     cfg.Timeout,
		Temperature: cfg.Temperature,
	}, nil, logger), func() {}, nil
}
