package kafdeck

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kafdeck/kafdeck/pkg/broadcast"
	"github.com/kafdeck/kafdeck/pkg/connection"
	"github.com/kafdeck/kafdeck/pkg/httputil"
	mw "github.com/kafdeck/kafdeck/pkg/httputil/middleware"
	"github.com/kafdeck/kafdeck/pkg/kafka"
	"github.com/kafdeck/kafdeck/pkg/metrics"
	"github.com/kafdeck/kafdeck/pkg/rest"
	"github.com/kafdeck/kafdeck/pkg/session"
	"github.com/kafdeck/kafdeck/pkg/stream"
	"github.com/kafdeck/kafdeck/pkg/util"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the kafdeck API server",
	Long:  `Starts the REST and WebSocket API server that manages Kafka connection profiles, topics, and consumer sessions`,
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringP("rest.pg.connString", "c", "", "PostgreSQL connection string (empty for in-memory stores)")
	f.StringP("rest.listenAddr", "l", "", "API server listen address")
	f.String("rest.baseURL", "", "Base URL for API endpoints")
	f.Bool("metrics.enabled", true, "Enable Prometheus metrics server")
	f.String("metrics.listenAddr", "", "Prometheus metrics server address")

	if err := viper.BindPFlags(f); err != nil {
		log.Fatalf("Error binding serve flags: %v", err)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	if cfg == nil {
		return fmt.Errorf("configuration not loaded")
	}
	applyFlagOverrides()

	logger, err := newLogger(logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stores: PostgreSQL when a connection string is configured, otherwise
	// in-memory.
	var (
		sessionStore session.Store
		profileStore connection.Store
		pool         *pgxpool.Pool
	)
	if connString := cfg.REST.PG.ConnString; connString != "" {
		pool, err = pgxpool.New(ctx, connString)
		if err != nil {
			return fmt.Errorf("failed to create connection pool: %w", err)
		}
		defer pool.Close()

		sessionPG := session.NewPGStore(pool)
		if err := sessionPG.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate session schema: %w", err)
		}
		profilePG := connection.NewPGStore(pool)
		if err := profilePG.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate connection schema: %w", err)
		}
		sessionStore, profileStore = sessionPG, profilePG
		logger.Info("Using PostgreSQL stores")
	} else {
		sessionStore = session.NewMemoryStore()
		profileStore = connection.NewMemoryStore()
		logger.Warn("No PostgreSQL connection string configured, sessions will not survive restarts")
	}

	clients := kafka.NewRegistry(connection.Resolver(profileStore), logger)
	defer clients.Close()

	broker := broadcast.NewBroker(logger)
	defer broker.Close()

	controller := session.NewController(sessionStore, &session.RegistryConsumerFactory{Clients: clients}, broker, logger)
	controller.SetDefaultPollTimeout(cfg.Session.DefaultPollTimeout)

	monitor := broadcast.NewMonitor(cfg.Session.HeartbeatWindow, cfg.Session.SweepInterval, logger)
	monitor.Start(ctx)

	bridge := stream.NewBridge(controller, broker, monitor, logger)

	router, err := newRouter()
	if err != nil {
		return err
	}

	middleware := []httputil.Middleware{
		mw.RequestID,
		mw.CORSWithOptions(nil),
	}
	if logLevel != "none" {
		middleware = append(middleware, mw.LoggerWithOptions(&mw.LoggerOptions{Logger: logger}))
	}

	server := rest.NewServer(rest.ServerOptions{
		Router:     router,
		Controller: controller,
		Profiles:   profileStore,
		Clients:    clients,
		Bridge:     bridge,
		Logger:     logger,
		Middleware: middleware,
	})

	var wg sync.WaitGroup
	if cfg.Metrics.Enabled {
		metrics.StartPrometheusServer(ctx, &wg, &metrics.PromServerOpts{Addr: cfg.Metrics.ListenAddr})
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		if err := server.Start(cfg.REST.ListenAddr); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case <-stop:
		logger.Info("Received termination signal, shutting down")
	case err := <-serveErr:
		logger.Error("Server error", zap.Error(err))
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	controller.Shutdown(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", zap.Error(err))
	}
	wg.Wait()

	logger.Info("Server stopped")
	return nil
}

// applyFlagOverrides lets command-line flags win over the config file.
func applyFlagOverrides() {
	if addr := viper.GetString("rest.listenAddr"); addr != "" {
		cfg.REST.ListenAddr = addr
	}
	if baseURL := viper.GetString("rest.baseURL"); baseURL != "" {
		cfg.REST.BaseURL = baseURL
	}
	if connString := viper.GetString("rest.pg.connString"); connString != "" {
		cfg.REST.PG.ConnString = connString
	}
	if addr := viper.GetString("metrics.listenAddr"); addr != "" {
		cfg.Metrics.ListenAddr = addr
	}
}

func newRouter() (*httputil.Router, error) {
	if !cfg.REST.TLS.Enabled {
		return httputil.NewRouter(), nil
	}
	certFile, keyFile := cfg.REST.TLS.CertFile, cfg.REST.TLS.KeyFile
	if certFile == "" || keyFile == "" {
		return nil, fmt.Errorf("rest.tls.certFile and rest.tls.keyFile are required when TLS is enabled")
	}
	if _, err := util.LoadOrGenerateCert(certFile, keyFile); err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}
	return httputil.NewRouter(httputil.WithTLS(certFile, keyFile)), nil
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "none" {
		return zap.NewNop(), nil
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}
