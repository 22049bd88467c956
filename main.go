package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/caseboard/caseboard-engine/pkg/auth"
	"github.com/caseboard/caseboard-engine/pkg/collab"
	"github.com/caseboard/caseboard-engine/pkg/config"
	"github.com/caseboard/caseboard-engine/pkg/database"
	"github.com/caseboard/caseboard-engine/pkg/handlers"
	"github.com/caseboard/caseboard-engine/pkg/logging"
	"github.com/caseboard/caseboard-engine/pkg/middleware"
	"github.com/caseboard/caseboard-engine/pkg/repositories"
	"github.com/caseboard/caseboard-engine/pkg/services"
	"github.com/caseboard/caseboard-engine/pkg/storage"
)

// Version is set at build time via ldflags
var Version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("base_url", cfg.BaseURL),
		zap.Bool("auth_verification", cfg.Auth.EnableVerification),
		zap.String("store", cfg.Database.Type),
		zap.String("storage", cfg.Storage.Provider),
		zap.Bool("relay", cfg.Redis.Host != ""))

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Node store
	var (
		db     *database.DB
		repos  *repositories.Repositories
		scopes database.ScopeProvider
		pinger handlers.Pinger
	)
	switch cfg.Database.Type {
	case "memory":
		logger.Warn("Using the in-memory store; data is lost on restart")
		repos = repositories.NewMemoryRepositories()
		scopes = database.NoopScopeProvider{}
	default:
		var err error
		db, err = database.Connect(ctx, &database.Config{
			URL:            cfg.Database.ConnectionString(),
			MaxConnections: cfg.Database.MaxConnections,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()

		if cfg.Database.AutoMigrate {
			if err := db.Migrate(cfg.Database.MigrationsPath, logger); err != nil {
				return err
			}
		}
		repos = repositories.NewPostgresRepositories()
		scopes = database.NewTenantScopeProvider(db)
		pinger = db
	}

	// Cross-instance relay
	var relay *collab.RedisRelay
	var publisher collab.Publisher
	redisClient, err := database.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
		relay = collab.NewRedisRelay(redisClient, logger)
		publisher = relay
	}

	store, err := storage.New(ctx, &cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to initialise attachment storage: %w", err)
	}

	// Services. The hub is the tree service's change notifier, so it is
	// created first.
	hub := collab.NewHub(cfg.Collab.RegistryShards, publisher, logger)
	editLogService := services.NewEditLogService(repos.EditLog, logger)
	memberService := services.NewMemberService(repos.Projects, repos.Members, logger)
	treeService := services.NewTreeService(repos, editLogService, store, hub, logger)
	lineService := services.NewAssociativeLineService(treeService, repos.Lines, logger)
	projectService := services.NewProjectService(repos, treeService, logger)
	liveServer := collab.NewServer(hub, treeService, memberService, scopes, cfg.Collab, cfg.AllowedOrigins, logger)

	// Auth
	jwksClient, err := auth.NewJWKSClient(&auth.JWKSConfig{
		EnableVerification: cfg.Auth.EnableVerification,
		JWKSEndpoints:      cfg.Auth.JWKSEndpoints,
	})
	if err != nil {
		return fmt.Errorf("failed to create JWKS client: %w", err)
	}
	defer jwksClient.Close()
	authService := auth.NewAuthService(jwksClient, cfg.Auth.CookieName, logger)
	authMiddleware := auth.NewMiddleware(authService, logger)

	tenantMiddleware := handlers.TenantMiddleware(database.WithTenantContext(scopes, logger))
	unscopedMiddleware := handlers.TenantMiddleware(database.WithoutTenantContext(db, logger))

	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, pinger, hub, logger).RegisterRoutes(mux)
	handlers.NewProjectsHandler(projectService, memberService, logger).
		RegisterRoutes(mux, authMiddleware, tenantMiddleware, unscopedMiddleware)
	handlers.NewMembersHandler(memberService, logger).RegisterRoutes(mux, authMiddleware, tenantMiddleware)
	handlers.NewNodesHandler(treeService, memberService, logger).RegisterRoutes(mux, authMiddleware, tenantMiddleware)
	handlers.NewAssociativeLinesHandler(lineService, memberService, logger).RegisterRoutes(mux, authMiddleware, tenantMiddleware)
	handlers.NewMindmapHandler(treeService, editLogService, memberService, logger).RegisterRoutes(mux, authMiddleware, tenantMiddleware)
	handlers.NewAttachmentsHandler(store, memberService, cfg.Storage.MaxUploadBytes, logger).RegisterRoutes(mux, authMiddleware, tenantMiddleware)
	handlers.NewLiveHandler(liveServer, logger).RegisterRoutes(mux, authMiddleware)

	var handler http.Handler = mux
	handler = middleware.RequestLogger(logger)(handler)
	handler = middleware.Recoverer(logger)(handler)

	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting caseboard-engine",
			zap.String("addr", server.Addr),
			zap.String("version", cfg.Version))
		var err error
		if cfg.TLSCertPath != "" {
			err = server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	if relay != nil {
		g.Go(func() error {
			return relay.Run(gctx, hub.DeliverLocal)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		hub.Shutdown(shutdownCtx)
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down server: %w", err)
		}
		return nil
	})

	return g.Wait()
}
