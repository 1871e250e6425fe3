// agentdesk - real-time multi-agent chat server
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ashureev/agentdesk/internal/agent"
	"github.com/ashureev/agentdesk/internal/api"
	"github.com/ashureev/agentdesk/internal/auth"
	"github.com/ashureev/agentdesk/internal/bus"
	"github.com/ashureev/agentdesk/internal/chats"
	"github.com/ashureev/agentdesk/internal/config"
	"github.com/ashureev/agentdesk/internal/gateway"
	"github.com/ashureev/agentdesk/internal/memory"
	"github.com/ashureev/agentdesk/internal/metrics"
	"github.com/ashureev/agentdesk/internal/middleware"
	"github.com/ashureev/agentdesk/internal/registry"
	"github.com/ashureev/agentdesk/internal/router"
	"github.com/ashureev/agentdesk/internal/session"
	"github.com/ashureev/agentdesk/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	mintUser := flag.String("mint-token", "", "print a signed token for the given user id and exit")
	serveAgent := flag.String("serve-agent", "", "serve the named builtin agent over gRPC instead of the chat server")
	flag.Parse()

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	level.Set(cfg.LogLevel)

	if *mintUser != "" {
		if err := mintToken(cfg, *mintUser); err != nil {
			slog.Error("Failed to mint token", "error", err)
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *serveAgent != "" {
		err = runAgent(ctx, cfg, logger, *serveAgent)
	} else {
		err = run(ctx, cfg, logger)
	}
	if err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

func mintToken(cfg *config.Config, userID string) error {
	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(auth.Claims{Subject: userID}, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func loadRegistry(cfg *config.Config) (*registry.Registry, error) {
	if cfg.Agents.RegistryPath != "" {
		return registry.Load(cfg.Agents.RegistryPath)
	}
	return registry.Defaults()
}

// chatClient returns the OpenAI client, or nil when no key is configured.
func chatClient(cfg *config.Config) agent.ChatClient {
	if cfg.OpenAI.APIKey == "" {
		return nil
	}
	return agent.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL)
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected")

	reg, err := loadRegistry(cfg)
	if err != nil {
		return fmt.Errorf("load agent registry: %w", err)
	}
	client := chatClient(cfg)
	bound, err := reg.Bind(registry.NewResolver(registry.ResolverConfig{
		Client: client,
		Model:  cfg.OpenAI.Model,
		Logger: logger,
	}))
	if err != nil {
		return fmt.Errorf("bind agents: %w", err)
	}
	defer bound.Close()
	slog.Info("Agents registered", "agents", reg.Names(), "llm", client != nil)

	var events bus.Bus
	if cfg.Redis.Addr != "" {
		events, err = bus.NewRedis(ctx, bus.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
		}, logger)
		if err != nil {
			return fmt.Errorf("connect chat event bus: %w", err)
		}
		slog.Info("Chat events relayed through Redis", "addr", cfg.Redis.Addr, "channel", cfg.Redis.Channel)
	} else {
		events = bus.NewLocal(logger)
	}
	defer func() {
		if closeErr := events.Close(); closeErr != nil {
			slog.Warn("Failed to close chat event bus", "error", closeErr)
		}
	}()

	mem := memory.NewStore(repo, cfg.Memory.MaxEntries, logger)
	sessions := session.NewManager(logger)

	chatOpts := []chats.Option{chats.WithSessions(sessions)}
	if client != nil {
		chatOpts = append(chatOpts, chats.WithTitler(chats.LLMTitler{Client: client, Model: cfg.OpenAI.Model}))
	}
	chatMgr := chats.NewManager(repo, events, logger, chatOpts...)
	defer chatMgr.Wait()

	rt := router.New(bound, repo, mem, chatMgr, router.Config{
		TurnTimeout:     cfg.Gateway.TurnTimeout,
		ContextMaxBytes: cfg.Memory.ContextMaxBytes,
	}, logger)

	authn := auth.NewAuthenticator(auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)), repo, logger)

	wsHandler := gateway.NewHandler(gateway.Deps{
		Auth:     authn,
		Chats:    chatMgr,
		Router:   rt,
		Memory:   mem,
		Sessions: sessions,
		Bus:      events,
		Users:    repo,
	}, gateway.Config{
		HeartbeatTimeout:  cfg.Gateway.HeartbeatTimeout,
		AuthGracePeriod:   cfg.Gateway.AuthGracePeriod,
		OutboundQueueSize: cfg.Gateway.OutboundQueueSize,
		InboundQueueSize:  cfg.Gateway.InboundQueueSize,
		TurnRatePerMinute: cfg.Gateway.TurnRatePerMinute,
		AllowedOrigins:    cfg.Origins(),
		IsDev:             cfg.IsDevelopment(),
	}, logger)
	apiHandler := api.NewHandler(repo, chatMgr, reg, sessions, logger)
	healthHandler := api.NewHealthHandler(repo, sessions)

	origins := cfg.Origins()
	if cfg.IsDevelopment() {
		origins = append(origins, "*")
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(origins))

	healthHandler.RegisterHealth(r)
	if cfg.Metrics {
		metrics.InitMetrics()
		r.Handle("/metrics", metrics.Handler())
	}
	r.Group(func(r chi.Router) {
		r.Use(middleware.Metrics)
		apiHandler.RegisterRoutes(r, auth.Middleware(authn))
	})
	r.Get("/ws", wsHandler.ServeHTTP)

	// WebSocket connections are long lived, so no WriteTimeout.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if cfg.GRPCHealthPort != "" {
		grpcServer, hs := newGRPCServer()
		serveGRPC(gctx, g, grpcServer, hs, cfg.GRPCHealthPort)
	}
	g.Go(func() error {
		return store.RunMaintenance(gctx, repo, store.MaintenanceConfig{
			Interval:         cfg.Maintain,
			MemoryMaxEntries: cfg.Memory.MaxEntries,
		})
	})

	return g.Wait()
}

// runAgent serves one builtin agent over gRPC so other instances can reach
// it as a remote agent.
func runAgent(ctx context.Context, cfg *config.Config, logger *slog.Logger, name string) error {
	if cfg.GRPCHealthPort == "" {
		return errors.New("GRPC_HEALTH_PORT is required to serve an agent")
	}
	reg, err := loadRegistry(cfg)
	if err != nil {
		return fmt.Errorf("load agent registry: %w", err)
	}
	spec, ok := reg.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", registry.ErrAgentNotFound, name)
	}
	if spec.Kind == registry.KindRemote {
		return fmt.Errorf("agent %s is remote and cannot be served here", name)
	}
	a, err := registry.NewResolver(registry.ResolverConfig{
		Client: chatClient(cfg),
		Model:  cfg.OpenAI.Model,
		Logger: logger,
	})(spec)
	if err != nil {
		return fmt.Errorf("build agent %s: %w", name, err)
	}

	grpcServer, hs := newGRPCServer()
	agent.Serve(grpcServer, a)
	slog.Info("Serving agent", "agent", name, "port", cfg.GRPCHealthPort)

	g, gctx := errgroup.WithContext(ctx)
	serveGRPC(gctx, g, grpcServer, hs, cfg.GRPCHealthPort)
	return g.Wait()
}

func newGRPCServer() (*grpc.Server, *health.Server) {
	s := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	grpc_health_v1.RegisterHealthServer(s, hs)
	return s, hs
}

func serveGRPC(ctx context.Context, g *errgroup.Group, s *grpc.Server, hs *health.Server, port string) {
	g.Go(func() error {
		lis, err := net.Listen("tcp", ":"+port)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		slog.Info("gRPC server listening", "addr", lis.Addr().String())
		if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		hs.Shutdown()
		s.GracefulStop()
		return nil
	})
}
