package commands

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

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ashureev/voice-tutor/internal/agent"
	"github.com/ashureev/voice-tutor/internal/api"
	"github.com/ashureev/voice-tutor/internal/middleware"
	"github.com/ashureev/voice-tutor/internal/retention"
	"github.com/ashureev/voice-tutor/internal/room"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent API server",
		Long: `Start the HTTP API that launches agent sessions into rooms, streams
their status events and issues room connection details.

Examples:
  tutor serve
  tutor serve --env-file prod.env`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel, false)
	logger.Info("starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "livekit", cfg.LiveKitEnabled())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			logger.Error("failed to close repository", "error", closeErr)
		}
	}()

	speech, sidecarMgr, err := dialVoice(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer speech.Close()
	if sidecarMgr != nil {
		defer func() {
			if closeErr := sidecarMgr.Close(); closeErr != nil {
				logger.Warn("failed to close docker client", "error", closeErr)
			}
		}()
	}

	convLog, err := newConversationLogger(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := convLog.Close(); closeErr != nil {
			logger.Warn("failed to close conversation logger", "error", closeErr)
		}
	}()

	var connector room.Connector
	var hub *room.WSHub
	if cfg.LiveKitEnabled() {
		connector = room.NewLiveKitConnector(cfg.LiveKit, room.KeyFrameInterval(cfg.Capture.FPS), logger)
	} else {
		hub = room.NewWSHub(cfg.FrontendURL, cfg.IsDevelopment(), logger)
		connector = hub
		logger.Info("LiveKit not configured, serving websocket rooms")
	}

	broker := api.NewEventBroker(logger)
	orch, err := agent.NewOrchestrator(agent.Deps{
		Config:    cfg,
		Connector: connector,
		Voice:     speech,
		Repo:      repo,
		Events:    broker,
		ConvLog:   convLog,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	manager := agent.NewManager(orch, logger)
	sessions := api.ManagerSessions{Manager: manager}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(allowedOrigins(cfg.FrontendURL)))

	api.NewHealthHandler(repo, sessions, speech).RegisterHealth(r)
	api.NewSessionHandler(sessions, repo, broker, cfg.SSE, logger).RegisterRoutes(r)
	api.NewConnectionHandler(room.NewTokenIssuer(cfg.LiveKit), cfg.SSE.MaxRequestBodySize).RegisterRoutes(r)
	if hub != nil {
		r.Get("/ws/rooms/{room}", hub.ServeHTTP)
	}

	// SSE streams stay open, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	healthSrv, grpcSrv, err := startHealthServer(cfg.GRPCPort, logger)
	if err != nil {
		return err
	}

	sweeper, err := retention.NewSweeper(repo, cfg.Retention.Schedule, cfg.Retention.MaxAge, logger)
	if err != nil {
		return err
	}
	sweeper.Start(ctx)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error("server failed", "error", err)
		}
	}
	stop()

	logger.Info("shutting down gracefully")
	healthSrv.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	manager.Shutdown(shutdownCtx)
	sweeper.Stop()
	grpcSrv.GracefulStop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

// startHealthServer serves the standard gRPC health service on port.
func startHealthServer(port string, logger *slog.Logger) (*health.Server, *grpc.Server, error) {
	lis, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return nil, nil, fmt.Errorf("listen on gRPC port %s: %w", port, err)
	}
	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	grpcSrv := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	go func() {
		logger.Info("gRPC health listening", "addr", lis.Addr().String())
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Error("gRPC health server failed", "error", err)
		}
	}()
	return healthSrv, grpcSrv, nil
}

func allowedOrigins(frontendURL string) []string {
	if frontendURL == "" {
		return []string{"*"}
	}
	return []string{frontendURL}
}
