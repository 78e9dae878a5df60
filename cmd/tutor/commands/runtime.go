package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ashureev/voice-tutor/internal/agent"
	"github.com/ashureev/voice-tutor/internal/config"
	"github.com/ashureev/voice-tutor/internal/sidecar"
	"github.com/ashureev/voice-tutor/internal/store"
	"github.com/ashureev/voice-tutor/internal/voice"
)

// openStore opens the database and closes sessions a previous process
// left running.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*store.SQLiteStore, error) {
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	if err := repo.Ping(ctx); err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("database health check: %w", err)
	}
	closed, err := repo.CloseDanglingSessions(ctx, time.Now().UTC())
	if err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("close dangling sessions: %w", err)
	}
	logger.Info("database connected", "path", cfg.DBPath, "dangling_sessions_closed", closed)
	return repo, nil
}

// dialVoice starts the sidecar container when an image is configured and
// connects to it.
func dialVoice(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*voice.GrpcClient, *sidecar.DockerManager, error) {
	var mgr *sidecar.DockerManager
	if cfg.Voice.SidecarImage != "" {
		m, err := sidecar.NewDockerManager(sidecar.Spec{
			Image: cfg.Voice.SidecarImage,
			Addr:  cfg.Voice.Addr,
			Env:   sidecar.EnvFromLookup(os.LookupEnv),
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		id, err := m.Ensure(ctx)
		if err != nil {
			_ = m.Close()
			return nil, nil, fmt.Errorf("start voice sidecar: %w", err)
		}
		logger.Info("voice sidecar running", "container_id", id, "image", cfg.Voice.SidecarImage)
		mgr = m
	}

	grpcCfg := voice.DefaultGrpcClientConfig(cfg.Voice.Addr)
	grpcCfg.ConnectTimeout = cfg.Voice.ConnectWait
	client, err := voice.NewGrpcClient(grpcCfg, logger)
	if err != nil {
		if mgr != nil {
			_ = mgr.Close()
		}
		return nil, nil, err
	}
	return client, mgr, nil
}

func newConversationLogger(cfg *config.Config, logger *slog.Logger) (agent.ConversationLogger, error) {
	convLog, err := agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:   cfg.ConversationLog.Enabled,
		Dir:       cfg.ConversationLog.Dir,
		QueueSize: cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize conversation logger: %w", err)
	}
	return convLog, nil
}
