package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/ashureev/voice-tutor/internal/agent"
	"github.com/ashureev/voice-tutor/internal/room"
	"github.com/ashureev/voice-tutor/internal/voice"
)

func newJoinCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "join <room>",
		Short: "Run one agent session in a room",
		Long: `Join a single room and run the agent until the room closes.

With --stdin the speech sidecar is replaced by the terminal: each input
line is a user turn and agent replies are printed.

Examples:
  tutor join lesson_42
  tutor join copilot_demo --stdin`,
		Args: cobra.ExactArgs(1),
		RunE: runJoin,
	}
	cmd.Flags().Bool("stdin", false, "read user turns from standard input")
	return cmd
}

func runJoin(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel, true)
	useStdin, _ := cmd.Flags().GetBool("stdin")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer repo.Close()

	var pipeline voice.Pipeline
	var scripted *voice.Scripted
	if useStdin {
		out := cmd.OutOrStdout()
		scripted = voice.NewScripted(16, func(u voice.Utterance) {
			fmt.Fprintf(out, "tutor> %s\n", u.Text)
		})
		pipeline = scripted
	} else {
		speech, sidecarMgr, err := dialVoice(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer speech.Close()
		if sidecarMgr != nil {
			defer sidecarMgr.Close()
		}
		pipeline = speech
	}

	convLog, err := newConversationLogger(cfg, logger)
	if err != nil {
		return err
	}
	defer convLog.Close()

	var connector room.Connector
	if cfg.LiveKitEnabled() {
		connector = room.NewLiveKitConnector(cfg.LiveKit, room.KeyFrameInterval(cfg.Capture.FPS), logger)
	} else {
		hub := room.NewWSHub(cfg.FrontendURL, cfg.IsDevelopment(), logger)
		connector = hub
		stopHub := serveHub(hub, cfg.Port, logger)
		defer stopHub()
	}

	orch, err := agent.NewOrchestrator(agent.Deps{
		Config:    cfg,
		Connector: connector,
		Voice:     pipeline,
		Repo:      repo,
		ConvLog:   convLog,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	session, err := orch.Start(ctx, args[0])
	if err != nil {
		return err
	}
	logger.Info("joined room", "room", session.Room, "session_id", session.ID, "mode", session.Mode)

	if scripted != nil {
		go feedTurns(ctx, cmd.InOrStdin(), scripted)
	}

	select {
	case <-ctx.Done():
		if err := session.Close(context.Background()); err != nil {
			logger.Warn("session close failed", "error", err)
		}
	case <-session.Done():
	}

	summary := session.Usage()
	logger.Info("session finished", summary.LogAttrs()...)
	return nil
}

// feedTurns pushes one user turn per non-empty input line.
func feedTurns(ctx context.Context, in io.Reader, s *voice.Scripted) {
	defer s.End()
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		if line := sc.Text(); line != "" {
			s.Push(line)
		}
	}
}

// serveHub exposes websocket rooms so a browser can share its screen with
// a locally joined agent.
func serveHub(hub *room.WSHub, port string, logger *slog.Logger) func() {
	r := chi.NewRouter()
	r.Get("/ws/rooms/{room}", hub.ServeHTTP)
	srv := &http.Server{Addr: ":" + port, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("websocket room server failed", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
