// Package commands implements the tutor CLI.
package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashureev/voice-tutor/internal/config"
)

// NewRootCmd builds the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tutor",
		Short: "Voice tutoring agent",
		Long: `tutor joins rooms as a voice tutor, watches the shared screen and
publishes lesson progress to the room.

Examples:
  tutor serve
  tutor join lesson_42 --stdin
  tutor persona copilot`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newJoinCmd(),
		newPersonaCmd(),
	)

	rootCmd.PersistentFlags().StringSlice("env-file", []string{".env.local", ".env"}, "dotenv files to load, first wins")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logs")

	return rootCmd
}

// loadConfig reads dotenv files then the environment.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	files, _ := cmd.Root().PersistentFlags().GetStringSlice("env-file")
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose"); verbose {
		cfg.LogLevel = slog.LevelDebug
	}
	return cfg, nil
}

func newLogger(level slog.Level, text bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if text {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
