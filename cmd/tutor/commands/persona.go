package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ashureev/voice-tutor/internal/domain"
	"github.com/ashureev/voice-tutor/internal/persona"
)

func newPersonaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "persona [lesson|copilot]",
		Short: "Print the persona used for a mode",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := domain.ModeLesson
			if len(args) == 1 {
				m, err := domain.ParseMode(args[0])
				if err != nil {
					return err
				}
				mode = m
			}
			p, err := persona.ForMode(mode)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(p, "", "  ")
			if err != nil {
				return fmt.Errorf("encode persona: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}
}
