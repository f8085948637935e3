package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Ravi-Teja4/wisecow/internal/content"
	"github.com/Ravi-Teja4/wisecow/internal/logger"
)

var quoteCmd = &cobra.Command{
	Use:   "quote",
	Short: "Print one quote with the configured provider",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, provider, err := setup()
		if err != nil {
			return err
		}
		log := logger.WithComponent("content")
		if err := content.Check(provider); err != nil {
			log.Error().Err(err).Msg("Install prerequisites.")
			return err
		}
		text, err := provider.Generate(cmd.Context())
		if err != nil {
			log.Error().Err(err).Msg("Content generation failed")
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), text)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(quoteCmd)
}
