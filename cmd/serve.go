package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/tiered-scraper/internal/app"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the worker pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			a, err := app.New(cmd.Context(), cfg, logger, app.Options{})
			if err != nil {
				return fmt.Errorf("initialize services: %w", err)
			}
			if err := a.Run(cmd.Context()); err != nil {
				logger.Error("scraper stopped with error", zap.Error(err))
				return err
			}
			return nil
		},
	}
}
