package main

import (
	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the payload pipeline until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, logger, err := loadSettings()
			if err != nil {
				return err
			}

			gw, err := newGateway(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer gw.close()

			level.Info(logger).Log("msg", "payload gateway started", "bucket", cfg.Storage.BucketName, "broker", cfg.Broker.Type, "database", cfg.Database.Type)
			return gw.run(ctx)
		},
	}
}
