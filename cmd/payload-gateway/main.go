package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "payload-gateway: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payload-gateway",
		Short: "Groups ingested files into payloads and delivers them to storage and the workflow manager",
		Long: `payload-gateway collects files that share a grouping key into payloads, closes a payload once no file
arrived for its timeout, uploads the files to object storage and publishes a workflow request for each payload.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "./cmd/payload-gateway", "Directory containing gateway.yaml")
	cmd.AddCommand(
		newServeCmd(),
		newSendCmd(),
		newPayloadsCmd(),
	)
	return cmd
}
