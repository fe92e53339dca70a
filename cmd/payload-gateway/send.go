package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/zoff-tech/payload-gateway/pkg/events"
	"github.com/zoff-tech/payload-gateway/pkg/payload"
)

type sendOptions struct {
	key           string
	correlationID string
	contentType   string
	workflows     []string
	timeout       uint
}

func newSendCmd() *cobra.Command {
	opts := sendOptions{}
	cmd := &cobra.Command{
		Use:   "send FILE...",
		Short: "Queue local files as one payload and wait until its workflow request is published",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd.Context(), opts, args)
		},
	}
	cmd.Flags().StringVarP(&opts.key, "key", "k", "", "Grouping key of the payload")
	cmd.Flags().StringVar(&opts.correlationID, "correlation-id", "", "Correlation id, generated when empty")
	cmd.Flags().StringVar(&opts.contentType, "content-type", "application/octet-stream", "Content type of the files")
	cmd.Flags().StringSliceVarP(&opts.workflows, "workflow", "w", nil, "Workflow to request, may be repeated")
	cmd.Flags().UintVarP(&opts.timeout, "timeout", "t", 0, "Payload timeout in seconds, 0 uses the configured default")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func runSend(ctx context.Context, opts sendOptions, paths []string) error {
	cfg, logger, err := loadSettings()
	if err != nil {
		return err
	}
	gw, err := newGateway(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer gw.close()

	sub := gw.bus.Subscribe(256)
	defer sub.Close()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	runErr := make(chan error, 1)
	go func() { runErr <- gw.run(runCtx) }()

	if opts.correlationID == "" {
		opts.correlationID = uuid.New().String()
	}
	batch := uuid.New().String()
	for _, local := range paths {
		file, err := stageFile(gw, batch, local, opts)
		if err != nil {
			stop()
			<-runErr
			return err
		}
		if err := gw.pipeline.Queue(ctx, opts.key, file, opts.timeout); err != nil {
			stop()
			<-runErr
			return fmt.Errorf("queue %s: %w", local, err)
		}
		level.Info(logger).Log("msg", "file queued", "file", local, "key", opts.key)
	}

	result := waitForDelivery(ctx, sub, opts.key)
	stop()
	if err := <-runErr; err != nil {
		return err
	}
	return result
}

// stageFile copies a local file into the temporary store so the pipeline can upload and later delete it.
func stageFile(gw *gateway, batch, local string, opts sendOptions) (payload.FileRecord, error) {
	src, err := os.Open(local)
	if err != nil {
		return payload.FileRecord{}, err
	}
	defer src.Close()

	name := filepath.Base(local)
	storagePath := path.Join(batch, name)
	if _, err := gw.files.Save(storagePath, src); err != nil {
		return payload.FileRecord{}, err
	}
	return payload.FileRecord{
		ID:            uuid.New().String(),
		CorrelationID: opts.correlationID,
		StoragePath:   storagePath,
		UploadPath:    name,
		ContentType:   opts.contentType,
		Source:        "cli",
		Workflows:     opts.workflows,
	}, nil
}

// waitForDelivery follows the payload that received files for key until it is published or abandoned.
func waitForDelivery(ctx context.Context, sub *events.Subscription, key string) error {
	payloadID := ""
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C:
			if !ok {
				return errors.New("event stream closed")
			}
			if payloadID == "" {
				if ev.Type == events.FileQueued && ev.Key == key {
					payloadID = ev.PayloadID
				}
				continue
			}
			if ev.PayloadID != payloadID {
				continue
			}
			switch ev.Type {
			case events.PublishCompleted:
				fmt.Printf("payload %s published with %d files\n", payloadID, ev.FileCount)
				return nil
			case events.PayloadAbandoned:
				return fmt.Errorf("payload %s abandoned after %d retries: %w", payloadID, ev.RetryCount, ev.Err)
			}
		}
	}
}
