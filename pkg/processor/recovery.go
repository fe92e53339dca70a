package processor

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/zoff-tech/payload-gateway/pkg/events"
	"github.com/zoff-tech/payload-gateway/pkg/payload"
	"github.com/zoff-tech/payload-gateway/pkg/store"
)

// RecoverPayloads re-admits payloads persisted in the Upload or Notify state to their stage.
func RecoverPayloads(ctx context.Context, repo store.PayloadRepository, upload, notify submitter, bus *events.Bus, logger log.Logger) (int, error) {
	payloads, err := repo.ListByStates(ctx, payload.StateUpload, payload.StateNotify)
	if err != nil {
		return 0, fmt.Errorf("list payloads to recover: %w", err)
	}

	for _, p := range payloads {
		switch p.State {
		case payload.StateUpload:
			upload.Submit(p)
		case payload.StateNotify:
			notify.Submit(p)
		}
		level.Info(logger).Log("msg", "payload recovered", "payload", p.ID, "state", p.State, "retry", p.RetryCount)
		bus.Publish(events.Event{Type: events.PayloadRecovered, PayloadID: p.ID, Key: p.Key, FileCount: p.Count(), RetryCount: p.RetryCount})
	}
	return len(payloads), nil
}
