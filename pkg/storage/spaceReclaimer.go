package storage

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/zoff-tech/payload-gateway/pkg/payload"
)

// SpaceReclaimer deletes the local copies of files once they have been uploaded.
type SpaceReclaimer struct {
	store  *TemporaryStore
	logger log.Logger
	queue  chan payload.FileRecord
	done   chan struct{}
}

func NewSpaceReclaimer(store *TemporaryStore, logger log.Logger, buffer int) *SpaceReclaimer {
	return &SpaceReclaimer{
		store:  store,
		logger: logger,
		queue:  make(chan payload.FileRecord, buffer),
		done:   make(chan struct{}),
	}
}

// Enqueue schedules the file for deletion. Files enqueued after Run returned are left in place.
func (r *SpaceReclaimer) Enqueue(file payload.FileRecord) {
	select {
	case r.queue <- file:
	case <-r.done:
		level.Warn(r.logger).Log("msg", "space reclaimer stopped, keeping file", "file", file.ID, "path", file.StoragePath)
	}
}

// Run deletes queued files until ctx is cancelled, then drains whatever is still buffered.
func (r *SpaceReclaimer) Run(ctx context.Context) error {
	defer close(r.done)
	for {
		select {
		case file := <-r.queue:
			r.reclaim(file)
		case <-ctx.Done():
			for {
				select {
				case file := <-r.queue:
					r.reclaim(file)
				default:
					return nil
				}
			}
		}
	}
}

func (r *SpaceReclaimer) reclaim(file payload.FileRecord) {
	paths := []string{file.StoragePath}
	if file.HasMetadata() {
		paths = append(paths, file.MetadataStoragePath)
	}
	for _, path := range paths {
		if err := r.store.Remove(path); err != nil {
			level.Error(r.logger).Log("msg", "failed to delete temporary file", "file", file.ID, "path", path, "err", err)
			continue
		}
		level.Debug(r.logger).Log("msg", "temporary file deleted", "file", file.ID, "path", path)
	}
}
