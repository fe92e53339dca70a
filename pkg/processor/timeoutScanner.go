package processor

import (
	"context"
	"errors"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/zoff-tech/payload-gateway/pkg/events"
	"github.com/zoff-tech/payload-gateway/pkg/payload"
	"github.com/zoff-tech/payload-gateway/pkg/store"
)

type submitter interface {
	Submit(p *payload.Payload)
}

// TimeoutScanner periodically closes idle payloads and hands them to the upload stage.
type TimeoutScanner struct {
	assembler *PayloadAssembler
	repo      store.PayloadRepository
	upload    submitter
	interval  time.Duration
	now       func() time.Time
	bus       *events.Bus
	logger    log.Logger
}

func NewTimeoutScanner(assembler *PayloadAssembler, repo store.PayloadRepository, upload submitter, interval time.Duration, now func() time.Time, bus *events.Bus, logger log.Logger) *TimeoutScanner {
	return &TimeoutScanner{
		assembler: assembler,
		repo:      repo,
		upload:    upload,
		interval:  interval,
		now:       now,
		bus:       bus,
		logger:    logger,
	}
}

// Run scans every interval until ctx is done. The timer is re-armed after each pass so passes never overlap.
func (s *TimeoutScanner) Run(ctx context.Context) error {
	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			s.Scan(ctx)
			timer.Reset(s.interval)
		}
	}
}

// Scan runs a single pass.
func (s *TimeoutScanner) Scan(ctx context.Context) {
	for _, p := range s.assembler.closeTimedOut(s.now()) {
		s.handOff(ctx, p)
	}
}

func (s *TimeoutScanner) handOff(ctx context.Context, p *payload.Payload) {
	if p.Count() == 0 {
		level.Warn(s.logger).Log("msg", "payload timed out without files, dropping", "payload", p.ID, "key", p.Key)
		if err := s.repo.Remove(ctx, p); err != nil && !errors.Is(err, store.ErrNotFound) {
			level.Error(s.logger).Log("msg", "failed to remove empty payload", "payload", p.ID, "err", err)
		}
		s.bus.Publish(events.Event{Type: events.BucketDropped, PayloadID: p.ID, Key: p.Key})
		return
	}

	p.State = payload.StateUpload
	if err := s.repo.Update(ctx, p); err != nil {
		p.State = payload.StateCreated
		if errors.Is(err, store.ErrConflict) {
			level.Error(s.logger).Log("msg", "payload changed in the repository, leaving it for recovery", "payload", p.ID, "err", err)
			return
		}
		level.Error(s.logger).Log("msg", "failed to hand off payload, retrying on next scan", "payload", p.ID, "err", err)
		s.assembler.retryHandOff(p)
		return
	}

	level.Info(s.logger).Log("msg", "payload closed", "payload", p.ID, "key", p.Key, "files", p.Count(), "idle", p.IdleTime(s.now()))
	s.bus.Publish(events.Event{Type: events.BucketClosed, PayloadID: p.ID, Key: p.Key, FileCount: p.Count()})
	s.upload.Submit(p)
}
