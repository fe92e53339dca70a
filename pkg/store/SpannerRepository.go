package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"

	"github.com/zoff-tech/payload-gateway/pkg/payload"
)

const spannerTable = "payloads"

// SpannerSchema is the DDL of the payloads table.
const SpannerSchema = `CREATE TABLE payloads (
	id STRING(36) NOT NULL,
	payload_key STRING(MAX) NOT NULL,
	correlation_id STRING(MAX) NOT NULL,
	timeout_seconds INT64 NOT NULL,
	files STRING(MAX) NOT NULL,
	state STRING(16) NOT NULL,
	retry_count INT64 NOT NULL,
	version INT64 NOT NULL,
	created_at TIMESTAMP NOT NULL,
	last_activity_at TIMESTAMP NOT NULL,
	owner STRING(MAX) NOT NULL
) PRIMARY KEY (id)`

var spannerColumns = []string{"id", "payload_key", "correlation_id", "timeout_seconds", "files", "state", "retry_count", "version", "created_at", "last_activity_at", "owner"}

type SpannerRepository struct {
	client *spanner.Client
}

func (s *SpannerRepository) Add(ctx context.Context, p *payload.Payload) error {
	ctx, span := startSpan(ctx, "Add")
	defer span.End()
	start := time.Now()

	m, err := insertMutation(p)
	if err != nil {
		return err
	}
	if _, err := s.client.Apply(ctx, []*spanner.Mutation{m}); err != nil {
		recordError(span, err)
		return err
	}
	addDBStatsToSpan(span, "spanner", "insert payloads", 1, time.Since(start))
	return nil
}

func (s *SpannerRepository) Update(ctx context.Context, p *payload.Payload) error {
	ctx, span := startSpan(ctx, "Update")
	defer span.End()
	start := time.Now()

	files, err := json.Marshal(p.Files)
	if err != nil {
		return fmt.Errorf("marshal files: %w", err)
	}

	_, err = s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		row, err := txn.ReadRow(ctx, spannerTable, spanner.Key{p.ID}, []string{"version"})
		if spanner.ErrCode(err) == codes.NotFound {
			return ErrConflict
		}
		if err != nil {
			return err
		}
		var version int64
		if err := row.Columns(&version); err != nil {
			return err
		}
		if version != p.Version {
			return ErrConflict
		}
		return txn.BufferWrite([]*spanner.Mutation{
			spanner.Update(spannerTable,
				[]string{"id", "files", "state", "retry_count", "version", "last_activity_at"},
				[]interface{}{p.ID, string(files), string(p.State), int64(p.RetryCount), p.Version + 1, p.LastActivityAt}),
		})
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			recordError(span, ErrConflict)
			return ErrConflict
		}
		recordError(span, err)
		return err
	}
	p.Version++
	addDBStatsToSpan(span, "spanner", "update payloads", 1, time.Since(start))
	return nil
}

func (s *SpannerRepository) Remove(ctx context.Context, p *payload.Payload) error {
	ctx, span := startSpan(ctx, "Remove")
	defer span.End()
	start := time.Now()

	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		row, err := txn.ReadRow(ctx, spannerTable, spanner.Key{p.ID}, []string{"version"})
		if spanner.ErrCode(err) == codes.NotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var version int64
		if err := row.Columns(&version); err != nil {
			return err
		}
		if version != p.Version {
			return ErrConflict
		}
		return txn.BufferWrite([]*spanner.Mutation{spanner.Delete(spannerTable, spanner.Key{p.ID})})
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		if errors.Is(err, ErrConflict) {
			recordError(span, ErrConflict)
			return ErrConflict
		}
		recordError(span, err)
		return err
	}
	addDBStatsToSpan(span, "spanner", "delete payloads", 1, time.Since(start))
	return nil
}

func (s *SpannerRepository) Exists(ctx context.Context, id string) (bool, error) {
	ctx, span := startSpan(ctx, "Exists")
	defer span.End()
	start := time.Now()

	_, err := s.client.Single().ReadRow(ctx, spannerTable, spanner.Key{id}, []string{"id"})
	if spanner.ErrCode(err) == codes.NotFound {
		return false, nil
	}
	if err != nil {
		recordError(span, err)
		return false, err
	}
	addDBStatsToSpan(span, "spanner", "read payloads", 1, time.Since(start))
	return true, nil
}

func (s *SpannerRepository) ListByStates(ctx context.Context, states ...payload.State) ([]*payload.Payload, error) {
	ctx, span := startSpan(ctx, "ListByStates")
	defer span.End()
	start := time.Now()

	names := make([]string, len(states))
	for i, state := range states {
		names[i] = string(state)
	}
	stmt := spanner.Statement{
		SQL: `SELECT id, payload_key, correlation_id, timeout_seconds, files, state, retry_count, version, created_at, last_activity_at, owner
              FROM payloads WHERE state IN UNNEST(@states) ORDER BY created_at`,
		Params: map[string]interface{}{
			"states": names,
		},
	}

	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	payloads := []*payload.Payload{}
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			recordError(span, err)
			return nil, err
		}

		p, err := payloadFromRow(row)
		if err != nil {
			return nil, err
		}
		payloads = append(payloads, p)
	}

	addDBStatsToSpan(span, "spanner", "select payloads", len(payloads), time.Since(start))
	return payloads, nil
}

func (s *SpannerRepository) Contains(ctx context.Context, predicate func(*payload.Payload) bool) (bool, error) {
	return containsIn(ctx, s, predicate)
}

func insertMutation(p *payload.Payload) (*spanner.Mutation, error) {
	files, err := json.Marshal(p.Files)
	if err != nil {
		return nil, fmt.Errorf("marshal files: %w", err)
	}
	return spanner.Insert(spannerTable, spannerColumns, []interface{}{
		p.ID, p.Key, p.CorrelationID, int64(p.TimeoutSeconds), string(files), string(p.State),
		int64(p.RetryCount), p.Version, p.CreatedAt, p.LastActivityAt, p.Owner,
	}), nil
}

func payloadFromRow(row *spanner.Row) (*payload.Payload, error) {
	var (
		p                      payload.Payload
		files, state           string
		timeout, retries, vers int64
	)
	if err := row.Columns(&p.ID, &p.Key, &p.CorrelationID, &timeout, &files, &state, &retries, &vers,
		&p.CreatedAt, &p.LastActivityAt, &p.Owner); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(files), &p.Files); err != nil {
		return nil, fmt.Errorf("unmarshal files of payload %s: %w", p.ID, err)
	}
	p.TimeoutSeconds = uint(timeout)
	p.State = payload.State(state)
	p.RetryCount = int(retries)
	p.Version = vers
	return &p, nil
}
