package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/zoff-tech/payload-gateway/pkg/payload"
)

const payloadColumns = `id, key, correlation_id, timeout_seconds, files, state, retry_count, version, created_at, last_activity_at, owner`

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS payloads (
		id TEXT PRIMARY KEY,
		key TEXT NOT NULL,
		correlation_id TEXT NOT NULL,
		timeout_seconds INTEGER NOT NULL,
		files JSONB NOT NULL,
		state TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		version BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		last_activity_at TIMESTAMPTZ NOT NULL,
		owner TEXT NOT NULL DEFAULT ''
	)`,
	`ALTER TABLE payloads ADD COLUMN IF NOT EXISTS owner TEXT NOT NULL DEFAULT ''`,
	`CREATE INDEX IF NOT EXISTS payloads_state_idx ON payloads (state)`,
}

type txKey struct{}

type PostgresRepository struct {
	db *sql.DB // using database/sql
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema creates the payloads table and its state index when missing.
func (p *PostgresRepository) EnsureSchema(ctx context.Context) error {
	return p.withTransaction(ctx, "EnsureSchema", func(ctx context.Context, tx *sql.Tx) (int, error) {
		for _, stmt := range schemaStatements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return 0, fmt.Errorf("create schema: %w", err)
			}
		}
		return 0, nil
	})
}

func (p *PostgresRepository) Add(ctx context.Context, pl *payload.Payload) error {
	files, err := json.Marshal(pl.Files)
	if err != nil {
		return fmt.Errorf("marshal files: %w", err)
	}
	return p.withTransaction(ctx, "Add", func(ctx context.Context, tx *sql.Tx) (int, error) {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO payloads (`+payloadColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			pl.ID, pl.Key, pl.CorrelationID, pl.TimeoutSeconds, files, string(pl.State), pl.RetryCount, pl.Version,
			pl.CreatedAt, pl.LastActivityAt, pl.Owner)
		if err != nil {
			return 0, err
		}
		return rowsAffected(res)
	})
}

func (p *PostgresRepository) Update(ctx context.Context, pl *payload.Payload) error {
	files, err := json.Marshal(pl.Files)
	if err != nil {
		return fmt.Errorf("marshal files: %w", err)
	}
	err = p.withTransaction(ctx, "Update", func(ctx context.Context, tx *sql.Tx) (int, error) {
		res, err := tx.ExecContext(ctx,
			`UPDATE payloads SET files=$1, state=$2, retry_count=$3, last_activity_at=$4, version=version + 1
             WHERE id=$5 AND version=$6`,
			files, string(pl.State), pl.RetryCount, pl.LastActivityAt, pl.ID, pl.Version)
		if err != nil {
			return 0, err
		}
		n, err := rowsAffected(res)
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, ErrConflict
		}
		return n, nil
	})
	if err != nil {
		return err
	}
	pl.Version++
	return nil
}

func (p *PostgresRepository) Remove(ctx context.Context, pl *payload.Payload) error {
	return p.withTransaction(ctx, "Remove", func(ctx context.Context, tx *sql.Tx) (int, error) {
		res, err := tx.ExecContext(ctx, `DELETE FROM payloads WHERE id=$1 AND version=$2`, pl.ID, pl.Version)
		if err != nil {
			return 0, err
		}
		n, err := rowsAffected(res)
		if err != nil {
			return 0, err
		}
		if n > 0 {
			return n, nil
		}
		exists, err := existsIn(ctx, tx, pl.ID)
		if err != nil {
			return 0, err
		}
		if exists {
			return 0, ErrConflict
		}
		return 0, ErrNotFound
	})
}

func (p *PostgresRepository) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := p.withTransaction(ctx, "Exists", func(ctx context.Context, tx *sql.Tx) (int, error) {
		var err error
		exists, err = existsIn(ctx, tx, id)
		if err != nil || !exists {
			return 0, err
		}
		return 1, nil
	})
	return exists, err
}

func existsIn(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	var exists bool
	err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM payloads WHERE id=$1)`, id).Scan(&exists)
	return exists, err
}

func (p *PostgresRepository) ListByStates(ctx context.Context, states ...payload.State) ([]*payload.Payload, error) {
	names := make([]string, len(states))
	for i, state := range states {
		names[i] = string(state)
	}

	var payloads []*payload.Payload
	err := p.withTransaction(ctx, "ListByStates", func(ctx context.Context, tx *sql.Tx) (int, error) {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+payloadColumns+` FROM payloads WHERE state = ANY($1) ORDER BY created_at`, pq.Array(names))
		if err != nil {
			return 0, err
		}
		defer rows.Close()

		payloads = []*payload.Payload{}
		for rows.Next() {
			pl, err := scanPayload(rows)
			if err != nil {
				return 0, err
			}
			payloads = append(payloads, pl)
		}
		if err := rows.Err(); err != nil {
			return 0, err
		}
		return len(payloads), nil
	})
	if err != nil {
		return nil, err
	}
	return payloads, nil
}

func (p *PostgresRepository) Contains(ctx context.Context, predicate func(*payload.Payload) bool) (bool, error) {
	return containsIn(ctx, p, predicate)
}

func scanPayload(rows *sql.Rows) (*payload.Payload, error) {
	var (
		pl    payload.Payload
		files []byte
		state string
	)
	if err := rows.Scan(&pl.ID, &pl.Key, &pl.CorrelationID, &pl.TimeoutSeconds, &files, &state, &pl.RetryCount,
		&pl.Version, &pl.CreatedAt, &pl.LastActivityAt, &pl.Owner); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(files, &pl.Files); err != nil {
		return nil, fmt.Errorf("unmarshal files of payload %s: %w", pl.ID, err)
	}
	pl.State = payload.State(state)
	return &pl, nil
}

func rowsAffected(res sql.Result) (int, error) {
	n, err := res.RowsAffected()
	return int(n), err
}

func (p *PostgresRepository) withTransaction(ctx context.Context, spanName string, fn func(ctx context.Context, tx *sql.Tx) (int, error)) (err error) {
	ctx, span := startSpan(ctx, spanName)
	defer span.End()
	start := time.Now()

	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	if !ok {
		tx, err = p.db.BeginTx(ctx, nil)
		if err != nil {
			recordError(span, err)
			return err
		}
		defer func() {
			if err != nil {
				if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
					err = errors.Join(err, rbErr)
				}
				return
			}
			err = tx.Commit()
		}()
		ctx = context.WithValue(ctx, txKey{}, tx)
	}

	rows, err := fn(ctx, tx)
	if err != nil {
		recordError(span, err)
		return err
	}

	addDBStatsToSpan(span, "postgresql", spanName, rows, time.Since(start))
	return nil
}
