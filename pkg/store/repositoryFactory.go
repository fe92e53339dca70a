package store

import (
	"context"
	"database/sql"
	"fmt"

	"cloud.google.com/go/spanner"
	_ "github.com/lib/pq"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/zoff-tech/payload-gateway/pkg/config"
)

var sqlOpen = sql.Open

// NewSpannerRepositoryFactory builds the Spanner repository from a client.
var NewSpannerRepositoryFactory = func(client *spanner.Client) PayloadRepository {
	return &SpannerRepository{client: client}
}

// NewRepository creates the configured repository, bootstraps its schema and wraps it with transient-error retries.
func NewRepository(ctx context.Context, cfg config.DbSettings) (PayloadRepository, error) {
	repo, err := newRepository(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return WithRetry(repo, cfg.Retries.Schedule()), nil
}

func newRepository(ctx context.Context, cfg config.DbSettings) (PayloadRepository, error) {
	switch cfg.Type {
	case "postgres":
		db, err := sqlOpen("postgres", cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		repo := NewPostgresRepository(db)
		if err := repo.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return repo, nil
	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to mongo: %w", err)
		}
		repo := NewMongoRepository(client.Database(cfg.DBName).Collection(cfg.Collection))
		if err := repo.EnsureIndexes(ctx); err != nil {
			return nil, err
		}
		return repo, nil
	case "spanner":
		client, err := spanner.NewClient(ctx, cfg.URI)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to spanner: %w", err)
		}
		return NewSpannerRepositoryFactory(client), nil
	case "memory":
		return NewMemoryRepository(), nil
	default:
		return nil, fmt.Errorf("unsupported DB type: %s", cfg.Type)
	}
}
