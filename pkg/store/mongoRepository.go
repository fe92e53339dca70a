package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/zoff-tech/payload-gateway/pkg/payload"
)

type MongoRepository struct {
	collection *mongo.Collection
}

func NewMongoRepository(collection *mongo.Collection) *MongoRepository {
	return &MongoRepository{collection: collection}
}

// EnsureIndexes creates the state index used by ListByStates.
func (m *MongoRepository) EnsureIndexes(ctx context.Context) error {
	_, err := m.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "state", Value: 1}},
		Options: options.Index().SetName("state_idx"),
	})
	if err != nil {
		return fmt.Errorf("create state index: %w", err)
	}
	return nil
}

func (m *MongoRepository) Add(ctx context.Context, p *payload.Payload) error {
	ctx, span := startSpan(ctx, "Add")
	defer span.End()
	start := time.Now()

	if _, err := m.collection.InsertOne(ctx, p); err != nil {
		recordError(span, err)
		return err
	}
	addDBStatsToSpan(span, "mongodb", "insertOne", 1, time.Since(start))
	return nil
}

func (m *MongoRepository) Update(ctx context.Context, p *payload.Payload) error {
	ctx, span := startSpan(ctx, "Update")
	defer span.End()
	start := time.Now()

	next := p.Clone()
	next.Version++
	res, err := m.collection.ReplaceOne(ctx, bson.M{"_id": p.ID, "version": p.Version}, next)
	if err != nil {
		recordError(span, err)
		return err
	}
	if res.MatchedCount == 0 {
		recordError(span, ErrConflict)
		return ErrConflict
	}
	p.Version = next.Version
	addDBStatsToSpan(span, "mongodb", "replaceOne", int(res.ModifiedCount), time.Since(start))
	return nil
}

func (m *MongoRepository) Remove(ctx context.Context, p *payload.Payload) error {
	ctx, span := startSpan(ctx, "Remove")
	defer span.End()
	start := time.Now()

	res, err := m.collection.DeleteOne(ctx, bson.M{"_id": p.ID, "version": p.Version})
	if err != nil {
		recordError(span, err)
		return err
	}
	if res.DeletedCount == 0 {
		exists, err := m.exists(ctx, p.ID)
		if err != nil {
			recordError(span, err)
			return err
		}
		if exists {
			recordError(span, ErrConflict)
			return ErrConflict
		}
		return ErrNotFound
	}
	addDBStatsToSpan(span, "mongodb", "deleteOne", int(res.DeletedCount), time.Since(start))
	return nil
}

func (m *MongoRepository) ListByStates(ctx context.Context, states ...payload.State) ([]*payload.Payload, error) {
	ctx, span := startSpan(ctx, "ListByStates")
	defer span.End()
	start := time.Now()

	cursor, err := m.collection.Find(ctx,
		bson.M{"state": bson.M{"$in": states}},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	defer cursor.Close(ctx)

	payloads := []*payload.Payload{}
	if err := cursor.All(ctx, &payloads); err != nil {
		recordError(span, err)
		return nil, err
	}
	addDBStatsToSpan(span, "mongodb", "find", len(payloads), time.Since(start))
	return payloads, nil
}

func (m *MongoRepository) Contains(ctx context.Context, predicate func(*payload.Payload) bool) (bool, error) {
	return containsIn(ctx, m, predicate)
}

func (m *MongoRepository) Exists(ctx context.Context, id string) (bool, error) {
	ctx, span := startSpan(ctx, "Exists")
	defer span.End()
	start := time.Now()

	exists, err := m.exists(ctx, id)
	if err != nil {
		recordError(span, err)
		return false, err
	}
	addDBStatsToSpan(span, "mongodb", "countDocuments", 1, time.Since(start))
	return exists, nil
}

func (m *MongoRepository) exists(ctx context.Context, id string) (bool, error) {
	n, err := m.collection.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
