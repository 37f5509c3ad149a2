package publish

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore is the production Store, backed by two collections:
// activeDetours (one document per routeId, merge-written so fields an
// update omits are preserved) and detourHistory (append-only).
type MongoStore struct {
	active  *mongo.Collection
	history *mongo.Collection
}

// NewMongoStore wires a MongoStore to the given database's
// "activeDetours" and "detourHistory" collections.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		active:  db.Collection("activeDetours"),
		history: db.Collection("detourHistory"),
	}
}

func (s *MongoStore) UpsertActiveDetour(ctx context.Context, snap PublishedSnapshot) error {
	filter := bson.M{"_id": snap.RouteID}
	update := bson.M{"$set": snap}
	opts := options.Update().SetUpsert(true)

	_, err := s.active.UpdateOne(ctx, filter, update, opts)
	if err != nil {
		return errors.Wrapf(err, "upsert active detour for route %s", snap.RouteID)
	}
	return nil
}

func (s *MongoStore) DeleteActiveDetour(ctx context.Context, routeID string) error {
	_, err := s.active.DeleteOne(ctx, bson.M{"_id": routeID})
	if err != nil {
		return errors.Wrapf(err, "delete active detour for route %s", routeID)
	}
	return nil
}

func (s *MongoStore) GetActiveDetour(ctx context.Context, routeID string) (PublishedSnapshot, bool, error) {
	var snap PublishedSnapshot
	err := s.active.FindOne(ctx, bson.M{"_id": routeID}).Decode(&snap)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return PublishedSnapshot{}, false, nil
	}
	if err != nil {
		return PublishedSnapshot{}, false, errors.Wrapf(err, "get active detour for route %s", routeID)
	}
	return snap, true, nil
}

func (s *MongoStore) ListActiveDetours(ctx context.Context) ([]PublishedSnapshot, error) {
	cursor, err := s.active.Find(ctx, bson.M{})
	if err != nil {
		return nil, errors.Wrap(err, "list active detours")
	}
	defer cursor.Close(ctx)

	var out []PublishedSnapshot
	if err := cursor.All(ctx, &out); err != nil {
		return nil, errors.Wrap(err, "decode active detours")
	}
	return out, nil
}

func (s *MongoStore) AppendHistoryEvent(ctx context.Context, ev HistoryEvent) error {
	_, err := s.history.InsertOne(ctx, ev)
	if err != nil {
		return errors.Wrapf(err, "append history event %s", ev.ID)
	}
	return nil
}

// PruneHistoryBefore deletes history documents older than cutoff, in
// batches of at most batchSize, stopping after maxBatches rounds so a
// single worker tick can't be monopolized by a large backlog.
func (s *MongoStore) PruneHistoryBefore(ctx context.Context, cutoff time.Time, batchSize, maxBatches int) (int, error) {
	removed := 0
	for batch := 0; batch < maxBatches; batch++ {
		ids, err := s.findHistoryIDsBefore(ctx, cutoff, batchSize)
		if err != nil {
			return removed, err
		}
		if len(ids) == 0 {
			break
		}

		res, err := s.history.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
		if err != nil {
			return removed, errors.Wrap(err, "prune history batch")
		}
		removed += int(res.DeletedCount)

		if len(ids) < batchSize {
			break
		}
	}
	return removed, nil
}

func (s *MongoStore) findHistoryIDsBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	opts := options.Find().SetLimit(int64(limit)).SetProjection(bson.M{"_id": 1})
	cursor, err := s.history.Find(ctx, bson.M{"occurredAt": bson.M{"$lt": cutoff}}, opts)
	if err != nil {
		return nil, errors.Wrap(err, "find stale history ids")
	}
	defer cursor.Close(ctx)

	var docs []struct {
		ID string `bson:"_id"`
	}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "decode stale history ids")
	}

	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	return ids, nil
}
