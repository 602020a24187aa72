// pkg/persistence/mongo_store.go
package persistence

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.mongodb.org/mongo-driver/v2/mongo/writeconcern"

	"github.com/aleka07/cozysphere/go-cozysphere/pkg/logging"
	"github.com/aleka07/cozysphere/go-cozysphere/pkg/model"
)

// --- Ensure MongoReadingStore implements ReadingStore ---
var _ ReadingStore = (*MongoReadingStore)(nil)

// MongoCollection is the collection devices have always written to.
const MongoCollection = "sensor_data"

// MongoReadingStore keeps readings as flat documents (payload fields plus
// _id and timestamp) in a time-series collection.
type MongoReadingStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	clock      *Clock
	log        *slog.Logger
}

// NewMongoReadingStore connects to uri and prepares the collection in database.
func NewMongoReadingStore(ctx context.Context, uri, database string, clock *Clock) (*MongoReadingStore, error) {
	log := logging.Component("mongo")
	if clock == nil {
		// BSON dates keep milliseconds
		clock = NewClock(nil, time.Millisecond)
	}

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, storageErr("connect to MongoDB", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, storageErr("ping MongoDB", err)
	}

	db := client.Database(database)
	tsOptions := options.CreateCollection().SetTimeSeriesOptions(
		options.TimeSeries().
			SetTimeField(model.FieldTimestamp).
			SetGranularity("seconds"),
	)
	if err := db.CreateCollection(ctx, MongoCollection, tsOptions); err != nil {
		var cmdErr mongo.CommandError
		// 48 is NamespaceExists: the collection survives restarts.
		if !errors.As(err, &cmdErr) || cmdErr.Code != 48 {
			_ = client.Disconnect(context.Background())
			return nil, storageErr("create collection", err)
		}
	}

	journaled := true
	wc := &writeconcern.WriteConcern{W: "majority", Journal: &journaled}
	collection := db.Collection(MongoCollection, options.Collection().SetWriteConcern(wc))

	log.Info("MongoDB connection established", "database", database, "collection", MongoCollection)
	return &MongoReadingStore{client: client, collection: collection, clock: clock, log: log}, nil
}

// Append inserts the reading with a journaled majority write.
func (s *MongoReadingStore) Append(ctx context.Context, payload map[string]any) (*model.Reading, error) {
	payload = stripReserved(payload)
	id := bson.NewObjectID()
	ts := s.clock.Next()

	doc := make(bson.M, len(payload)+2)
	for k, v := range payload {
		doc[k] = v
	}
	doc["_id"] = id
	doc[model.FieldTimestamp] = ts

	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		return nil, storageErr("insert reading", err)
	}
	return &model.Reading{ID: id.Hex(), Timestamp: ts, Payload: payload}, nil
}

// Latest returns up to n readings, newest first.
func (s *MongoReadingStore) Latest(ctx context.Context, n int) ([]*model.Reading, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: model.FieldTimestamp, Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(normalizeLimit(n)))
	return s.find(ctx, "latest readings", bson.D{}, opts)
}

// Query returns readings in [start, end].
func (s *MongoReadingStore) Query(ctx context.Context, start, end time.Time) ([]*model.Reading, error) {
	filter := bson.D{{Key: model.FieldTimestamp, Value: bson.D{
		{Key: "$gte", Value: start.UTC()},
		{Key: "$lte", Value: end.UTC()},
	}}}
	return s.find(ctx, "readings in range", filter, options.Find())
}

func (s *MongoReadingStore) find(ctx context.Context, what string, filter bson.D, opts *options.FindOptionsBuilder) ([]*model.Reading, error) {
	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, storageErr("query "+what, err)
	}
	defer cursor.Close(ctx)

	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, storageErr("decode "+what, err)
	}

	readings := make([]*model.Reading, 0, len(docs))
	for _, doc := range docs {
		readings = append(readings, readingFromDocument(doc))
	}
	return readings, nil
}

// readingFromDocument splits the server-owned fields off a stored document.
func readingFromDocument(doc bson.M) *model.Reading {
	r := &model.Reading{Payload: make(map[string]any, len(doc))}
	for k, v := range doc {
		switch k {
		case "_id":
			if oid, ok := v.(bson.ObjectID); ok {
				r.ID = oid.Hex()
			}
		case model.FieldTimestamp:
			switch t := v.(type) {
			case bson.DateTime:
				r.Timestamp = t.Time().UTC()
			case time.Time:
				r.Timestamp = t.UTC()
			}
		default:
			r.Payload[k] = fromBSON(v)
		}
	}
	return r
}

// fromBSON turns nested BSON containers into plain maps and slices so
// payloads serialize to JSON the way they were received.
func fromBSON(v any) any {
	switch t := v.(type) {
	case bson.D:
		m := make(map[string]any, len(t))
		for _, e := range t {
			m[e.Key] = fromBSON(e.Value)
		}
		return m
	case bson.M:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = fromBSON(e)
		}
		return m
	case bson.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = fromBSON(e)
		}
		return out
	case int32:
		return int64(t)
	case bson.DateTime:
		return t.Time().UTC()
	default:
		return v
	}
}

// Ping checks connectivity to the primary.
func (s *MongoReadingStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return storageErr("ping MongoDB", err)
	}
	return nil
}

// Close disconnects the client.
func (s *MongoReadingStore) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Disconnect(ctx); err != nil {
		s.log.Error("MongoDB disconnect failed", "error", err)
	}
}
