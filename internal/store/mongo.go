package store

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/dyluth/stash/pkg/record"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const defaultMongoTimeout = 5 * time.Second

// mongoDocument is the stored shape of an envelope. The collection name is
// implied by the Mongo collection.
type mongoDocument struct {
	ID        string    `bson:"_id"`
	CreatedAt time.Time `bson:"created_at"`
	Seq       int64     `bson:"seq"`
	Payload   bson.M    `bson:"payload"`
}

// MongoStore persists envelopes in one Mongo database, one Mongo collection
// per record collection.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewMongoStore wraps an already connected client.
func NewMongoStore(client *mongo.Client, database string) *MongoStore {
	return &MongoStore{
		client: client,
		db:     client.Database(database),
	}
}

// DialMongo connects to uri and pings the primary. The ping runs under ctx, so
// an unreachable host fails within the context deadline instead of the
// driver's 30s server selection default.
func DialMongo(ctx context.Context, uri, database string) (*MongoStore, error) {
	if database == "" {
		return nil, fmt.Errorf("database name cannot be empty")
	}

	opts := options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(defaultMongoTimeout).
		SetConnectTimeout(timeoutFrom(ctx, defaultMongoTimeout))

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create Mongo client: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping Mongo: %w", err)
	}

	return NewMongoStore(client, database), nil
}

// Insert implements Store.
func (s *MongoStore) Insert(ctx context.Context, env record.Envelope) error {
	if env.ID == "" {
		return fmt.Errorf("%w: insert requires an id", record.ErrMalformedEnvelope)
	}
	if _, err := s.db.Collection(env.Collection).InsertOne(ctx, toMongoDocument(env)); err != nil {
		return fmt.Errorf("failed to insert into %s: %w", env.Collection, err)
	}
	return nil
}

// Upsert implements Store.
func (s *MongoStore) Upsert(ctx context.Context, env record.Envelope) error {
	if env.ID == "" {
		return fmt.Errorf("%w: upsert requires an id", record.ErrMalformedEnvelope)
	}
	_, err := s.db.Collection(env.Collection).ReplaceOne(ctx,
		bson.M{"_id": env.ID},
		toMongoDocument(env),
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert %s/%s: %w", env.Collection, env.ID, err)
	}
	return nil
}

// Find implements Store.
func (s *MongoStore) Find(ctx context.Context, collection string, limit int) ([]record.Envelope, error) {
	return s.find(ctx, collection, bson.D{}, limit)
}

// Search implements Store. The query is matched literally.
func (s *MongoStore) Search(ctx context.Context, collection string, fields []string, query string, limit int) ([]record.Envelope, error) {
	if len(fields) == 0 {
		return []record.Envelope{}, nil
	}

	pattern := regexp.QuoteMeta(query)
	clauses := make(bson.A, 0, len(fields))
	for _, field := range fields {
		clauses = append(clauses, bson.M{
			"payload." + field: bson.M{"$regex": pattern, "$options": "i"},
		})
	}
	return s.find(ctx, collection, bson.M{"$or": clauses}, limit)
}

func (s *MongoStore) find(ctx context.Context, collection string, filter any, limit int) ([]record.Envelope, error) {
	opts := options.Find().SetSort(bson.D{
		{Key: "created_at", Value: -1},
		{Key: "seq", Value: 1},
	})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := s.db.Collection(collection).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", collection, err)
	}

	var docs []mongoDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", collection, err)
	}

	envs := make([]record.Envelope, 0, len(docs))
	for _, doc := range docs {
		envs = append(envs, fromMongoDocument(collection, doc))
	}
	return envs, nil
}

// Delete implements Store.
func (s *MongoStore) Delete(ctx context.Context, collection, id string) (int64, error) {
	res, err := s.db.Collection(collection).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return 0, fmt.Errorf("failed to delete %s/%s: %w", collection, id, err)
	}
	return res.DeletedCount, nil
}

// Ping implements Store.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Close implements Store.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func toMongoDocument(env record.Envelope) mongoDocument {
	payload := bson.M{}
	for k, v := range env.Payload {
		payload[k] = v
	}
	return mongoDocument{
		ID:        env.ID,
		CreatedAt: env.CreatedAt.UTC(),
		Seq:       env.Seq,
		Payload:   payload,
	}
}

func fromMongoDocument(collection string, doc mongoDocument) record.Envelope {
	payload := make(map[string]any, len(doc.Payload))
	for k, v := range doc.Payload {
		payload[k] = fromBSONValue(v)
	}
	return record.Envelope{
		Collection: collection,
		ID:         doc.ID,
		Payload:    payload,
		CreatedAt:  doc.CreatedAt.UTC(),
		Seq:        doc.Seq,
	}
}

// fromBSONValue converts driver-specific decoded values back to plain Go
// values so callers never see primitive types.
func fromBSONValue(v any) any {
	switch val := v.(type) {
	case primitive.Binary:
		return val.Data
	case primitive.DateTime:
		return val.Time().UTC()
	case primitive.D:
		m := make(map[string]any, len(val))
		for _, e := range val {
			m[e.Key] = fromBSONValue(e.Value)
		}
		return m
	case primitive.M:
		m := make(map[string]any, len(val))
		for k, e := range val {
			m[k] = fromBSONValue(e)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, e := range val {
			m[k] = fromBSONValue(e)
		}
		return m
	case primitive.A:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = fromBSONValue(e)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = fromBSONValue(e)
		}
		return out
	default:
		return v
	}
}
