package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Mongo is the MongoDB-backed Store. Containers map to collections; the
// document "id" field is stored as _id so upserts are natural replaces.
type Mongo struct {
	client   *mongo.Client
	database string
}

// NewMongo connects to uri and pings the deployment. The caller owns Close.
func NewMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri).SetAppName("sleuth"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to document store: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("document store unreachable: %w", err)
	}
	return &Mongo{client: client, database: database}, nil
}

func (s *Mongo) collection(container string) *mongo.Collection {
	return s.client.Database(s.database).Collection(container)
}

func (s *Mongo) Get(ctx context.Context, container, id string) (Document, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	var raw bson.M
	err := s.collection(container).FindOne(ctx, bson.M{"_id": id}).Decode(&raw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", container, id, err)
	}
	return fromBSON(raw), nil
}

func (s *Mongo) Upsert(ctx context.Context, container string, doc Document) error {
	id, _ := doc["id"].(string)
	if err := ValidateID(id); err != nil {
		return err
	}
	raw := toBSON(doc)
	raw["_id"] = id
	_, err := s.collection(container).ReplaceOne(ctx,
		bson.M{"_id": id}, raw, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", container, id, err)
	}
	return nil
}

func (s *Mongo) Query(ctx context.Context, container string, filter map[string]any) ([]Document, error) {
	q := bson.M{}
	for k, v := range filter {
		q[k] = v
	}
	cur, err := s.collection(container).Find(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", container, err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []Document
	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode %s document: %w", container, err)
		}
		out = append(out, fromBSON(raw))
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("query %s: %w", container, err)
	}
	return out, nil
}

func (s *Mongo) Delete(ctx context.Context, container, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	res, err := s.collection(container).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", container, id, err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// EnsureContainer creates the collection if absent. Mongo creates
// collections implicitly on first write, but the explicit control-plane call
// keeps the two-phase contract observable (and lets index creation live in
// one place if it is ever needed).
func (s *Mongo) EnsureContainer(ctx context.Context, container string) error {
	db := s.client.Database(s.database)
	names, err := db.ListCollectionNames(ctx, bson.M{"name": container})
	if err != nil {
		return fmt.Errorf("list collections: %w", err)
	}
	if len(names) > 0 {
		return nil
	}
	if err := db.CreateCollection(ctx, container); err != nil {
		return fmt.Errorf("create container %s: %w", container, err)
	}
	return nil
}

func (s *Mongo) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func toBSON(doc Document) bson.M {
	raw := bson.M{}
	for k, v := range doc {
		raw[k] = v
	}
	return raw
}

func fromBSON(raw bson.M) Document {
	doc := Document{}
	for k, v := range raw {
		if k == "_id" {
			doc["id"] = v
			continue
		}
		doc[k] = normalize(v)
	}
	return doc
}

// normalize flattens BSON container types into plain maps and slices so the
// rest of the codebase only ever sees Document values.
func normalize(v any) any {
	switch t := v.(type) {
	case bson.M:
		out := map[string]any{}
		for k, inner := range t {
			out[k] = normalize(inner)
		}
		return out
	case bson.D:
		out := map[string]any{}
		for _, e := range t {
			out[e.Key] = normalize(e.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = normalize(inner)
		}
		return out
	default:
		return v
	}
}
