package message

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// DefaultMongoCollection holds the lobby's messages.
const DefaultMongoCollection = "messages"

// MongoStore persists messages as documents keyed by message ID. UUIDv7 IDs
// order messages that share a millisecond timestamp.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
	now    func() time.Time
}

// ConnectMongo dials uri and returns a store on db.collection. The database
// name defaults to "chatroom".
func ConnectMongo(ctx context.Context, uri, db, collection string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	if db == "" {
		db = "chatroom"
	}
	if collection == "" {
		collection = DefaultMongoCollection
	}
	return &MongoStore{
		client: client,
		coll:   client.Database(db).Collection(collection),
		now:    time.Now,
	}, nil
}

// Init creates the index used for newest-first reads.
func (s *MongoStore) Init(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("create messages index: %w", err)
	}
	return nil
}

// Close disconnects the client.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) Append(ctx context.Context, msg *Message) (*Message, error) {
	stored := stamp(msg, s.now())
	if _, err := s.coll.InsertOne(ctx, stored); err != nil {
		return nil, storageErr("insert message", err)
	}
	return stored, nil
}

func (s *MongoStore) Page(ctx context.Context, page, size int) (Page, error) {
	if err := checkPage(page, size); err != nil {
		return Page{}, err
	}

	total, err := s.Count(ctx)
	if err != nil {
		return Page{}, err
	}

	msgs, err := s.newestFirst(ctx, int64(size), int64(page*size))
	if err != nil {
		return Page{}, err
	}
	return Page{Messages: msgs, HasMore: page*size+size < total}, nil
}

func (s *MongoStore) Recent(ctx context.Context, n int) ([]*Message, error) {
	if n <= 0 {
		return []*Message{}, nil
	}
	return s.newestFirst(ctx, int64(n), 0)
}

func (s *MongoStore) Count(ctx context.Context) (int, error) {
	n, err := s.coll.CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, storageErr("count messages", err)
	}
	return int(n), nil
}

func (s *MongoStore) newestFirst(ctx context.Context, limit, skip int64) ([]*Message, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(skip).
		SetLimit(limit)

	cur, err := s.coll.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, storageErr("query messages", err)
	}
	defer cur.Close(ctx)

	var msgs []*Message
	if err := cur.All(ctx, &msgs); err != nil {
		return nil, storageErr("decode messages", err)
	}

	result := make([]*Message, len(msgs))
	for i, m := range msgs {
		m.Timestamp = m.Timestamp.UTC()
		result[len(msgs)-1-i] = m
	}
	return result, nil
}
