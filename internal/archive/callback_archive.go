// internal/archive/callback_archive.go
package archive

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const collectionName = "gateway_callbacks"

// CallbackRecord is one inbound gateway callback as received and handled.
type CallbackRecord struct {
	ID         primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	Authority  string             `json:"authority" bson:"authority"`
	Status     string             `json:"status" bson:"status"`
	PaymentID  string             `json:"payment_id,omitempty" bson:"payment_id,omitempty"`
	Outcome    string             `json:"outcome" bson:"outcome"`
	Reason     string             `json:"reason,omitempty" bson:"reason,omitempty"`
	RemoteAddr string             `json:"remote_addr,omitempty" bson:"remote_addr,omitempty"`
	ReceivedAt time.Time          `json:"received_at" bson:"received_at"`
}

type Archive interface {
	Record(ctx context.Context, rec *CallbackRecord) error
	ByAuthority(ctx context.Context, authority string) ([]*CallbackRecord, error)
	Close(ctx context.Context) error
}

// MongoArchive appends callback records to a Mongo collection.
type MongoArchive struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     *zap.Logger
}

func NewMongoArchive(ctx context.Context, uri, database string, logger *zap.Logger) (*MongoArchive, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	collection := client.Database(database).Collection(collectionName)
	_, err = collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "authority", Value: 1}, {Key: "received_at", Value: 1}},
	})
	if err != nil {
		logger.Warn("failed to create callback archive index", zap.Error(err))
	}

	return &MongoArchive{
		client:     client,
		collection: collection,
		logger:     logger,
	}, nil
}

func (a *MongoArchive) Record(ctx context.Context, rec *CallbackRecord) error {
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now().UTC()
	}
	res, err := a.collection.InsertOne(ctx, rec)
	if err != nil {
		return fmt.Errorf("failed to archive callback: %w", err)
	}
	if id, ok := res.InsertedID.(primitive.ObjectID); ok {
		rec.ID = id
	}
	return nil
}

// ByAuthority returns every archived delivery for an authority, oldest first.
func (a *MongoArchive) ByAuthority(ctx context.Context, authority string) ([]*CallbackRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "received_at", Value: 1}})
	cursor, err := a.collection.Find(ctx, bson.M{"authority": authority}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query callback archive: %w", err)
	}
	defer cursor.Close(ctx)

	var records []*CallbackRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode callback archive: %w", err)
	}
	return records, nil
}

func (a *MongoArchive) Close(ctx context.Context) error {
	return a.client.Disconnect(ctx)
}

// NopArchive discards records. Used when no Mongo URI is configured.
type NopArchive struct{}

func (NopArchive) Record(context.Context, *CallbackRecord) error { return nil }

func (NopArchive) ByAuthority(context.Context, string) ([]*CallbackRecord, error) {
	return nil, nil
}

func (NopArchive) Close(context.Context) error { return nil }
