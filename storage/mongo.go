package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"charon/core"
	"charon/stix"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// VectorRecord is the document stored per item in the vector collection.
type VectorRecord struct {
	ItemID      string        `bson:"item_id"`
	Title       string        `bson:"title"`
	Body        string        `bson:"body"`
	SourceName  string        `bson:"source_name"`
	SourceURL   string        `bson:"source_url"`
	Industries  []string      `bson:"industries"`
	Severity    core.Severity `bson:"severity"`
	ThreatTypes []string      `bson:"threat_types"`
	CVEs        []string      `bson:"cves"`
	Actors      []string      `bson:"actors"`
	Embedding   []float32     `bson:"embedding"`
	BundleJSON  string        `bson:"bundle_json,omitempty"`
	PublishedAt time.Time     `bson:"published_at"`
	UpdatedAt   time.Time     `bson:"updated_at"`
}

// MongoVectorStore persists one searchable record per item in MongoDB.
type MongoVectorStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	embedder   Embedder
	logger     *zap.SugaredLogger
}

// NewMongoVectorStore creates a new MongoDB-backed vector store connection.
func NewMongoVectorStore(uri, dbName, collName string, maxPoolSize uint64, embedder Embedder, logger *zap.SugaredLogger) (*MongoVectorStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientOptions := options.Client().ApplyURI(uri).SetMaxPoolSize(maxPoolSize)
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	logger.Info("Connected to MongoDB vector store")

	return &MongoVectorStore{
		client:     client,
		collection: client.Database(dbName).Collection(collName),
		embedder:   embedder,
		logger:     logger,
	}, nil
}

// UpsertThreat writes the record for a parsed threat, replacing any previous
// version with the same item identifier. Re-delivery therefore converges on
// a single record.
func (s *MongoVectorStore) UpsertThreat(ctx context.Context, parsed *core.ParsedThreat, bundle *stix.Bundle) error {
	if parsed == nil {
		return ErrNilThreat
	}

	record := VectorRecord{
		ItemID:      parsed.ItemID,
		Title:       parsed.Title,
		Body:        parsed.Body,
		SourceName:  parsed.SourceName,
		SourceURL:   parsed.SourceURL,
		Industries:  parsed.Industries,
		Severity:    parsed.Severity,
		ThreatTypes: parsed.ThreatTypes,
		CVEs:        parsed.CVEs,
		Actors:      parsed.Actors,
		Embedding:   s.embedder.Embed(parsed.Title + "\n" + parsed.Body),
		PublishedAt: parsed.PublishedAt,
		UpdatedAt:   time.Now().UTC(),
	}
	if bundle != nil {
		data, err := json.Marshal(bundle)
		if err != nil {
			// The record is still useful without the serialized bundle.
			s.logger.Warnf("Failed to serialize bundle for item %s: %v", parsed.ItemID, err)
		} else {
			record.BundleJSON = string(data)
		}
	}

	filter := bson.M{"item_id": parsed.ItemID}
	opts := options.Replace().SetUpsert(true)
	if _, err := s.collection.ReplaceOne(ctx, filter, record, opts); err != nil {
		return fmt.Errorf("failed to upsert vector record for item %s: %w", parsed.ItemID, err)
	}
	return nil
}

// HealthCheck verifies the vector store is reachable.
func (s *MongoVectorStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close closes the MongoDB connection.
func (s *MongoVectorStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
