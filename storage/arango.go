package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"charon/stix"

	"github.com/arangodb/go-driver/v2/arangodb"
	"github.com/arangodb/go-driver/v2/connection"
	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
)

const (
	objectCollection = "objects"
	edgeCollection   = "relationships"
)

// ArangoGraphStore writes interchange bundles into ArangoDB: one document
// per object in the objects collection, one edge per relationship in the
// relationships edge collection. Both writes are AQL UPSERTs keyed by _key,
// so redelivery merges instead of duplicating.
type ArangoGraphStore struct {
	db     arangodb.Database
	logger *zap.SugaredLogger
}

// ArangoConfig holds the connection settings for the graph store.
type ArangoConfig struct {
	URL      string
	Database string
	Username string
	Password string
}

// NewArangoGraphStore connects to ArangoDB with exponential-backoff retry
// and ensures the database and collections exist.
func NewArangoGraphStore(ctx context.Context, cfg ArangoConfig, logger *zap.SugaredLogger) (*ArangoGraphStore, error) {
	endpoint := connection.NewRoundRobinEndpoints([]string{cfg.URL})
	conn := connection.NewHttpConnection(connection.HttpConfiguration{
		Authentication: connection.NewBasicAuth(cfg.Username, cfg.Password),
		Endpoint:       endpoint,
		ContentType:    connection.ApplicationJSON,
	})
	client := arangodb.NewClient(conn)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 2 * time.Minute

	err := backoff.RetryNotify(func() error {
		_, err := client.Version(ctx)
		return err
	}, bo, func(err error, _ time.Duration) {
		logger.Warnf("Retrying connection to ArangoDB: %v", err)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ArangoDB at %s: %w", cfg.URL, err)
	}

	db, err := ensureDatabase(ctx, client, cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := ensureCollections(ctx, db); err != nil {
		return nil, err
	}

	logger.Infof("Connected to ArangoDB graph store (database %s)", cfg.Database)
	return &ArangoGraphStore{db: db, logger: logger}, nil
}

func ensureDatabase(ctx context.Context, client arangodb.Client, name string) (arangodb.Database, error) {
	exists := false
	dblist, _ := client.Databases(ctx)
	for _, dbinfo := range dblist {
		if dbinfo.Name() == name {
			exists = true
			break
		}
	}
	if exists {
		var options arangodb.GetDatabaseOptions
		db, err := client.GetDatabase(ctx, name, &options)
		if err != nil {
			return nil, fmt.Errorf("failed to get database %s: %w", name, err)
		}
		return db, nil
	}
	db, err := client.CreateDatabase(ctx, name, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create database %s: %w", name, err)
	}
	return db, nil
}

func ensureCollections(ctx context.Context, db arangodb.Database) error {
	if exists, _ := db.CollectionExists(ctx, objectCollection); !exists {
		if _, err := db.CreateCollectionV2(ctx, objectCollection, nil); err != nil {
			return fmt.Errorf("failed to create collection %s: %w", objectCollection, err)
		}
	}
	if exists, _ := db.CollectionExists(ctx, edgeCollection); !exists {
		edgeType := arangodb.CollectionTypeEdge
		if _, err := db.CreateCollectionV2(ctx, edgeCollection, &arangodb.CreateCollectionPropertiesV2{
			Type: &edgeType,
		}); err != nil {
			return fmt.Errorf("failed to create edge collection %s: %w", edgeCollection, err)
		}
	}
	return nil
}

// sanitizeKey makes an object identifier safe for use as an ArangoDB _key.
func sanitizeKey(key string) string {
	replacer := strings.NewReplacer(
		" ", "-",
		"/", "-",
		"[", "",
		"]", "",
	)
	return replacer.Replace(strings.TrimSpace(key))
}

// WriteBundle merges every object and relationship of the bundle into the
// graph. Safe to repeat for the same bundle.
func (s *ArangoGraphStore) WriteBundle(ctx context.Context, itemID string, bundle *stix.Bundle) error {
	if bundle == nil {
		return ErrNilBundle
	}

	const objectQuery = `
		UPSERT { _key: @key }
		INSERT MERGE({ _key: @key, item_id: @item_id }, @doc)
		UPDATE MERGE({ item_id: @item_id }, @doc)
		IN objects
	`
	const edgeQuery = `
		UPSERT { _key: @key }
		INSERT { _key: @key, _from: @from, _to: @to, relationship_type: @rel_type, item_id: @item_id }
		UPDATE { relationship_type: @rel_type, item_id: @item_id }
		IN relationships
	`

	for _, obj := range bundle.Objects {
		if obj.Type == stix.TypeRelationship {
			continue
		}
		bindVars := map[string]interface{}{
			"key":     sanitizeKey(obj.ID),
			"item_id": itemID,
			"doc": map[string]interface{}{
				"type":        obj.Type,
				"name":        obj.Name,
				"labels":      obj.Labels,
				"pattern":     obj.Pattern,
				"external_id": obj.ExternalID,
				"sectors":     obj.Sectors,
				"created":     obj.Created.Format(time.RFC3339),
			},
		}
		if _, err := s.db.Query(ctx, objectQuery, &arangodb.QueryOptions{BindVars: bindVars}); err != nil {
			return fmt.Errorf("failed to upsert object %s: %w", obj.ID, err)
		}
	}

	for _, rel := range bundle.Relationships("") {
		// Deterministic edge key: redelivery of the same relationship
		// updates the same edge.
		key := sanitizeKey(rel.SourceRef + "-" + rel.RelationshipType + "-" + rel.TargetRef)
		bindVars := map[string]interface{}{
			"key":      key,
			"from":     objectCollection + "/" + sanitizeKey(rel.SourceRef),
			"to":       objectCollection + "/" + sanitizeKey(rel.TargetRef),
			"rel_type": rel.RelationshipType,
			"item_id":  itemID,
		}
		if _, err := s.db.Query(ctx, edgeQuery, &arangodb.QueryOptions{BindVars: bindVars}); err != nil {
			return fmt.Errorf("failed to upsert relationship %s: %w", rel.ID, err)
		}
	}

	s.logger.Debugf("Wrote bundle %s (%d objects) to graph store for item %s", bundle.ID, len(bundle.Objects), itemID)
	return nil
}

// HealthCheck verifies the graph store is reachable.
func (s *ArangoGraphStore) HealthCheck(ctx context.Context) error {
	_, err := s.db.Query(ctx, "RETURN 1", nil)
	return err
}
