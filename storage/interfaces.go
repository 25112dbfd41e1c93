// Package storage implements the destination store writers: ArangoDB for
// the relationship graph, MongoDB for the semantic/vector records, and a
// JSON-lines exporter for priority bundles. All writes are idempotent
// (merge or upsert by identifier) because delivery is at-least-once.
package storage

import (
	"context"

	"charon/core"
	"charon/stix"
)

// GraphStore persists interchange bundles as nodes and edges. Writes use
// merge semantics keyed by object identifier so re-delivery updates rather
// than duplicates.
type GraphStore interface {
	WriteBundle(ctx context.Context, itemID string, bundle *stix.Bundle) error
	HealthCheck(ctx context.Context) error
}

// VectorStore persists one searchable record per item identifier, with an
// embedding vector and the serialized bundle for reference. Writes are
// upsert-by-item-identifier.
type VectorStore interface {
	UpsertThreat(ctx context.Context, parsed *core.ParsedThreat, bundle *stix.Bundle) error
	HealthCheck(ctx context.Context) error
}

// BundleExporter hands priority bundles to an external consumer.
type BundleExporter interface {
	Export(ctx context.Context, itemID string, bundle *stix.Bundle) error
}
