// Package ingest implements the ingestion gate, the single producer-side
// entry point of the pipeline. The gate validates incoming records against
// the canonical shape, assigns content-derived item identifiers, suppresses
// duplicates of fully processed items, and parks accepted payloads on the
// broker for downstream stages.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"charon/broker"
	"charon/core"
	"charon/metrics"
	"charon/status"

	"github.com/cespare/xxhash/v2"
	"github.com/go-playground/validator/v10"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// ErrInvalidRecord wraps validation failures at the gate.
var ErrInvalidRecord = errors.New("invalid record")

// ComputeItemID derives the stable item identifier from source name, title
// and the published calendar date (UTC). Whitespace and case differences do
// not change the identifier, so the same advisory re-collected from the same
// source maps to the same item.
func ComputeItemID(record *core.RawRecord) string {
	key := strings.ToLower(strings.TrimSpace(record.SourceName)) +
		"|" + strings.ToLower(strings.TrimSpace(record.Title)) +
		"|" + record.PublishedAt.UTC().Format("2006-01-02")
	return fmt.Sprintf("%016x", xxhash.Sum64String(key))
}

// DedupWindows holds the per-destination suppression windows. A duplicate
// whose stored timestamps are all younger than the window is suppressed;
// once any window has elapsed the item is admitted again. A zero window
// suppresses for as long as the status record lives.
type DedupWindows struct {
	Vector time.Duration
	Graph  time.Duration
}

// Gate validates and admits raw records into the pipeline.
type Gate struct {
	broker   *broker.Broker
	tracker  *status.Tracker
	validate *validator.Validate
	seen     *lru.Cache[string, struct{}]
	rawTTL   time.Duration
	windows  DedupWindows
	logger   *zap.SugaredLogger
}

// NewGate creates an ingestion gate. cacheSize bounds the in-process cache
// of recently deduplicated item identifiers.
func NewGate(b *broker.Broker, tracker *status.Tracker, cacheSize int, rawTTL time.Duration, windows DedupWindows, logger *zap.SugaredLogger) (*Gate, error) {
	seen, err := lru.New[string, struct{}](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup cache: %w", err)
	}
	return &Gate{
		broker:   b,
		tracker:  tracker,
		validate: validator.New(),
		seen:     seen,
		rawTTL:   rawTTL,
		windows:  windows,
		logger:   logger,
	}, nil
}

// suppressed reports whether a fully stored item is still inside every
// destination's suppression window.
func (g *Gate) suppressed(st *status.ItemStatus, now time.Time) bool {
	if !st.StoredEverywhere() {
		return false
	}
	if g.windows.Vector > 0 && now.Sub(st.Stages[core.StageStoredInVector]) > g.windows.Vector {
		return false
	}
	if g.windows.Graph > 0 && now.Sub(st.Stages[core.StageStoredInGraph]) > g.windows.Graph {
		return false
	}
	return true
}

// Ingest admits a raw record into the pipeline. It returns the item
// identifier and whether the record was suppressed as a duplicate of an
// already fully processed item. Malformed records are dropped with an error
// and never reach downstream stages.
func (g *Gate) Ingest(ctx context.Context, record *core.RawRecord) (string, bool, error) {
	if record == nil {
		metrics.RecordsDropped.WithLabelValues("nil").Inc()
		return "", false, fmt.Errorf("%w: nil record", ErrInvalidRecord)
	}
	if err := g.validate.Struct(record); err != nil {
		metrics.RecordsDropped.WithLabelValues("validation").Inc()
		g.logger.Warnw("Dropping malformed record",
			"source", record.SourceName,
			"title", record.Title,
			"error", err,
		)
		return "", false, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if record.CollectedAt.IsZero() {
		record.CollectedAt = time.Now().UTC()
	}

	itemID := ComputeItemID(record)

	// Fast path: the identifier was confirmed fully stored recently in this
	// process. Admission alone never populates the cache; an item that has
	// not reached every destination stays resubmittable.
	if g.seen.Contains(itemID) {
		metrics.RecordsDeduplicated.Inc()
		g.logger.Debugf("Duplicate item %s from %s (cached)", itemID, record.SourceName)
		return itemID, true, nil
	}

	// Slow path: consult the shared status record. An item counts as a
	// duplicate only once it has been stored in every primary destination;
	// a partially processed item is admitted again so retries can finish.
	st, err := g.tracker.Get(ctx, itemID)
	if err != nil {
		return "", false, fmt.Errorf("failed to check status for item %s: %w", itemID, err)
	}
	if g.suppressed(st, time.Now().UTC()) {
		g.seen.Add(itemID, struct{}{})
		metrics.RecordsDeduplicated.Inc()
		g.logger.Debugf("Duplicate item %s from %s (already stored)", itemID, record.SourceName)
		return itemID, true, nil
	}

	if err := g.broker.SetJSON(ctx, broker.RawKey(itemID), record, g.rawTTL); err != nil {
		return "", false, fmt.Errorf("failed to store raw payload for item %s: %w", itemID, err)
	}
	if err := g.tracker.MarkStage(ctx, itemID, core.StageIntake); err != nil {
		return "", false, fmt.Errorf("failed to mark intake for item %s: %w", itemID, err)
	}

	metrics.RecordsIngested.WithLabelValues(record.SourceName).Inc()
	g.logger.Infow("Admitted record",
		"item_id", itemID,
		"source", record.SourceName,
		"title", record.Title,
		"published_at", record.PublishedAt.UTC().Format(time.RFC3339),
	)
	return itemID, false, nil
}
