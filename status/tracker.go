// Package status tracks which pipeline stages each item has completed.
// The record is an append-only hash on the broker: stage names map to
// completion timestamps, attempt counters track per-destination retries,
// and stalled flags mark items that exhausted their retry budget.
package status

import (
	"context"
	"strconv"
	"time"

	"charon/broker"
	"charon/core"

	"go.uber.org/zap"
)

const (
	attemptsFieldPrefix = "attempts:"
	stalledFieldPrefix  = "stalled:"
)

// ItemStatus is the queryable view of a per-item processing record.
type ItemStatus struct {
	ItemID   string               `json:"item_id"`
	Stages   map[string]time.Time `json:"stages"`
	Attempts map[string]int       `json:"attempts"`
	Stalled  map[string]time.Time `json:"stalled"`
}

// StageCompleted reports whether the named stage has a completion timestamp.
func (s *ItemStatus) StageCompleted(stage string) bool {
	_, ok := s.Stages[stage]
	return ok
}

// StoredEverywhere reports whether the item reached the stored stage for
// both primary destinations.
func (s *ItemStatus) StoredEverywhere() bool {
	return s.StageCompleted(core.StageStoredInGraph) && s.StageCompleted(core.StageStoredInVector)
}

// Tracker records stage transitions on the broker.
type Tracker struct {
	broker *broker.Broker
	ttl    time.Duration
	logger *zap.SugaredLogger
}

// NewTracker creates a status tracker whose records expire after ttl.
func NewTracker(b *broker.Broker, ttl time.Duration, logger *zap.SugaredLogger) *Tracker {
	return &Tracker{
		broker: b,
		ttl:    ttl,
		logger: logger,
	}
}

// MarkStage records completion of a stage for the item. Re-marking a stage
// overwrites its timestamp; the record itself is never truncated.
func (t *Tracker) MarkStage(ctx context.Context, itemID, stage string) error {
	return t.broker.HSetField(ctx, broker.StatusKey(itemID), stage, time.Now().UTC().Format(time.RFC3339), t.ttl)
}

// IncrementAttempts bumps the write-attempt counter for a destination and
// returns the new count. The counter survives worker restarts.
func (t *Tracker) IncrementAttempts(ctx context.Context, itemID, destination string) (int, error) {
	n, err := t.broker.HIncrField(ctx, broker.StatusKey(itemID), attemptsFieldPrefix+destination, t.ttl)
	return int(n), err
}

// MarkStalled flags the item as stalled for a destination. Stalled items are
// no longer retried automatically; the requeue command clears the flag.
func (t *Tracker) MarkStalled(ctx context.Context, itemID, destination string) error {
	t.logger.Warnf("Item %s stalled for destination %s", itemID, destination)
	return t.broker.HSetField(ctx, broker.StatusKey(itemID), stalledFieldPrefix+destination, time.Now().UTC().Format(time.RFC3339), t.ttl)
}

// ClearStalled resets the stalled flag and attempt counter for a destination
// so the item can be retried from scratch.
func (t *Tracker) ClearStalled(ctx context.Context, itemID, destination string) error {
	if err := t.broker.HSetField(ctx, broker.StatusKey(itemID), stalledFieldPrefix+destination, "", t.ttl); err != nil {
		return err
	}
	return t.broker.HSetField(ctx, broker.StatusKey(itemID), attemptsFieldPrefix+destination, "0", t.ttl)
}

// Get returns the full processing record for an item. Unknown items yield a
// record with empty maps rather than an error: "never seen" and "no stages
// completed" are indistinguishable by design.
func (t *Tracker) Get(ctx context.Context, itemID string) (*ItemStatus, error) {
	fields, err := t.broker.HGetAll(ctx, broker.StatusKey(itemID))
	if err != nil {
		return nil, err
	}

	st := &ItemStatus{
		ItemID:   itemID,
		Stages:   make(map[string]time.Time),
		Attempts: make(map[string]int),
		Stalled:  make(map[string]time.Time),
	}
	for field, value := range fields {
		if value == "" {
			continue
		}
		switch {
		case len(field) > len(attemptsFieldPrefix) && field[:len(attemptsFieldPrefix)] == attemptsFieldPrefix:
			n, err := strconv.Atoi(value)
			if err != nil {
				t.logger.Warnf("Unparsable attempt counter %s=%q for item %s", field, value, itemID)
				continue
			}
			st.Attempts[field[len(attemptsFieldPrefix):]] = n
		case len(field) > len(stalledFieldPrefix) && field[:len(stalledFieldPrefix)] == stalledFieldPrefix:
			ts, err := time.Parse(time.RFC3339, value)
			if err != nil {
				continue
			}
			st.Stalled[field[len(stalledFieldPrefix):]] = ts
		default:
			ts, err := time.Parse(time.RFC3339, value)
			if err != nil {
				t.logger.Warnf("Unparsable stage timestamp %s=%q for item %s", field, value, itemID)
				continue
			}
			st.Stages[field] = ts
		}
	}
	return st, nil
}
