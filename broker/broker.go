// Package broker provides the Redis-backed substrate shared by every
// pipeline stage: keyed JSON storage with bounded lifetimes, FIFO work
// queues with pop-once delivery, and per-item status hashes.
//
// Queue semantics: Pop atomically moves an entry from the queue to a
// per-queue processing list, so a worker crash before Ack never loses the
// entry. The janitor returns entries that sit in a processing list longer
// than the visibility timeout back to their queue.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"charon/metrics"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Key prefixes for the broker key schema. These are a stable interface;
// external tooling reads them directly.
const (
	rawKeyPrefix    = "raw:"
	parsedKeyPrefix = "parsed:"
	bundleKeyPrefix = "bundle:"
	statusKeyPrefix = "status:"
	queueKeyPrefix  = "queue:"
)

// maxValueSize caps a single stored payload to prevent excessive memory
// usage on the broker (10MB).
const maxValueSize = 10 * 1024 * 1024

// RawKey returns the broker key for a raw payload.
func RawKey(itemID string) string { return rawKeyPrefix + itemID }

// ParsedKey returns the broker key for a parsed threat.
func ParsedKey(itemID string) string { return parsedKeyPrefix + itemID }

// BundleKey returns the broker key for an interchange bundle.
func BundleKey(itemID string) string { return bundleKeyPrefix + itemID }

// StatusKey returns the broker key for a processing status hash.
func StatusKey(itemID string) string { return statusKeyPrefix + itemID }

func queueKey(queue string) string      { return queueKeyPrefix + queue }
func processingKey(queue string) string { return queueKeyPrefix + queue + ":processing" }
func inflightKey(queue string) string   { return queueKeyPrefix + queue + ":inflight" }

// Broker wraps the Redis client used as cache and message bus.
type Broker struct {
	client     *redis.Client
	logger     *zap.SugaredLogger
	popTimeout time.Duration
}

// New creates a broker backed by the Redis instance at addr.
func New(addr, password string, db, poolSize int, popTimeout time.Duration, logger *zap.SugaredLogger) *Broker {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: poolSize,
	})

	return &Broker{
		client:     client,
		logger:     logger,
		popTimeout: popTimeout,
	}
}

// Ping tests the broker connection.
func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the broker connection.
func (b *Broker) Close() error {
	return b.client.Close()
}

// SetJSON stores a value under key with the given expiration.
func (b *Broker) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value for key %s: %w", key, err)
	}
	if len(data) > maxValueSize {
		return fmt.Errorf("value for key %s is %d bytes, exceeds maximum %d", key, len(data), maxValueSize)
	}
	return b.client.Set(ctx, key, data, ttl).Err()
}

// GetJSON loads the value stored under key into dest. The second return is
// false when the key does not exist or has expired.
func (b *Broker) GetJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := b.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal key %s: %w", key, err)
	}
	return true, nil
}

// Exists reports whether key is present on the broker.
func (b *Broker) Exists(ctx context.Context, key string) (bool, error) {
	count, err := b.client.Exists(ctx, key).Result()
	return count > 0, err
}

// Delete removes a key.
func (b *Broker) Delete(ctx context.Context, key string) error {
	return b.client.Del(ctx, key).Err()
}

// Push appends an item identifier to the named queue. Duplicate entries are
// tolerated; workers handle duplicate delivery idempotently.
func (b *Broker) Push(ctx context.Context, queue, itemID string) error {
	if err := b.client.LPush(ctx, queueKey(queue), itemID).Err(); err != nil {
		return fmt.Errorf("failed to push %s onto queue %s: %w", itemID, queue, err)
	}
	return nil
}

// Pop blocks up to the configured pop timeout for the next entry on the
// named queue. The entry is moved atomically to the queue's processing list
// so it survives a worker crash; callers must Ack after successful
// processing or Requeue on failure. Returns ok=false on timeout.
func (b *Broker) Pop(ctx context.Context, queue string) (string, bool, error) {
	itemID, err := b.client.BRPopLPush(ctx, queueKey(queue), processingKey(queue), b.popTimeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to pop from queue %s: %w", queue, err)
	}
	// Record when the entry went in flight so the janitor can spot workers
	// that died mid-processing.
	if err := b.client.HSet(ctx, inflightKey(queue), itemID, time.Now().UTC().Format(time.RFC3339)).Err(); err != nil {
		b.logger.Warnf("Failed to record in-flight timestamp for %s on %s: %v", itemID, queue, err)
	}
	return itemID, true, nil
}

// Ack removes a previously popped entry from the queue's processing list.
func (b *Broker) Ack(ctx context.Context, queue, itemID string) error {
	pipe := b.client.TxPipeline()
	pipe.LRem(ctx, processingKey(queue), 1, itemID)
	pipe.HDel(ctx, inflightKey(queue), itemID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to ack %s on queue %s: %w", itemID, queue, err)
	}
	return nil
}

// Requeue moves a previously popped entry from the processing list back to
// the tail of its queue for a later attempt.
func (b *Broker) Requeue(ctx context.Context, queue, itemID string) error {
	pipe := b.client.TxPipeline()
	pipe.LRem(ctx, processingKey(queue), 1, itemID)
	pipe.HDel(ctx, inflightKey(queue), itemID)
	pipe.LPush(ctx, queueKey(queue), itemID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to requeue %s on queue %s: %w", itemID, queue, err)
	}
	return nil
}

// QueueLen returns the number of entries waiting on the named queue.
func (b *Broker) QueueLen(ctx context.Context, queue string) (int64, error) {
	return b.client.LLen(ctx, queueKey(queue)).Result()
}

// ProcessingLen returns the number of in-flight entries for the named queue.
func (b *Broker) ProcessingLen(ctx context.Context, queue string) (int64, error) {
	return b.client.LLen(ctx, processingKey(queue)).Result()
}

// SweepInflight returns entries that have been in flight on the named queue
// longer than maxAge back to the queue. It reports how many were returned.
// The processing list is the source of truth: an entry with no recorded
// timestamp (worker died between pop and stamp, or the stamp write failed)
// is treated as already expired.
func (b *Broker) SweepInflight(ctx context.Context, queue string, maxAge time.Duration) (int, error) {
	entries, err := b.client.LRange(ctx, processingKey(queue), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read processing list for queue %s: %w", queue, err)
	}
	stamps, err := b.client.HGetAll(ctx, inflightKey(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read in-flight entries for queue %s: %w", queue, err)
	}

	cutoff := time.Now().UTC().Add(-maxAge)
	swept := 0
	for _, itemID := range entries {
		var poppedAt time.Time
		if stamp, ok := stamps[itemID]; ok {
			if parsed, err := time.Parse(time.RFC3339, stamp); err == nil {
				poppedAt = parsed
			} else {
				b.logger.Warnf("Unparsable in-flight timestamp for %s on %s: %q", itemID, queue, stamp)
			}
		}
		if poppedAt.After(cutoff) {
			continue
		}
		if err := b.Requeue(ctx, queue, itemID); err != nil {
			b.logger.Errorf("Failed to sweep in-flight entry %s on %s: %v", itemID, queue, err)
			continue
		}
		metrics.InflightRequeued.WithLabelValues(queue).Inc()
		swept++
	}
	return swept, nil
}

// HSetField sets a single field on a hash key and refreshes its TTL.
func (b *Broker) HSetField(ctx context.Context, key, field, value string, ttl time.Duration) error {
	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, key, field, value)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set field %s on %s: %w", field, key, err)
	}
	return nil
}

// HGetAll returns all fields of a hash key. Missing keys yield an empty map.
func (b *Broker) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := b.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read hash %s: %w", key, err)
	}
	return fields, nil
}

// HIncrField atomically increments an integer field on a hash key and
// returns the new value.
func (b *Broker) HIncrField(ctx context.Context, key, field string, ttl time.Duration) (int64, error) {
	pipe := b.client.TxPipeline()
	incr := pipe.HIncrBy(ctx, key, field, 1)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment field %s on %s: %w", field, key, err)
	}
	return incr.Val(), nil
}

// StartJanitor runs the in-flight sweep for the given queues until ctx is
// cancelled. It also samples queue depth gauges on each pass.
func (b *Broker) StartJanitor(ctx context.Context, queues []string, interval, visibilityTimeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, queue := range queues {
				if swept, err := b.SweepInflight(ctx, queue, visibilityTimeout); err != nil {
					b.logger.Errorf("Janitor sweep failed for queue %s: %v", queue, err)
				} else if swept > 0 {
					b.logger.Infof("Janitor returned %d stuck entries to queue %s", swept, queue)
				}
				if depth, err := b.QueueLen(ctx, queue); err == nil {
					metrics.QueueDepth.WithLabelValues(queue).Set(float64(depth))
				}
			}
		}
	}
}
