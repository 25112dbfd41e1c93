package ingest

import (
	"context"
	"testing"
	"time"

	"charon/broker"
	"charon/core"
	"charon/status"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestGate(t *testing.T) (*Gate, *status.Tracker, *broker.Broker) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err, "failed to start miniredis")
	t.Cleanup(mr.Close)

	logger := zaptest.NewLogger(t).Sugar()
	b := broker.New(mr.Addr(), "", 0, 10, 100*time.Millisecond, logger)
	t.Cleanup(func() { b.Close() })

	tracker := status.NewTracker(b, 14*24*time.Hour, logger)
	windows := DedupWindows{Vector: 30 * 24 * time.Hour, Graph: 90 * 24 * time.Hour}
	gate, err := NewGate(b, tracker, 128, time.Hour, windows, logger)
	require.NoError(t, err)
	return gate, tracker, b
}

func validRecord() *core.RawRecord {
	return &core.RawRecord{
		SourceName:  "VendorPSIRT",
		SourceURL:   "https://example.com/advisories/41",
		Title:       "Critical RCE in Example Gateway",
		ContentText: "A remote code execution flaw, CVE-2026-12345, is actively exploited.",
		PublishedAt: time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC),
		Credibility: 0.9,
	}
}

func TestComputeItemID_StableUnderNoise(t *testing.T) {
	a := validRecord()
	b := validRecord()
	b.SourceName = "  vendorpsirt "
	b.Title = "CRITICAL RCE IN EXAMPLE GATEWAY"
	// Same calendar day in a different zone.
	b.PublishedAt = time.Date(2026, 5, 1, 23, 30, 0, 0, time.FixedZone("UTC+5", 5*3600))

	assert.Equal(t, ComputeItemID(a), ComputeItemID(b))
	assert.Len(t, ComputeItemID(a), 16)
}

func TestComputeItemID_DistinctItems(t *testing.T) {
	a := validRecord()
	b := validRecord()
	b.Title = "Phishing wave against regional banks"
	assert.NotEqual(t, ComputeItemID(a), ComputeItemID(b))
}

func TestGate_AdmitsValidRecord(t *testing.T) {
	gate, tracker, b := newTestGate(t)
	ctx := context.Background()

	itemID, dup, err := gate.Ingest(ctx, validRecord())
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Len(t, itemID, 16)

	var stored core.RawRecord
	found, err := b.GetJSON(ctx, broker.RawKey(itemID), &stored)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "VendorPSIRT", stored.SourceName)
	assert.False(t, stored.CollectedAt.IsZero())

	st, err := tracker.Get(ctx, itemID)
	require.NoError(t, err)
	assert.True(t, st.StageCompleted(core.StageIntake))
}

func TestGate_DropsMalformed(t *testing.T) {
	gate, _, _ := newTestGate(t)
	ctx := context.Background()

	cases := map[string]*core.RawRecord{
		"nil record": nil,
		"missing title": func() *core.RawRecord {
			r := validRecord()
			r.Title = ""
			return r
		}(),
		"missing published date": func() *core.RawRecord {
			r := validRecord()
			r.PublishedAt = time.Time{}
			return r
		}(),
		"credibility out of range": func() *core.RawRecord {
			r := validRecord()
			r.Credibility = 1.5
			return r
		}(),
		"bad source url": func() *core.RawRecord {
			r := validRecord()
			r.SourceURL = "not a url"
			return r
		}(),
	}
	for name, record := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := gate.Ingest(ctx, record)
			assert.ErrorIs(t, err, ErrInvalidRecord)
		})
	}
}

func TestGate_ReadmitsUnstoredDuplicate(t *testing.T) {
	gate, tracker, _ := newTestGate(t)
	ctx := context.Background()

	first, dup, err := gate.Ingest(ctx, validRecord())
	require.NoError(t, err)
	require.False(t, dup)

	st, err := tracker.Get(ctx, first)
	require.NoError(t, err)
	require.True(t, st.StageCompleted(core.StageIntake))
	require.False(t, st.StoredEverywhere())

	// Intake alone does not make the item a duplicate: if the pipeline run
	// dies after admission, the producer must be able to resubmit.
	second, dup, err := gate.Ingest(ctx, validRecord())
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, first, second)
}

func TestGate_CachesStoredDuplicate(t *testing.T) {
	gate, tracker, b := newTestGate(t)
	ctx := context.Background()

	itemID, dup, err := gate.Ingest(ctx, validRecord())
	require.NoError(t, err)
	require.False(t, dup)

	require.NoError(t, tracker.MarkStage(ctx, itemID, core.StageStoredInGraph))
	require.NoError(t, tracker.MarkStage(ctx, itemID, core.StageStoredInVector))

	// The status lookup confirms the item is fully stored and primes the
	// in-process cache.
	_, dup, err = gate.Ingest(ctx, validRecord())
	require.NoError(t, err)
	require.True(t, dup)

	// With the status record gone the cache alone suppresses the duplicate.
	require.NoError(t, b.Delete(ctx, broker.StatusKey(itemID)))
	_, dup, err = gate.Ingest(ctx, validRecord())
	require.NoError(t, err)
	assert.True(t, dup)
}

func TestGate_DeduplicatesStoredItemAcrossRestart(t *testing.T) {
	gate, tracker, b := newTestGate(t)
	ctx := context.Background()

	itemID := ComputeItemID(validRecord())
	require.NoError(t, tracker.MarkStage(ctx, itemID, core.StageStoredInGraph))
	require.NoError(t, tracker.MarkStage(ctx, itemID, core.StageStoredInVector))

	// A fresh gate has an empty cache, so this exercises the status lookup.
	got, dup, err := gate.Ingest(ctx, validRecord())
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, itemID, got)

	// The duplicate never re-stores the raw payload.
	found, err := b.Exists(ctx, broker.RawKey(itemID))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGate_ReadmitsAfterDedupWindow(t *testing.T) {
	gate, tracker, b := newTestGate(t)
	ctx := context.Background()

	itemID := ComputeItemID(validRecord())
	require.NoError(t, tracker.MarkStage(ctx, itemID, core.StageStoredInGraph))
	// Backdate the vector write past its 30 day suppression window.
	stale := time.Now().UTC().Add(-40 * 24 * time.Hour).Format(time.RFC3339)
	require.NoError(t, b.HSetField(ctx, broker.StatusKey(itemID), core.StageStoredInVector, stale, time.Hour))

	got, dup, err := gate.Ingest(ctx, validRecord())
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, itemID, got)
}

func TestGate_ReadmitsPartiallyProcessedItem(t *testing.T) {
	gate, tracker, _ := newTestGate(t)
	ctx := context.Background()

	itemID := ComputeItemID(validRecord())
	require.NoError(t, tracker.MarkStage(ctx, itemID, core.StageStoredInGraph))

	got, dup, err := gate.Ingest(ctx, validRecord())
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, itemID, got)
}
