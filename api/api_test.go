package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"charon/broker"
	"charon/core"
	"charon/ingest"
	"charon/parser"
	"charon/pipeline"
	"charon/router"
	"charon/status"
	"charon/stix"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestAPI(t *testing.T) (*API, *status.Tracker) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err, "failed to start miniredis")
	t.Cleanup(mr.Close)

	logger := zaptest.NewLogger(t).Sugar()
	b := broker.New(mr.Addr(), "", 0, 10, 50*time.Millisecond, logger)
	t.Cleanup(func() { b.Close() })

	tracker := status.NewTracker(b, time.Hour, logger)
	gate, err := ingest.NewGate(b, tracker, 128, time.Hour, ingest.DedupWindows{}, logger)
	require.NoError(t, err)
	svc := pipeline.New(gate, parser.NewParser(nil, 0, logger), stix.NewConverter(logger),
		router.New(), b, tracker, time.Hour, logger)

	return NewAPI(svc, Config{
		Host:              "127.0.0.1",
		Port:              0,
		JSONBodyLimit:     1 << 20,
		RequestsPerSecond: 100,
		Burst:             100,
	}, logger), tracker
}

func ingestBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"source_name":  "VendorPSIRT",
		"source_url":   "https://example.com/advisories/41",
		"title":        "Critical RCE in Example Gateway",
		"content_text": "CVE-2026-12345 is actively exploited for remote code execution.",
		"published_at": "2026-05-01T09:30:00Z",
		"credibility":  0.9,
	})
	require.NoError(t, err)
	return body
}

func TestIngestEndpoint_AcceptsRecord(t *testing.T) {
	a, _ := newTestAPI(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest", bytes.NewReader(ingestBody(t)))
	rec := httptest.NewRecorder()
	a.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var res pipeline.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Len(t, res.ItemID, 16)
	assert.Contains(t, res.Queues, core.QueueVector)
	assert.Contains(t, res.Queues, core.QueueGraph)
}

func TestIngestEndpoint_DuplicateReturnsOK(t *testing.T) {
	a, tracker := newTestAPI(t)
	ctx := context.Background()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest", bytes.NewReader(ingestBody(t)))
	rec := httptest.NewRecorder()
	a.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var res pipeline.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))

	// Resubmitting before the item is fully stored re-admits it.
	rec = httptest.NewRecorder()
	a.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/ingest", bytes.NewReader(ingestBody(t))))
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.NoError(t, tracker.MarkStage(ctx, res.ItemID, core.StageStoredInVector))
	require.NoError(t, tracker.MarkStage(ctx, res.ItemID, core.StageStoredInGraph))

	rec = httptest.NewRecorder()
	a.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/ingest", bytes.NewReader(ingestBody(t))))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestIngestEndpoint_RejectsInvalidJSON(t *testing.T) {
	a, _ := newTestAPI(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	a.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestEndpoint_RejectsUnknownFields(t *testing.T) {
	a, _ := newTestAPI(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest",
		bytes.NewReader([]byte(`{"source_name":"x","surprise":"field"}`)))
	rec := httptest.NewRecorder()
	a.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestEndpoint_RejectsInvalidRecord(t *testing.T) {
	a, _ := newTestAPI(t)

	body, err := json.Marshal(map[string]interface{}{
		"source_name":  "VendorPSIRT",
		"content_text": "missing title and published date",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	a.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestIngestEndpoint_RateLimit(t *testing.T) {
	a, _ := newTestAPI(t)
	a.limiter.SetLimit(1)
	a.limiter.SetBurst(1)

	codes := make(map[int]int)
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest", bytes.NewReader(ingestBody(t)))
		rec := httptest.NewRecorder()
		a.Router().ServeHTTP(rec, req)
		codes[rec.Code]++
	}
	assert.Positive(t, codes[http.StatusTooManyRequests])
}

func TestStatusEndpoint(t *testing.T) {
	a, _ := newTestAPI(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest", bytes.NewReader(ingestBody(t)))
	rec := httptest.NewRecorder()
	a.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var res pipeline.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))

	req = httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/status/%s", res.ItemID), nil)
	rec = httptest.NewRecorder()
	a.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var st status.ItemStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Contains(t, st.Stages, core.StageIntake)
	assert.Contains(t, st.Stages, core.StageParsed)
}

func TestHealthEndpoint(t *testing.T) {
	a, _ := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	a.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
