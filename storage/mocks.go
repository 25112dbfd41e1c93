package storage

import (
	"context"
	"errors"
	"sync"

	"charon/core"
	"charon/stix"
)

// ErrSimulatedOutage is returned by mock stores while failure injection is
// active.
var ErrSimulatedOutage = errors.New("simulated store outage")

// MemoryGraphStore is an in-memory GraphStore for tests. FailTimes injects
// that many consecutive write failures before writes start succeeding.
type MemoryGraphStore struct {
	mu        sync.Mutex
	FailTimes int
	Objects   map[string]stix.Object // keyed by object id
	Edges     map[string]stix.Object // keyed by source-type-target
	Writes    int
}

// NewMemoryGraphStore creates an empty in-memory graph store.
func NewMemoryGraphStore() *MemoryGraphStore {
	return &MemoryGraphStore{
		Objects: make(map[string]stix.Object),
		Edges:   make(map[string]stix.Object),
	}
}

// WriteBundle merges the bundle into the in-memory maps.
func (m *MemoryGraphStore) WriteBundle(_ context.Context, _ string, bundle *stix.Bundle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Writes++
	if m.FailTimes > 0 {
		m.FailTimes--
		return ErrSimulatedOutage
	}
	if bundle == nil {
		return ErrNilBundle
	}
	for _, obj := range bundle.Objects {
		if obj.Type == stix.TypeRelationship {
			m.Edges[obj.SourceRef+"-"+obj.RelationshipType+"-"+obj.TargetRef] = obj
			continue
		}
		m.Objects[obj.ID] = obj
	}
	return nil
}

// HealthCheck always succeeds.
func (m *MemoryGraphStore) HealthCheck(context.Context) error { return nil }

// MemoryVectorStore is an in-memory VectorStore for tests.
type MemoryVectorStore struct {
	mu        sync.Mutex
	FailTimes int
	Records   map[string]*core.ParsedThreat // keyed by item id
	Writes    int
}

// NewMemoryVectorStore creates an empty in-memory vector store.
func NewMemoryVectorStore() *MemoryVectorStore {
	return &MemoryVectorStore{Records: make(map[string]*core.ParsedThreat)}
}

// UpsertThreat stores the parsed threat keyed by item identifier.
func (m *MemoryVectorStore) UpsertThreat(_ context.Context, parsed *core.ParsedThreat, _ *stix.Bundle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Writes++
	if m.FailTimes > 0 {
		m.FailTimes--
		return ErrSimulatedOutage
	}
	if parsed == nil {
		return ErrNilThreat
	}
	m.Records[parsed.ItemID] = parsed
	return nil
}

// HealthCheck always succeeds.
func (m *MemoryVectorStore) HealthCheck(context.Context) error { return nil }

// Count returns the number of stored records.
func (m *MemoryVectorStore) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Records)
}
