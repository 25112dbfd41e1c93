// Package core defines the shared data model for the Charon pipeline:
// raw records as delivered by collectors, the parsed threat representation
// derived from them, and the stage/queue vocabulary used by the broker.
package core

import (
	"strings"
	"time"
)

// Severity is the ordinal severity scale for parsed threats.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityRank orders severities for comparison. Unknown values rank lowest.
var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// AtLeast reports whether s is at or above the given severity.
func (s Severity) AtLeast(min Severity) bool {
	return severityRank[s] >= severityRank[min]
}

// Max returns the higher of the two severities.
func (s Severity) Max(other Severity) Severity {
	if severityRank[other] > severityRank[s] {
		return other
	}
	return s
}

// Valid reports whether s is one of the four known severities.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// IOCType represents different types of indicators of compromise.
type IOCType string

const (
	IOCTypeIP     IOCType = "ip"
	IOCTypeDomain IOCType = "domain"
	IOCTypeHash   IOCType = "hash"
)

// IOC is a typed indicator of compromise extracted from free text.
type IOC struct {
	Type  IOCType `json:"type"`
	Value string  `json:"value"`
}

// Queue names recognized by the router and drained by storage workers.
const (
	QueueVector         = "vector"
	QueueGraph          = "graph"
	QueuePriorityExport = "priority_export"
)

// Stage names recorded in the per-item processing status.
const (
	StageIntake         = "intake"
	StageParsed         = "parsed"
	StageConverted      = "converted"
	StageStoredInGraph  = "stored-in-graph"
	StageStoredInVector = "stored-in-vector"
	StageExported       = "exported"
)

// StorageStageFor maps a destination queue to its completion stage.
func StorageStageFor(queue string) string {
	switch queue {
	case QueueGraph:
		return StageStoredInGraph
	case QueueVector:
		return StageStoredInVector
	case QueuePriorityExport:
		return StageExported
	default:
		return "stored-in-" + queue
	}
}

// RawRecord is the canonical record a collector submits to the ingestion
// gate. It is the only shape accepted at the producer boundary.
type RawRecord struct {
	SourceName  string    `json:"source_name" validate:"required"`
	SourceURL   string    `json:"source_url" validate:"omitempty,url"`
	Title       string    `json:"title" validate:"required"`
	ContentText string    `json:"content_text" validate:"required"`
	PublishedAt time.Time `json:"published_at" validate:"required"`
	CollectedAt time.Time `json:"collected_at"`
	// Credibility is the source-declared weight in [0,1]; informational only.
	Credibility float64 `json:"credibility" validate:"gte=0,lte=1"`
}

// ParsedThreat is the canonical structured representation derived from a
// RawRecord. Written once by the parser and read-only afterward.
type ParsedThreat struct {
	ItemID      string    `json:"item_id" bson:"item_id"`
	Title       string    `json:"title" bson:"title"`
	Body        string    `json:"body" bson:"body"`
	SourceName  string    `json:"source_name" bson:"source_name"`
	SourceURL   string    `json:"source_url" bson:"source_url"`
	Industries  []string  `json:"industries" bson:"industries"`
	Severity    Severity  `json:"severity" bson:"severity"`
	ThreatTypes []string  `json:"threat_types" bson:"threat_types"`
	CVEs        []string  `json:"cves" bson:"cves"`
	IOCs        []IOC     `json:"iocs" bson:"iocs"`
	Techniques  []string  `json:"techniques" bson:"techniques"`
	Actors      []string  `json:"actors" bson:"actors"`
	PublishedAt time.Time `json:"published_at" bson:"published_at"`
	IngestedAt  time.Time `json:"ingested_at" bson:"ingested_at"`
}

// HasThreatType reports whether the parsed threat carries the given tag.
func (p *ParsedThreat) HasThreatType(tag string) bool {
	for _, t := range p.ThreatTypes {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}
