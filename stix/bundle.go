// Package stix builds the STIX-flavored interchange bundle the pipeline
// emits for cross-system sharing. The JSON shape of a bundle is the
// system's only externally documented export format and must stay stable.
package stix

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Object type names used in bundles.
const (
	TypeBundle        = "bundle"
	TypeMalware       = "malware"
	TypeCampaign      = "campaign"
	TypeVulnerability = "vulnerability"
	TypeThreatActor   = "threat-actor"
	TypeIndicator     = "indicator"
	TypeIdentity      = "identity"
	TypeAttackPattern = "attack-pattern"
	TypeRelationship  = "relationship"
)

// Relationship type names used in bundles.
const (
	RelExploits     = "exploits"
	RelAttributedTo = "attributed-to"
	RelIndicates    = "indicates"
	RelTargets      = "targets"
	RelUses         = "uses"
)

// Object is a single typed object inside a bundle. One struct covers every
// object type; type-specific fields are omitted from JSON when empty.
type Object struct {
	Type        string    `json:"type"`
	ID          string    `json:"id"`
	Created     time.Time `json:"created"`
	Name        string    `json:"name,omitempty"`
	Description string    `json:"description,omitempty"`
	Labels      []string  `json:"labels,omitempty"`

	// Indicator fields.
	Pattern     string `json:"pattern,omitempty"`
	PatternType string `json:"pattern_type,omitempty"`

	// Vulnerability / attack-pattern external reference.
	ExternalID string `json:"external_id,omitempty"`

	// Identity fields.
	IdentityClass string   `json:"identity_class,omitempty"`
	Sectors       []string `json:"sectors,omitempty"`

	// Relationship fields.
	RelationshipType string `json:"relationship_type,omitempty"`
	SourceRef        string `json:"source_ref,omitempty"`
	TargetRef        string `json:"target_ref,omitempty"`
}

// Bundle is a self-contained collection of typed objects plus the
// relationships linking them.
type Bundle struct {
	Type    string   `json:"type"`
	ID      string   `json:"id"`
	Objects []Object `json:"objects"`
	// Warnings records sub-objects that were skipped during conversion.
	// Carried as a custom property so partner consumers can ignore it.
	Warnings []string `json:"x_charon_warnings,omitempty"`
	// ItemID ties the bundle back to its source threat.
	ItemID string `json:"x_charon_item_id,omitempty"`
}

// NewID returns a globally unique identifier for the given object type.
func NewID(objectType string) string {
	return fmt.Sprintf("%s--%s", objectType, uuid.New().String())
}

// Validate checks bundle integrity: every relationship's source and target
// must resolve to an object present in the same bundle. A bundle is never
// partially valid.
func (b *Bundle) Validate() error {
	ids := make(map[string]bool, len(b.Objects))
	for _, obj := range b.Objects {
		if obj.ID == "" || obj.Type == "" {
			return fmt.Errorf("bundle %s contains an object without type or id", b.ID)
		}
		if ids[obj.ID] {
			return fmt.Errorf("bundle %s contains duplicate object id %s", b.ID, obj.ID)
		}
		ids[obj.ID] = true
	}
	for _, obj := range b.Objects {
		if obj.Type != TypeRelationship {
			continue
		}
		if obj.RelationshipType == "" {
			return fmt.Errorf("bundle %s: relationship %s has no relationship_type", b.ID, obj.ID)
		}
		if !ids[obj.SourceRef] {
			return fmt.Errorf("bundle %s: relationship %s references missing source %s", b.ID, obj.ID, obj.SourceRef)
		}
		if !ids[obj.TargetRef] {
			return fmt.Errorf("bundle %s: relationship %s references missing target %s", b.ID, obj.ID, obj.TargetRef)
		}
	}
	return nil
}

// ObjectsOfType returns all objects of the given type, in bundle order.
func (b *Bundle) ObjectsOfType(objectType string) []Object {
	var out []Object
	for _, obj := range b.Objects {
		if obj.Type == objectType {
			out = append(out, obj)
		}
	}
	return out
}

// Relationships returns all relationship objects with the given type, in
// bundle order. An empty relType returns every relationship.
func (b *Bundle) Relationships(relType string) []Object {
	var out []Object
	for _, obj := range b.Objects {
		if obj.Type != TypeRelationship {
			continue
		}
		if relType == "" || obj.RelationshipType == relType {
			out = append(out, obj)
		}
	}
	return out
}
